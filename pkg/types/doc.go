// Package types is the data model shared by every LIMINAL subsystem. It
// holds no logic beyond small helper methods on the enums (String,
// Promote, MaxPriority) — subsystem packages own all scheduling,
// negotiation, and parsing behavior.
package types

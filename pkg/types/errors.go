package types

import "errors"

// Admission errors (§7) — surfaced synchronously to the caller, never
// retried by the core itself.
var (
	ErrRateLimited          = errors.New("liminal: sender rate limited")
	ErrUnauthorizedPriority = errors.New("liminal: sender not authorized for priority")
	ErrUnknownSender        = errors.New("liminal: unknown sender")
)

// Delivery errors.
var (
	ErrRecipientUnknown    = errors.New("liminal: recipient unknown")
	ErrMailboxClosed       = errors.New("liminal: recipient mailbox closed")
	ErrPauseBudgetExceeded = errors.New("liminal: pause budget exceeded")
)

// Lease errors.
var (
	ErrResourceBusy  = errors.New("liminal: resource busy")
	ErrInvalidHolder = errors.New("liminal: caller does not hold this lease")
	ErrLeaseNotFound = errors.New("liminal: lease not found")
	ErrDeadlockVictim = errors.New("liminal: lease force-released to break a deadlock")
)

// Bridge errors.
var (
	ErrParseFrame  = errors.New("liminal: malformed pty frame")
	ErrStreamEnded = errors.New("liminal: pty stream ended")
)

// Fatal / lifecycle errors.
var (
	ErrAlreadyStarted  = errors.New("liminal: core already started")
	ErrShuttingDown    = errors.New("liminal: core is shutting down")
	ErrInvalidConfig   = errors.New("liminal: invalid configuration")
)

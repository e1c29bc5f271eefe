// Package ledger implements the optional event ledger (spec §6:
// "Persisted state: none required by the core; an optional ledger
// subscriber may record the event bus for replay"), grounded on the
// teacher's pkg/storage.BoltStore bucket-per-kind, JSON-marshaled-value
// bbolt usage.
package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/liminal-dev/liminal/pkg/bus"
	"github.com/liminal-dev/liminal/pkg/log"
	"github.com/liminal-dev/liminal/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketRouterEvents    = []byte("router_events")
	bucketTerritoryEvents = []byte("territory_events")
	bucketHealthAlerts    = []byte("health_alerts")
)

// Ledger is a bbolt-backed append-only recorder. It is never on the hot
// path: each Record* call is invoked from the ledger's own subscriber
// goroutines, not from the publishing subsystem.
type Ledger struct {
	db *bolt.DB
}

// Open creates or opens the ledger database at path, creating its
// buckets if absent.
func Open(path string) (*Ledger, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: opening %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRouterEvents, bucketTerritoryEvents, bucketHealthAlerts} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("ledger: creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Ledger{db: db}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func (l *Ledger) append(bucket []byte, value interface{}) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(value)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
}

var ledgerLogger = log.WithComponent("ledger")

// RecordRouterEvent appends one RouterEvent. Failures are logged, not
// returned: a subscriber goroutine has no caller to propagate an error
// to, matching the bus's existing slow-subscriber-drop semantics.
func (l *Ledger) RecordRouterEvent(ev types.RouterEvent) {
	if err := l.append(bucketRouterEvents, ev); err != nil {
		ledgerLogger.Error().Err(err).Msg("failed to record router event")
	}
}

// RecordTerritoryEvent appends one TerritoryEvent.
func (l *Ledger) RecordTerritoryEvent(ev types.TerritoryEvent) {
	if err := l.append(bucketTerritoryEvents, ev); err != nil {
		ledgerLogger.Error().Err(err).Msg("failed to record territory event")
	}
}

// RecordHealthAlert appends one HealthAlert.
func (l *Ledger) RecordHealthAlert(alert types.HealthAlert) {
	if err := l.append(bucketHealthAlerts, alert); err != nil {
		ledgerLogger.Error().Err(err).Msg("failed to record health alert")
	}
}

// RunRouterEvents drains sub onto the ledger until sub's channel is
// closed (bus Close or slow-subscriber eviction). Call in its own
// goroutine.
func (l *Ledger) RunRouterEvents(sub *bus.Subscription[types.RouterEvent]) {
	for ev := range sub.C() {
		l.RecordRouterEvent(ev)
	}
}

// RunTerritoryEvents drains sub onto the ledger until closed.
func (l *Ledger) RunTerritoryEvents(sub *bus.Subscription[types.TerritoryEvent]) {
	for ev := range sub.C() {
		l.RecordTerritoryEvent(ev)
	}
}

// RunHealthAlerts drains sub onto the ledger until closed.
func (l *Ledger) RunHealthAlerts(sub *bus.Subscription[types.HealthAlert]) {
	for ev := range sub.C() {
		l.RecordHealthAlert(ev)
	}
}

// ReplayRouterEvents reads back every recorded RouterEvent in sequence
// order, for post-crash replay/audit tooling.
func (l *Ledger) ReplayRouterEvents() ([]types.RouterEvent, error) {
	var out []types.RouterEvent
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRouterEvents)
		return b.ForEach(func(_, v []byte) error {
			var ev types.RouterEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			out = append(out, ev)
			return nil
		})
	})
	return out, err
}

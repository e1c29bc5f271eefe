// Package aging implements the Aging Tracker (spec §4.3): it carries
// no persistent state beyond the timestamps already present on a
// QueuedMessage, and is invoked by the router once per dispatch pass
// to recompute effective priority and flag starvation.
package aging

import (
	"time"

	"github.com/liminal-dev/liminal/pkg/types"
)

// Config mirrors the `router.aging.*` CoreConfig keys (spec §6).
type Config struct {
	BoostThreshold      time.Duration
	CriticalThreshold   time.Duration
	StarvationThreshold time.Duration
}

// Tracker applies the promotion and starvation rules. It holds only
// its configuration; all mutable state lives on the QueuedMessage
// entries it is handed.
type Tracker struct {
	cfg Config
}

// New constructs a Tracker.
func New(cfg Config) *Tracker {
	return &Tracker{cfg: cfg}
}

// Outcome reports whether Apply promoted or starved an entry, so the
// router can decide whether to re-sort its queue and whether to emit a
// RouterEvent.
type Outcome struct {
	Promoted bool
	Starved  bool
}

// Apply recomputes qm.EffectivePriority in place based on
// now-qm.EnqueuedAt, per spec §4.1 step 1 and §4.3.
//
// Aging monotonicity: effective priority never decreases here — a
// message already boosted keeps its boost even if, across config
// reloads, thresholds change. AgingBoosts tracks how many promotion
// levels have been applied so repeated Apply calls within the same
// threshold band are idempotent.
func (t *Tracker) Apply(qm *types.QueuedMessage, now time.Time) Outcome {
	age := now.Sub(qm.EnqueuedAt)

	wantBoosts := 0
	if t.cfg.CriticalThreshold > 0 && age >= t.cfg.CriticalThreshold {
		wantBoosts = 2
	} else if t.cfg.BoostThreshold > 0 && age >= t.cfg.BoostThreshold {
		wantBoosts = 1
	}

	var out Outcome
	if wantBoosts > qm.AgingBoosts {
		delta := wantBoosts - qm.AgingBoosts
		qm.EffectivePriority = qm.EffectivePriority.Promote(delta)
		qm.AgingBoosts = wantBoosts
		out.Promoted = true
	}

	if t.cfg.StarvationThreshold > 0 && age >= t.cfg.StarvationThreshold {
		if qm.EffectivePriority < types.Blocking {
			qm.EffectivePriority = types.Blocking
			out.Promoted = true
		}
		out.Starved = true
	}

	return out
}

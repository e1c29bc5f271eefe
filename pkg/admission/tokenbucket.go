// Package admission is the LIMINAL Token Bucket Table (spec §4.2):
// per-sender rate limiting keyed by message priority, plus the gaming
// detector that downgrades senders who lean too hard on high
// priorities.
package admission

import (
	"sync"
	"time"

	"github.com/liminal-dev/liminal/pkg/clock"
	"github.com/liminal-dev/liminal/pkg/types"
)

// PriorityCosts maps a Priority to the token cost of admitting one
// message at that priority. DirectorOverride should always cost zero
// per spec §4.2.
type PriorityCosts map[types.Priority]float64

// Config holds the `router.token_bucket.*` CoreConfig knobs (spec §6).
type Config struct {
	CapacityByPriority map[types.Priority]float64
	RefillByPriority   map[types.Priority]float64
	Cost               PriorityCosts
	GamingRatioThreshold float64
	GamingPenaltyDuration time.Duration
}

// DefaultCost returns the spec's indicative per-priority cost table:
// higher priorities cost more, DirectorOverride is free.
func DefaultCost() PriorityCosts {
	return PriorityCosts{
		types.Info:             1,
		types.Coordinate:       2,
		types.Blocking:         4,
		types.Critical:         8,
		types.DirectorOverride: 0,
	}
}

// gamingSample records one admission attempt, marked high or not, for
// the trailing-window gaming ratio computation.
type gamingSample struct {
	at       time.Time
	isHigh   bool // Blocking or above
}

type senderState struct {
	mu           sync.Mutex
	bucket       types.TokenBucket
	samples      []gamingSample
	penaltyUntil time.Time
	rateLimitHits []time.Time // trailing-minute denial timestamps, for HealthMonitor.CheckRateLimitHits
}

// Table is the per-sender Token Bucket Table. One bucket is created
// lazily per sender and never destroyed during the core's lifetime
// (spec §3).
type Table struct {
	cfg   Config
	clock clock.Clock

	mu      sync.Mutex
	senders map[types.AgentId]*senderState

	onGaming func(sender types.AgentId)
}

// NewTable constructs a Table. onGaming, if non-nil, is invoked every
// time a sender crosses into the gaming penalty (wired to a metrics
// counter by callers).
func NewTable(cfg Config, clk clock.Clock, onGaming func(types.AgentId)) *Table {
	return &Table{
		cfg:      cfg,
		clock:    clk,
		senders:  make(map[types.AgentId]*senderState),
		onGaming: onGaming,
	}
}

func (t *Table) stateFor(sender types.AgentId, priority types.Priority) *senderState {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.senders[sender]
	if ok {
		return s
	}
	s = &senderState{
		bucket: types.TokenBucket{
			Sender:       sender,
			Tokens:       t.cfg.CapacityByPriority[priority],
			Capacity:     t.cfg.CapacityByPriority[priority],
			RefillPerSec: t.cfg.RefillByPriority[priority],
			LastRefill:   t.clock.Now(),
		},
	}
	t.senders[sender] = s
	return s
}

// Decision is the result of an admission check.
type Decision struct {
	Admitted        bool
	RetryAfter      time.Duration
	EffectivePriority types.Priority // may be downgraded by the gaming detector
}

// Admit checks whether sender may send one message at priority,
// applying the gaming detector first (it can downgrade the effective
// priority before the bucket is consulted) and then the lazy linear
// refill arithmetic from spec §4.2.
func (t *Table) Admit(sender types.AgentId, priority types.Priority) Decision {
	now := t.clock.Now()
	st := t.stateFor(sender, priority)

	st.mu.Lock()
	defer st.mu.Unlock()

	effective := t.applyGamingLocked(st, priority, now)

	capacity := t.cfg.CapacityByPriority[effective]
	refill := t.cfg.RefillByPriority[effective]
	cost := t.cfg.Cost[effective]

	// Re-home the bucket's capacity/refill if this sender's first
	// observed priority differs from the one the lazily-created bucket
	// was seeded with — capacity/refill are looked up per check rather
	// than frozen at bucket creation, since a sender's effective
	// priority can change between calls (aging/inheritance/gaming).
	if st.bucket.Capacity != capacity {
		if st.bucket.Capacity > 0 {
			st.bucket.Tokens = st.bucket.Tokens * capacity / st.bucket.Capacity
		}
		st.bucket.Capacity = capacity
	}
	st.bucket.RefillPerSec = refill

	elapsed := now.Sub(st.bucket.LastRefill).Seconds()
	if elapsed > 0 {
		st.bucket.Tokens += elapsed * st.bucket.RefillPerSec
		if st.bucket.Tokens > st.bucket.Capacity {
			st.bucket.Tokens = st.bucket.Capacity
		}
		st.bucket.LastRefill = now
	}

	if cost == 0 || st.bucket.Tokens >= cost {
		st.bucket.Tokens -= cost
		return Decision{Admitted: true, EffectivePriority: effective}
	}

	st.bucket.Hits++
	st.rateLimitHits = append(pruneOlderThanMinute(st.rateLimitHits, now), now)
	var retryAfter time.Duration
	if st.bucket.RefillPerSec > 0 {
		retryAfter = time.Duration((cost-st.bucket.Tokens)/st.bucket.RefillPerSec*1000) * time.Millisecond
	} else {
		retryAfter = time.Duration(1<<62 - 1) // effectively infinite: refill never happens
	}
	return Decision{Admitted: false, RetryAfter: retryAfter, EffectivePriority: effective}
}

// pruneOlderThanMinute drops timestamps more than 60s before now.
func pruneOlderThanMinute(ts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-60 * time.Second)
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// applyGamingLocked records this attempt, prunes samples older than 60s,
// and returns the effective priority after any gaming downgrade. Caller
// must hold st.mu.
func (t *Table) applyGamingLocked(st *senderState, priority types.Priority, now time.Time) types.Priority {
	cutoff := now.Add(-60 * time.Second)
	kept := st.samples[:0]
	for _, s := range st.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	st.samples = append(kept, gamingSample{at: now, isHigh: priority >= types.Blocking})

	// DirectorOverride is never downgraded, so it stays free.
	if priority == types.DirectorOverride {
		return priority
	}

	if !st.penaltyUntil.IsZero() && now.Before(st.penaltyUntil) {
		return types.Info
	}

	if t.cfg.GamingRatioThreshold > 0 && len(st.samples) > 0 {
		high := 0
		for _, s := range st.samples {
			if s.isHigh {
				high++
			}
		}
		ratio := float64(high) / float64(len(st.samples))
		if ratio > t.cfg.GamingRatioThreshold {
			st.penaltyUntil = now.Add(t.cfg.GamingPenaltyDuration)
			if t.onGaming != nil {
				t.onGaming(st.bucket.Sender)
			}
			return types.Info
		}
	}

	return priority
}

// RateLimitHitsLastMinute returns each sender's trailing-minute
// rate-limit denial count, for HealthMonitor.CheckRateLimitHits (spec §4.7:
// "rate-limit hits per minute above rate_limit_alert").
func (t *Table) RateLimitHitsLastMinute() map[types.AgentId]int {
	t.mu.Lock()
	senders := make([]*senderState, 0, len(t.senders))
	for _, s := range t.senders {
		senders = append(senders, s)
	}
	t.mu.Unlock()

	now := t.clock.Now()
	out := make(map[types.AgentId]int, len(senders))
	for _, s := range senders {
		s.mu.Lock()
		s.rateLimitHits = pruneOlderThanMinute(s.rateLimitHits, now)
		out[s.bucket.Sender] = len(s.rateLimitHits)
		s.mu.Unlock()
	}
	return out
}

// Snapshot returns a point-in-time view of every sender's bucket, for
// MetricsSnapshot assembly.
func (t *Table) Snapshot() []types.TokenBucketSnapshot {
	t.mu.Lock()
	senders := make([]*senderState, 0, len(t.senders))
	for _, s := range t.senders {
		senders = append(senders, s)
	}
	t.mu.Unlock()

	now := t.clock.Now()
	out := make([]types.TokenBucketSnapshot, 0, len(senders))
	for _, s := range senders {
		s.mu.Lock()
		out = append(out, types.TokenBucketSnapshot{
			Sender:   s.bucket.Sender,
			Tokens:   s.bucket.Tokens,
			Capacity: s.bucket.Capacity,
			Hits:     s.bucket.Hits,
			Gaming:   !s.penaltyUntil.IsZero() && now.Before(s.penaltyUntil),
		})
		s.mu.Unlock()
	}
	return out
}

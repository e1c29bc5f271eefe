package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/liminal-dev/liminal/pkg/bus"
	"github.com/liminal-dev/liminal/pkg/clock"
	"github.com/liminal-dev/liminal/pkg/types"
)

// Thresholds mirrors the `health.*` and `router.limits.*` CoreConfig
// keys in spec §6 that drive health alerting.
type Thresholds struct {
	CriticalQueueMax    int
	RoutingP99Budget    time.Duration
	CloneSpawnP99Budget time.Duration
	RateLimitAlert      int // rate-limit hits per minute
	BreachSustain       time.Duration
}

// breachState tracks how long a given alert code has been continuously
// breached, so HealthMonitor can distinguish a fresh Warning from a
// BreachSustain-exceeding Critical.
type breachState struct {
	since    time.Time
	upgraded bool
}

// HealthMonitor evaluates configured thresholds against live readings
// and publishes HealthAlert events (spec §4.7).
type HealthMonitor struct {
	mu      sync.Mutex
	cfg     Thresholds
	clock   clock.Clock
	bus     *bus.Bus[types.HealthAlert]
	breach  map[types.HealthAlertCode]*breachState
}

// NewHealthMonitor creates a HealthMonitor publishing onto its own bus.
func NewHealthMonitor(cfg Thresholds, clk clock.Clock) *HealthMonitor {
	return &HealthMonitor{
		cfg:    cfg,
		clock:  clk,
		bus:    bus.New[types.HealthAlert](64, 50, func() { SubscribersDropped.WithLabelValues("health").Inc() }),
		breach: make(map[types.HealthAlertCode]*breachState),
	}
}

// Subscribe returns a stream of HealthAlert events.
func (h *HealthMonitor) Subscribe() *bus.Subscription[types.HealthAlert] {
	return h.bus.Subscribe()
}

// CheckQueueDepth evaluates the critical_queue_max threshold for one
// priority queue.
func (h *HealthMonitor) CheckQueueDepth(priority types.Priority, depth int) {
	breached := h.cfg.CriticalQueueMax > 0 && depth > h.cfg.CriticalQueueMax
	h.evaluate(types.CodeQueueDepth, breached, map[string]string{
		"priority": priority.String(),
		"depth":    strconv.Itoa(depth),
	})
}

// CheckRoutingLatency evaluates the routing_p99_budget threshold.
func (h *HealthMonitor) CheckRoutingLatency(p99 time.Duration) {
	breached := h.cfg.RoutingP99Budget > 0 && p99 > h.cfg.RoutingP99Budget
	h.evaluate(types.CodeRoutingLatency, breached, map[string]string{
		"p99_ms": strconv.FormatInt(p99.Milliseconds(), 10),
	})
}

// CheckCloneSpawnLatency evaluates the clone_spawn_p99_budget threshold.
func (h *HealthMonitor) CheckCloneSpawnLatency(p99 time.Duration) {
	breached := h.cfg.CloneSpawnP99Budget > 0 && p99 > h.cfg.CloneSpawnP99Budget
	h.evaluate(types.CodeCloneSpawnLatency, breached, map[string]string{
		"p99_ms": strconv.FormatInt(p99.Milliseconds(), 10),
	})
}

// CheckRateLimitHits evaluates the rate_limit_alert threshold for one
// sender's trailing-minute hit count.
func (h *HealthMonitor) CheckRateLimitHits(sender types.AgentId, hitsLastMinute int) {
	breached := h.cfg.RateLimitAlert > 0 && hitsLastMinute > h.cfg.RateLimitAlert
	h.evaluate(types.CodeRateLimitStorm, breached, map[string]string{
		"sender": string(sender),
		"hits":   strconv.Itoa(hitsLastMinute),
	})
}

// NoteSlowSubscriberDropped emits a Warning alert whenever a bus
// evicts a lagging subscriber.
func (h *HealthMonitor) NoteSlowSubscriberDropped(busName string) {
	h.bus.Publish(types.HealthAlert{
		Severity: types.SeverityWarning,
		Code:     types.CodeSlowSubscriber,
		Context:  map[string]string{"bus": busName},
		At:       h.clock.Now(),
	})
}

// evaluate is the shared threshold state machine: a fresh breach emits a
// Warning; a breach still active after BreachSustain emits a single
// Critical (not re-emitted every check); clearing the breach resets the
// state for next time.
func (h *HealthMonitor) evaluate(code types.HealthAlertCode, breached bool, ctx map[string]string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	state, tracked := h.breach[code]
	now := h.clock.Now()

	if !breached {
		if tracked {
			delete(h.breach, code)
		}
		return
	}

	if !tracked {
		h.breach[code] = &breachState{since: now}
		h.publish(types.SeverityWarning, code, ctx)
		return
	}

	if !state.upgraded && h.cfg.BreachSustain > 0 && now.Sub(state.since) >= h.cfg.BreachSustain {
		state.upgraded = true
		h.publish(types.SeverityCritical, code, ctx)
	}
}

func (h *HealthMonitor) publish(sev types.HealthSeverity, code types.HealthAlertCode, ctx map[string]string) {
	h.bus.Publish(types.HealthAlert{
		Severity: sev,
		Code:     code,
		Context:  ctx,
		At:       h.clock.Now(),
	})
}


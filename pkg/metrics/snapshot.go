package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/liminal-dev/liminal/pkg/types"
)

// latencyWindowSize bounds the rolling reservoir used for p50/p95/p99
// computation so Snapshot() stays O(window log window) instead of
// growing without bound over the life of the process.
const latencyWindowSize = 2048

// LatencyTracker keeps a bounded rolling window of observed durations
// and answers p50/p95/p99 queries in-process, without round-tripping
// through Prometheus's text exposition format. The corresponding
// Prometheus histogram (e.g. RoutingLatency) still receives every
// observation for external scraping/alerting; this tracker exists only
// because MetricsSnapshot must be answerable synchronously from the
// Core Facade.
type LatencyTracker struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
}

// NewLatencyTracker creates an empty tracker.
func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{samples: make([]time.Duration, 0, latencyWindowSize)}
}

// Observe records one duration sample.
func (l *LatencyTracker) Observe(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.samples) < latencyWindowSize {
		l.samples = append(l.samples, d)
		return
	}
	l.samples[l.next] = d
	l.next = (l.next + 1) % latencyWindowSize
}

// Summary computes the p50/p95/p99 of the current window.
func (l *LatencyTracker) Summary() types.LatencySummary {
	l.mu.Lock()
	sorted := make([]time.Duration, len(l.samples))
	copy(sorted, l.samples)
	l.mu.Unlock()

	if len(sorted) == 0 {
		return types.LatencySummary{}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return types.LatencySummary{
		P50: percentile(sorted, 0.50),
		P95: percentile(sorted, 0.95),
		P99: percentile(sorted, 0.99),
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Sink aggregates everything a MetricsSnapshot needs: the queue-depth
// gauges are read live from the caller (the router owns queue state),
// while lease and pty counters and the three latency trackers live
// here.
type Sink struct {
	mu sync.Mutex

	routingLatency *LatencyTracker
	leaseLatency   *LatencyTracker
	spawnLatency   *LatencyTracker

	deferrals   uint64
	overrides   uint64
	escalations uint64
	ptyEvents   map[string]uint64

	lastUpdated time.Time
}

// NewSink creates an empty Sink.
func NewSink() *Sink {
	return &Sink{
		routingLatency: NewLatencyTracker(),
		leaseLatency:   NewLatencyTracker(),
		spawnLatency:   NewLatencyTracker(),
		ptyEvents:      make(map[string]uint64),
	}
}

func (s *Sink) ObserveRoutingLatency(d time.Duration) {
	s.routingLatency.Observe(d)
	RoutingLatency.Observe(d.Seconds())
}

func (s *Sink) ObserveLeaseLatency(d time.Duration) {
	s.leaseLatency.Observe(d)
	LeaseDecisionLatency.Observe(d.Seconds())
}

func (s *Sink) ObserveSpawnLatency(d time.Duration) {
	s.spawnLatency.Observe(d)
}

func (s *Sink) IncDeferrals() {
	s.mu.Lock()
	s.deferrals++
	s.mu.Unlock()
	LeaseDeferrals.Inc()
}

func (s *Sink) IncOverrides() {
	s.mu.Lock()
	s.overrides++
	s.mu.Unlock()
	LeaseOverrides.Inc()
}

func (s *Sink) IncEscalations() {
	s.mu.Lock()
	s.escalations++
	s.mu.Unlock()
	LeaseEscalations.Inc()
}

func (s *Sink) IncPtyEvent(name string) {
	s.mu.Lock()
	s.ptyEvents[name]++
	s.mu.Unlock()
	PtyEventsTotal.WithLabelValues(name).Inc()
}

// Snapshot assembles an immutable MetricsSnapshot. queueDepths and
// tokenBuckets are supplied by the caller (the router and admission
// table respectively own that state); everything else is read from s.
func (s *Sink) Snapshot(now time.Time, queueDepths []types.QueueDepthSnapshot, tokenBuckets []types.TokenBucketSnapshot, leaseCount int, pendingByResource map[types.ResourceKey]int) types.MetricsSnapshot {
	s.mu.Lock()
	ptyCopy := make(map[string]uint64, len(s.ptyEvents))
	for k, v := range s.ptyEvents {
		ptyCopy[k] = v
	}
	deferrals, overrides, escalations := s.deferrals, s.overrides, s.escalations
	s.mu.Unlock()

	return types.MetricsSnapshot{
		QueueDepths:       queueDepths,
		TokenBuckets:      tokenBuckets,
		LeaseCount:        leaseCount,
		PendingByResource: pendingByResource,
		Deferrals:         deferrals,
		Overrides:         overrides,
		Escalations:       escalations,
		PtyEventCounts:    ptyCopy,
		RoutingLatency:    s.routingLatency.Summary(),
		LeaseLatency:      s.leaseLatency.Summary(),
		SpawnLatency:      s.spawnLatency.Summary(),
		LastUpdated:       now,
	}
}

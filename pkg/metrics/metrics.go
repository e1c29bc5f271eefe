// Package metrics is the LIMINAL Metrics Sink (spec §4.7): Prometheus
// counters/histograms/gauges plus a threshold-driven health alert
// emitter, both reachable through an immutable snapshot.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Router metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "liminal_router_queue_depth",
			Help: "Current number of queued messages by priority",
		},
		[]string{"priority"},
	)

	MessagesEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liminal_router_messages_enqueued_total",
			Help: "Total messages accepted into a priority queue",
		},
		[]string{"priority"},
	)

	MessagesDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liminal_router_messages_dispatched_total",
			Help: "Total messages delivered to a recipient mailbox",
		},
		[]string{"priority"},
	)

	MessagesUndeliverable = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "liminal_router_messages_undeliverable_total",
			Help: "Total messages dropped for an unknown or closed recipient",
		},
	)

	RoutingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "liminal_router_dispatch_latency_seconds",
			Help:    "Time from enqueue to dispatch in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		},
	)

	AgingPromotions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "liminal_router_aging_promotions_total",
			Help: "Total times a queued message's effective priority was promoted",
		},
	)

	StarvationEscalations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "liminal_router_starvation_escalations_total",
			Help: "Total messages forcibly escalated for exceeding the starvation threshold",
		},
	)

	// Admission metrics
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liminal_admission_rate_limited_total",
			Help: "Total admission rejections due to an exhausted token bucket",
		},
		[]string{"sender"},
	)

	GamingDowngrades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liminal_admission_gaming_downgrades_total",
			Help: "Total messages downgraded to Info by the gaming detector",
		},
		[]string{"sender"},
	)

	// Territory metrics
	LeasesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "liminal_territory_leases_active",
			Help: "Current number of occupied leases",
		},
	)

	LeaseDecisionLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "liminal_territory_decision_latency_seconds",
			Help:    "Time to decide an acquire/transfer request in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		},
	)

	LeaseDeferrals = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "liminal_territory_deferrals_total",
			Help: "Total lease transfer requests deferred",
		},
	)

	LeaseOverrides = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "liminal_territory_overrides_total",
			Help: "Total lease holders overridden by a higher-priority requester",
		},
	)

	LeaseEscalations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "liminal_territory_escalations_total",
			Help: "Total escalations (queue depth, deadlock victim, timeout)",
		},
	)

	DeadlocksResolved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "liminal_territory_deadlocks_resolved_total",
			Help: "Total wait-for cycles broken by forcing a victim release",
		},
	)

	// PTY bridge metrics
	PtyEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liminal_pty_events_total",
			Help: "Total structured PTY events emitted by event name",
		},
		[]string{"name"},
	)

	PtyParseErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "liminal_pty_parse_errors_total",
			Help: "Total malformed frames discarded by the PTY bridge",
		},
	)

	// Subscriber metrics
	SubscribersDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liminal_bus_subscribers_dropped_total",
			Help: "Total slow subscribers evicted from an event bus",
		},
		[]string{"bus"},
	)
)

func init() {
	prometheus.MustRegister(
		QueueDepth,
		MessagesEnqueued,
		MessagesDispatched,
		MessagesUndeliverable,
		RoutingLatency,
		AgingPromotions,
		StarvationEscalations,
		RateLimitHits,
		GamingDowngrades,
		LeasesActive,
		LeaseDecisionLatency,
		LeaseDeferrals,
		LeaseOverrides,
		LeaseEscalations,
		DeadlocksResolved,
		PtyEventsTotal,
		PtyParseErrors,
		SubscribersDropped,
	)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing an operation and recording its
// duration to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

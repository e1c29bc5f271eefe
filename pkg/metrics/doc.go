/*
Package metrics is the LIMINAL Metrics Sink (spec §4.7).

It owns three things: the Prometheus collectors scraped over HTTP
(metrics.go), a threshold-driven HealthMonitor that turns breached
budgets into HealthAlert events (health.go), and the rolling-window
latency tracker and Snapshot builder used to answer snapshot_metrics()
without reading back through Prometheus's internal TSDB (snapshot.go).

Counters and histograms are package-level vars registered in init(), in
the same shape as the teacher's pkg/metrics: callers increment them
directly rather than going through a collector struct.
*/
package metrics

package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLatencyTrackerComputesPercentiles(t *testing.T) {
	lt := NewLatencyTracker()
	for i := 1; i <= 100; i++ {
		lt.Observe(time.Duration(i) * time.Millisecond)
	}

	summary := lt.Summary()
	assert.InDelta(t, 50, summary.P50.Milliseconds(), 2)
	assert.InDelta(t, 95, summary.P95.Milliseconds(), 2)
	assert.InDelta(t, 99, summary.P99.Milliseconds(), 2)
}

func TestLatencyTrackerEmptyIsZero(t *testing.T) {
	lt := NewLatencyTracker()
	assert.Equal(t, time.Duration(0), lt.Summary().P99)
}

func TestSinkSnapshotAggregatesCounters(t *testing.T) {
	s := NewSink()
	s.IncDeferrals()
	s.IncOverrides()
	s.IncOverrides()
	s.IncEscalations()
	s.IncPtyEvent("pause")
	s.IncPtyEvent("pause")
	s.ObserveRoutingLatency(5 * time.Millisecond)

	now := time.Now()
	snap := s.Snapshot(now, nil, nil, 3, nil)

	assert.Equal(t, uint64(1), snap.Deferrals)
	assert.Equal(t, uint64(2), snap.Overrides)
	assert.Equal(t, uint64(1), snap.Escalations)
	assert.Equal(t, uint64(2), snap.PtyEventCounts["pause"])
	assert.Equal(t, 3, snap.LeaseCount)
	assert.Equal(t, now, snap.LastUpdated)
}

package metrics

import (
	"testing"
	"time"

	"github.com/liminal-dev/liminal/pkg/clock"
	"github.com/liminal-dev/liminal/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestHealthMonitorEmitsWarningOnFreshBreach(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	hm := NewHealthMonitor(Thresholds{CriticalQueueMax: 10, BreachSustain: time.Minute}, fc)
	sub := hm.Subscribe()

	hm.CheckQueueDepth(types.Blocking, 11)

	select {
	case a := <-sub.C():
		assert.Equal(t, types.SeverityWarning, a.Severity)
		assert.Equal(t, types.CodeQueueDepth, a.Code)
	default:
		t.Fatal("expected a warning alert")
	}
}

func TestHealthMonitorEscalatesToCriticalAfterSustain(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	hm := NewHealthMonitor(Thresholds{CriticalQueueMax: 10, BreachSustain: 30 * time.Second}, fc)
	sub := hm.Subscribe()

	hm.CheckQueueDepth(types.Blocking, 11)
	<-sub.C() // warning

	fc.Advance(31 * time.Second)
	hm.CheckQueueDepth(types.Blocking, 12)

	a := <-sub.C()
	assert.Equal(t, types.SeverityCritical, a.Severity)
}

func TestHealthMonitorClearsOnRecovery(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	hm := NewHealthMonitor(Thresholds{CriticalQueueMax: 10, BreachSustain: time.Minute}, fc)
	sub := hm.Subscribe()

	hm.CheckQueueDepth(types.Blocking, 11)
	<-sub.C()

	hm.CheckQueueDepth(types.Blocking, 1) // recovers, no alert
	hm.CheckQueueDepth(types.Blocking, 11) // breaches again, fresh warning

	a := <-sub.C()
	assert.Equal(t, types.SeverityWarning, a.Severity)
}

func TestHealthMonitorEmitsRateLimitStormOnTrailingMinuteHits(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	hm := NewHealthMonitor(Thresholds{RateLimitAlert: 20, BreachSustain: time.Minute}, fc)
	sub := hm.Subscribe()

	hm.CheckRateLimitHits("agent-1", 21)

	a := <-sub.C()
	assert.Equal(t, types.SeverityWarning, a.Severity)
	assert.Equal(t, types.CodeRateLimitStorm, a.Code)
	assert.Equal(t, "agent-1", a.Context["sender"])
}

func TestHealthMonitorNoRateLimitStormBelowThreshold(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	hm := NewHealthMonitor(Thresholds{RateLimitAlert: 20, BreachSustain: time.Minute}, fc)
	sub := hm.Subscribe()

	hm.CheckRateLimitHits("agent-1", 5)

	select {
	case a := <-sub.C():
		t.Fatalf("unexpected alert below threshold: %+v", a)
	default:
	}
}

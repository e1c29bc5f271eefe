package core

import (
	"testing"
	"time"

	"github.com/liminal-dev/liminal/pkg/clock"
	"github.com/liminal-dev/liminal/pkg/config"
	"github.com/liminal-dev/liminal/pkg/router"
	"github.com/liminal-dev/liminal/pkg/territory"
	"github.com/liminal-dev/liminal/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDirectory struct {
	roles map[types.AgentId]types.AgentRole
}

func (d *testDirectory) RoleOf(id types.AgentId) (types.AgentRole, bool) {
	r, ok := d.roles[id]
	return r, ok
}

func newTestCore(t *testing.T) (*Core, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(time.Unix(0, 0))
	dir := &testDirectory{roles: map[types.AgentId]types.AgentRole{
		"director-1": types.Director,
		"primary-1":  types.Primary,
	}}
	cfg := config.Default()
	c := New(cfg, fc, dir, nil)
	require.NoError(t, c.Start())
	t.Cleanup(func() { c.Shutdown(false) })
	return c, fc
}

func TestSubmitMessageDispatchesToRegisteredMailbox(t *testing.T) {
	c, fc := newTestCore(t)
	received := make(chan types.Message, 1)
	c.RegisterMailbox("recipient-1", router.MailboxFunc(func(m types.Message) error {
		received <- m
		return nil
	}))

	msg := types.NewMessage("primary-1", "recipient-1", types.Status, types.Critical, []byte("hi"), fc.Now())
	res := c.SubmitMessage(msg)
	require.Equal(t, router.Accepted, res.Kind)

	select {
	case m := <-received:
		assert.Equal(t, []byte("hi"), m.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("message was never dispatched")
	}
}

func TestAcquireAndReleaseLeaseRoundTrip(t *testing.T) {
	c, _ := newTestCore(t)

	d := c.AcquireLease("primary-1", "/src/api", time.Minute, types.Coordinate)
	require.Equal(t, territory.KindGranted, d.Kind)

	require.NoError(t, c.Heartbeat(d.LeaseID, 0.5))
	require.NoError(t, c.ReleaseLease(d.LeaseID, "primary-1"))

	snap := c.SnapshotMetrics()
	assert.Equal(t, 0, snap.LeaseCount)
}

func TestSnapshotMetricsReflectsQueueDepth(t *testing.T) {
	c, fc := newTestCore(t)
	c.RegisterMailbox("recipient-1", router.MailboxFunc(func(types.Message) error { return nil }))

	msg := types.NewMessage("primary-1", "recipient-1", types.Status, types.Info, nil, fc.Now())
	require.Equal(t, router.Accepted, c.SubmitMessage(msg).Kind)

	snap := c.SnapshotMetrics()
	found := false
	for _, d := range snap.QueueDepths {
		if d.Priority == types.Info && d.Depth == 1 {
			found = true
		}
	}
	assert.True(t, found)
}

func TestFeedPtySetsPauseHintVisibleToGate(t *testing.T) {
	c, _ := newTestCore(t)
	c.FeedPty("primary-1", []byte(`<LIMINAL_EVENT>{"name":"awaiting_input","pause":"awaiting_input"}</LIMINAL_EVENT>`))

	hint, ok := c.bridge.PauseHint("primary-1")
	require.True(t, ok)
	assert.Equal(t, types.PausePointKind("awaiting_input"), hint)

	snap := c.SnapshotMetrics()
	assert.Equal(t, uint64(1), snap.PtyEventCounts["awaiting_input"])
}

// Regression test: territory.Manager and ptybridge.Bridge must route
// deferral/override/escalation/pty-event counts and lease decision
// latency through the shared metrics.Sink so SnapshotMetrics (spec §3)
// actually reflects them, instead of only incrementing raw Prometheus
// counters the Sink never reads.
func TestSnapshotMetricsReflectsLeaseOverridesAndDeferrals(t *testing.T) {
	c, _ := newTestCore(t)

	granted := c.AcquireLease("primary-1", "/src/api", time.Minute, types.Info)
	require.Equal(t, territory.KindGranted, granted.Kind)
	override := c.RequestTransfer("director-1", granted.LeaseID, types.Blocking, "")
	require.Equal(t, territory.KindOverridden, override.Kind)

	other := c.AcquireLease("primary-1", "/src/other", time.Minute, types.Info)
	require.Equal(t, territory.KindGranted, other.Kind)
	require.NoError(t, c.Heartbeat(other.LeaseID, 0.9))
	deferred := c.RequestTransfer("director-1", other.LeaseID, types.Coordinate, "")
	require.Equal(t, territory.KindDeferred, deferred.Kind)

	snap := c.SnapshotMetrics()
	assert.Equal(t, uint64(1), snap.Overrides)
	assert.Equal(t, uint64(1), snap.Deferrals)
}

func TestStreamEndedReleasesHeldLeases(t *testing.T) {
	c, _ := newTestCore(t)
	d := c.AcquireLease("primary-1", "/src/api", time.Minute, types.Info)
	require.Equal(t, territory.KindGranted, d.Kind)

	c.StreamEnded("primary-1")

	snap := c.SnapshotMetrics()
	assert.Equal(t, 0, snap.LeaseCount)
}

func TestShutdownWithoutDrainRejectsFurtherSubmits(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	dir := &testDirectory{roles: map[types.AgentId]types.AgentRole{"primary-1": types.Primary}}
	c := New(config.Default(), fc, dir, nil)
	require.NoError(t, c.Start())

	c.Shutdown(false)

	msg := types.NewMessage("primary-1", "recipient-1", types.Status, types.Info, nil, fc.Now())
	res := c.SubmitMessage(msg)
	assert.Equal(t, router.Rejected, res.Kind)
}

package router

import (
	"testing"
	"time"

	"github.com/liminal-dev/liminal/pkg/admission"
	"github.com/liminal-dev/liminal/pkg/aging"
	"github.com/liminal-dev/liminal/pkg/clock"
	"github.com/liminal-dev/liminal/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	roles map[types.AgentId]types.AgentRole
}

func (f *fakeDirectory) RoleOf(id types.AgentId) (types.AgentRole, bool) {
	r, ok := f.roles[id]
	return r, ok
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{roles: map[types.AgentId]types.AgentRole{
		"director-1": types.Director,
		"primary-1":  types.Primary,
		"clone-1":    types.Clone,
	}}
}

func alwaysIdle(types.AgentId) bool { return true }

type idleFunc func(types.AgentId) bool

func (f idleFunc) IsIdle(a types.AgentId) bool { return f(a) }

func newTestRouter(t *testing.T, fc *clock.Fake) (*Router, *fakeDirectory, *Registry) {
	t.Helper()
	dir := newFakeDirectory()
	reg := NewRegistry()

	capacity := map[types.Priority]float64{
		types.Info: 1000, types.Coordinate: 1000, types.Blocking: 1000,
		types.Critical: 1000, types.DirectorOverride: 1000,
	}
	refill := map[types.Priority]float64{
		types.Info: 1000, types.Coordinate: 1000, types.Blocking: 1000,
		types.Critical: 1000, types.DirectorOverride: 1000,
	}
	admTable := admission.NewTable(admission.Config{
		CapacityByPriority: capacity, RefillByPriority: refill, Cost: admission.DefaultCost(),
	}, fc, nil)
	agingTracker := aging.New(aging.Config{})

	r := New(Config{}, fc, dir, admTable, agingTracker, nil, idleFunc(alwaysIdle), nil, reg, nil)
	return r, dir, reg
}

func deliverAll(reg *Registry, recipient types.AgentId) *[]types.Message {
	received := &[]types.Message{}
	reg.Register(recipient, MailboxFunc(func(m types.Message) error {
		*received = append(*received, m)
		return nil
	}))
	return received
}

// S1. Strict priority ordering.
func TestStrictPriorityOrdering(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	r, _, reg := newTestRouter(t, fc)
	received := deliverAll(reg, "recipient-1")

	order := []struct {
		sender   types.AgentId
		priority types.Priority
		tag      string
	}{
		{"primary-1", types.Info, "a"},
		{"primary-1", types.Coordinate, "b"},
		{"primary-1", types.Blocking, "c"},
		{"primary-1", types.Critical, "d"},
		{"director-1", types.DirectorOverride, "e"},
	}
	for _, m := range order {
		msg := types.NewMessage(m.sender, "recipient-1", types.Status, m.priority, []byte(m.tag), fc.Now())
		res := r.Enqueue(msg)
		require.Equal(t, Accepted, res.Kind)
	}

	for i := 0; i < 5; i++ {
		_, ok := r.DispatchOnce()
		require.True(t, ok)
	}

	got := make([]string, len(*received))
	for i, m := range *received {
		got[i] = string(m.Payload)
	}
	assert.Equal(t, []string{"e", "d", "c", "b", "a"}, got)
}

// S2. Aging promotion.
func TestAgingPromotion(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	dir := newFakeDirectory()
	reg := NewRegistry()
	received := deliverAll(reg, "recipient-1")

	capacity := map[types.Priority]float64{types.Info: 1000, types.Coordinate: 1000, types.Blocking: 1000, types.Critical: 1000, types.DirectorOverride: 1000}
	refill := capacity
	admTable := admission.NewTable(admission.Config{CapacityByPriority: capacity, RefillByPriority: refill, Cost: admission.DefaultCost()}, fc, nil)
	agingTracker := aging.New(aging.Config{BoostThreshold: time.Second})

	r := New(Config{}, fc, dir, admTable, agingTracker, nil, idleFunc(alwaysIdle), nil, reg, nil)

	x := types.NewMessage("primary-1", "recipient-1", types.Status, types.Info, []byte("x"), fc.Now())
	require.Equal(t, Accepted, r.Enqueue(x).Kind)

	fc.Advance(time.Second + time.Millisecond)
	y := types.NewMessage("primary-1", "recipient-1", types.Status, types.Coordinate, []byte("y"), fc.Now())
	require.Equal(t, Accepted, r.Enqueue(y).Kind)

	_, ok := r.DispatchOnce()
	require.True(t, ok)
	_, ok = r.DispatchOnce()
	require.True(t, ok)

	got := []string{string((*received)[0].Payload), string((*received)[1].Payload)}
	assert.Equal(t, []string{"x", "y"}, got)
}

// S3. Token bucket rate limit.
func TestTokenBucketRateLimit(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	dir := newFakeDirectory()
	reg := NewRegistry()
	deliverAll(reg, "recipient-1")

	capacity := map[types.Priority]float64{types.Critical: 5}
	refill := map[types.Priority]float64{types.Critical: 0}
	admTable := admission.NewTable(admission.Config{
		CapacityByPriority: capacity, RefillByPriority: refill, Cost: admission.PriorityCosts{types.Critical: 1},
	}, fc, nil)
	agingTracker := aging.New(aging.Config{})
	r := New(Config{}, fc, dir, admTable, agingTracker, nil, idleFunc(alwaysIdle), nil, reg, nil)

	accepted, limited := 0, 0
	for i := 0; i < 10; i++ {
		msg := types.NewMessage("primary-1", "recipient-1", types.Status, types.Critical, nil, fc.Now())
		res := r.Enqueue(msg)
		switch res.Kind {
		case Accepted:
			accepted++
		case RateLimited:
			limited++
		}
	}

	assert.Equal(t, 5, accepted)
	assert.Equal(t, 5, limited)
}

func TestDirectorOverrideRejectedFromNonDirector(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	r, _, _ := newTestRouter(t, fc)
	msg := types.NewMessage("clone-1", "recipient-1", types.Status, types.DirectorOverride, nil, fc.Now())
	res := r.Enqueue(msg)
	assert.Equal(t, Rejected, res.Kind)
}

func TestCloneCeilingClampsToCoordinate(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	r, _, reg := newTestRouter(t, fc)
	received := deliverAll(reg, "recipient-1")
	sub := r.Subscribe()

	msg := types.NewMessage("clone-1", "recipient-1", types.Status, types.Critical, []byte("x"), fc.Now())
	require.Equal(t, Accepted, r.Enqueue(msg).Kind)
	enqueued := <-sub.C()
	require.Equal(t, types.Enqueued, enqueued.Kind)

	_, ok := r.DispatchOnce()
	require.True(t, ok)
	require.Len(t, *received, 1)
	// The Message itself is immutable; the clamp shows in the effective
	// priority the router queued it at.
	assert.LessOrEqual(t, enqueued.Priority, types.Coordinate)
}

func TestDispatchOnceReturnsFalseWhenEmpty(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	r, _, _ := newTestRouter(t, fc)
	_, ok := r.DispatchOnce()
	assert.False(t, ok)
}

func TestUnknownRecipientEmitsUndeliverable(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	r, _, _ := newTestRouter(t, fc)
	sub := r.Subscribe()

	msg := types.NewMessage("primary-1", "ghost", types.Status, types.Info, nil, fc.Now())
	require.Equal(t, Accepted, r.Enqueue(msg).Kind)

	_, ok := r.DispatchOnce()
	assert.False(t, ok)

	var sawEnqueued, sawUndeliverable bool
	for i := 0; i < 2; i++ {
		ev := <-sub.C()
		if ev.Kind == types.Enqueued {
			sawEnqueued = true
		}
		if ev.Kind == types.UndeliverableMessage {
			sawUndeliverable = true
		}
	}
	assert.True(t, sawEnqueued)
	assert.True(t, sawUndeliverable)
}

func TestShutdownWithoutDrainDiscardsQueuedMessages(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	r, _, reg := newTestRouter(t, fc)
	deliverAll(reg, "recipient-1")

	msg := types.NewMessage("primary-1", "recipient-1", types.Status, types.Info, nil, fc.Now())
	require.Equal(t, Accepted, r.Enqueue(msg).Kind)

	dropped := r.Shutdown(false)
	assert.Equal(t, 1, dropped)

	rejected := r.Enqueue(types.NewMessage("primary-1", "recipient-1", types.Status, types.Info, nil, fc.Now()))
	assert.Equal(t, Rejected, rejected.Kind)
}

func TestShutdownWithDrainStillDispatchesQueuedMessages(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	r, _, reg := newTestRouter(t, fc)
	received := deliverAll(reg, "recipient-1")

	msg := types.NewMessage("primary-1", "recipient-1", types.Status, types.Info, []byte("x"), fc.Now())
	require.Equal(t, Accepted, r.Enqueue(msg).Kind)

	dropped := r.Shutdown(true)
	assert.Equal(t, 0, dropped)

	_, ok := r.DispatchOnce()
	require.True(t, ok, "DispatchOnce must keep draining after Shutdown(true); only Enqueue is gated")
	assert.Len(t, *received, 1)

	rejected := r.Enqueue(types.NewMessage("primary-1", "recipient-1", types.Status, types.Info, nil, fc.Now()))
	assert.Equal(t, Rejected, rejected.Kind)
}

func TestBroadcastRecipientFansOutToAllMailboxesExceptSender(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	r, _, reg := newTestRouter(t, fc)
	receivedA := deliverAll(reg, "primary-1")
	receivedB := deliverAll(reg, "clone-1")

	msg := types.NewMessage("primary-1", types.Broadcast, types.Status, types.Info, []byte("hello"), fc.Now())
	require.Equal(t, Accepted, r.Enqueue(msg).Kind)

	_, ok := r.DispatchOnce()
	require.True(t, ok)

	assert.Empty(t, *receivedA, "broadcast sender should not receive its own message")
	require.Len(t, *receivedB, 1)
	assert.Equal(t, []byte("hello"), (*receivedB)[0].Payload)
}

func TestBroadcastWithNoOtherRecipientsIsUndeliverable(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	r, _, _ := newTestRouter(t, fc)

	msg := types.NewMessage("primary-1", types.Broadcast, types.Status, types.Info, nil, fc.Now())
	require.Equal(t, Accepted, r.Enqueue(msg).Kind)

	_, ok := r.DispatchOnce()
	assert.False(t, ok)
}

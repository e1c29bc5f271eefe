package queue

import (
	"testing"
	"time"

	"github.com/liminal-dev/liminal/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func qm(p types.Priority) *types.QueuedMessage {
	return &types.QueuedMessage{EffectivePriority: p}
}

func TestPushAndFIFOOrderWithinLane(t *testing.T) {
	q := New()
	a, b, c := qm(types.Info), qm(types.Info), qm(types.Info)
	q.Push(a)
	q.Push(b)
	q.Push(c)

	require.Equal(t, 3, q.Len(types.Info))
	first, ok := q.PeekAt(types.Info, 0)
	require.True(t, ok)
	assert.Same(t, a, first)
	second, ok := q.PeekAt(types.Info, 1)
	require.True(t, ok)
	assert.Same(t, b, second)
}

func TestRemoveAtPreservesRemainingOrder(t *testing.T) {
	q := New()
	a, b, c := qm(types.Coordinate), qm(types.Coordinate), qm(types.Coordinate)
	q.Push(a)
	q.Push(b)
	q.Push(c)

	removed, ok := q.RemoveAt(types.Coordinate, 1)
	require.True(t, ok)
	assert.Same(t, b, removed)
	assert.Equal(t, 2, q.Len(types.Coordinate))

	first, _ := q.PeekAt(types.Coordinate, 0)
	second, _ := q.PeekAt(types.Coordinate, 1)
	assert.Same(t, a, first)
	assert.Same(t, c, second)
}

func TestLanesAreIndependent(t *testing.T) {
	q := New()
	q.Push(qm(types.Info))
	q.Push(qm(types.Critical))

	assert.Equal(t, 1, q.Len(types.Info))
	assert.Equal(t, 1, q.Len(types.Critical))
	assert.Equal(t, 0, q.Len(types.Blocking))
}

func TestDepthsOrderedHighestFirst(t *testing.T) {
	q := New()
	q.Push(qm(types.Info))
	q.Push(qm(types.DirectorOverride))

	depths := q.Depths()
	assert.Equal(t, types.DirectorOverride, depths[0].Priority)
	assert.Equal(t, types.Info, depths[len(depths)-1].Priority)
}

func TestDrainAllEmptiesEveryLane(t *testing.T) {
	q := New()
	q.Push(qm(types.Info))
	q.Push(qm(types.Blocking))

	drained := q.DrainAll()
	assert.Len(t, drained, 2)
	assert.Equal(t, 0, q.Len(types.Info))
	assert.Equal(t, 0, q.Len(types.Blocking))
}

func TestPushPromotedInsertsByEnqueuedAtNotArrivalOrder(t *testing.T) {
	q := New()
	older := &types.QueuedMessage{EffectivePriority: types.Coordinate, EnqueuedAt: time.Unix(0, 0)}
	newer := &types.QueuedMessage{EffectivePriority: types.Coordinate, EnqueuedAt: time.Unix(10, 0)}

	q.Push(newer)
	q.PushPromoted(older)

	first, _ := q.PeekAt(types.Coordinate, 0)
	second, _ := q.PeekAt(types.Coordinate, 1)
	assert.Same(t, older, first)
	assert.Same(t, newer, second)
}

func TestCompactionDoesNotCorruptOrderAfterManyPops(t *testing.T) {
	q := New()
	for i := 0; i < 20; i++ {
		q.Push(qm(types.Info))
	}
	for i := 0; i < 15; i++ {
		_, ok := q.RemoveAt(types.Info, 0)
		require.True(t, ok)
	}
	assert.Equal(t, 5, q.Len(types.Info))
}

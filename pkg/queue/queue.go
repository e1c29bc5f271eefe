// Package queue implements the five priority FIFO queues the Router
// Dispatcher reads and writes (spec §2 item 5, §4.1). The router is
// their sole writer; this package only provides the storage and scan
// primitives dispatch needs.
package queue

import (
	"sync"

	"github.com/liminal-dev/liminal/pkg/types"
)

const numPriorities = int(types.DirectorOverride) + 1

// fifo is a slice-backed FIFO lane. removeAt closes the gap by shifting
// the later entries down, so head (the offset every accessor counts
// from) stays at zero; compact releases the slice once the lane is empty.
type fifo struct {
	items []*types.QueuedMessage
	head  int
}

func (f *fifo) len() int { return len(f.items) - f.head }

func (f *fifo) pushBack(qm *types.QueuedMessage) {
	f.items = append(f.items, qm)
}

// insertSorted inserts qm keeping the lane ordered by EnqueuedAt
// ascending. Plain enqueues always land at the back (pushBack covers
// that fast path); this is for aging promotions, where an entry
// arriving in a new lane may be older than everything already in it
// and must still be dispatched first to preserve FIFO-by-enqueued_at
// tie-breaking across a priority change.
func (f *fifo) insertSorted(qm *types.QueuedMessage) {
	idx := len(f.items)
	for idx > f.head && f.items[idx-1].EnqueuedAt.After(qm.EnqueuedAt) {
		idx--
	}
	f.items = append(f.items, nil)
	copy(f.items[idx+1:], f.items[idx:])
	f.items[idx] = qm
}

func (f *fifo) at(i int) (*types.QueuedMessage, bool) {
	idx := f.head + i
	if idx < 0 || idx >= len(f.items) {
		return nil, false
	}
	return f.items[idx], true
}

// removeAt removes the i-th logical entry (0 = head), preserving
// relative order of the rest.
func (f *fifo) removeAt(i int) (*types.QueuedMessage, bool) {
	idx := f.head + i
	if idx < 0 || idx >= len(f.items) {
		return nil, false
	}
	qm := f.items[idx]
	copy(f.items[idx:], f.items[idx+1:])
	f.items[len(f.items)-1] = nil
	f.items = f.items[:len(f.items)-1]
	f.compact()
	return qm, true
}

func (f *fifo) compact() {
	if f.head > 0 && f.head*2 > len(f.items) {
		f.items = append([]*types.QueuedMessage(nil), f.items[f.head:]...)
		f.head = 0
	}
	if len(f.items) == 0 {
		f.items = nil
		f.head = 0
	}
}

// Queues holds one FIFO per Priority level.
type Queues struct {
	mu    sync.Mutex
	lanes [numPriorities]fifo
}

// New constructs an empty Queues.
func New() *Queues {
	return &Queues{}
}

// Push appends qm to the FIFO for its current EffectivePriority.
func (q *Queues) Push(qm *types.QueuedMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lanes[qm.EffectivePriority].pushBack(qm)
}

// PushPromoted re-inserts qm (whose EffectivePriority has just
// changed) into its new lane at the position EnqueuedAt dictates,
// rather than at the back, so an older entry promoted into a lane
// with newer entries is still dispatched first.
func (q *Queues) PushPromoted(qm *types.QueuedMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lanes[qm.EffectivePriority].insertSorted(qm)
}

// Len returns the number of entries at priority p.
func (q *Queues) Len(p types.Priority) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lanes[p].len()
}

// Depths returns a snapshot of every lane's length, highest priority
// first, for MetricsSnapshot assembly.
func (q *Queues) Depths() []types.QueueDepthSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.QueueDepthSnapshot, 0, numPriorities)
	for p := numPriorities - 1; p >= 0; p-- {
		out = append(out, types.QueueDepthSnapshot{Priority: types.Priority(p), Depth: q.lanes[p].len()})
	}
	return out
}

// PeekAt returns the i-th entry (0 = head, FIFO order) at priority p
// without removing it, for dispatch's skip-at-most-one scan.
func (q *Queues) PeekAt(p types.Priority, i int) (*types.QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lanes[p].at(i)
}

// RemoveAt removes the i-th entry at priority p, used once dispatch
// decides to deliver (or permanently drop) that specific entry.
func (q *Queues) RemoveAt(p types.Priority, i int) (*types.QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lanes[p].removeAt(i)
}

// Each invokes fn for every entry across every lane, highest priority
// first then FIFO order within a lane. fn must not mutate the queue.
func (q *Queues) Each(fn func(p types.Priority, qm *types.QueuedMessage)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := numPriorities - 1; p >= 0; p-- {
		lane := &q.lanes[p]
		for i := lane.head; i < len(lane.items); i++ {
			fn(types.Priority(p), lane.items[i])
		}
	}
}

// DrainAll removes and returns every queued entry, emptying all lanes.
// Used by shutdown(drain=false).
func (q *Queues) DrainAll() []*types.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*types.QueuedMessage
	for p := numPriorities - 1; p >= 0; p-- {
		lane := &q.lanes[p]
		for i := lane.head; i < len(lane.items); i++ {
			out = append(out, lane.items[i])
		}
		q.lanes[p] = fifo{}
	}
	return out
}

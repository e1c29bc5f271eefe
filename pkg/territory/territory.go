// Package territory implements the Territory Manager (spec §4.4): it
// grants, releases, negotiates, and expires soft leases on resources,
// applies priority inheritance, and runs deadlock detection and the
// periodic expiry sweep.
package territory

import (
	"sort"
	"sync"
	"time"

	"github.com/liminal-dev/liminal/pkg/bus"
	"github.com/liminal-dev/liminal/pkg/clock"
	"github.com/liminal-dev/liminal/pkg/metrics"
	"github.com/liminal-dev/liminal/pkg/spatial"
	"github.com/liminal-dev/liminal/pkg/types"
)

// Config mirrors the `territory.*` CoreConfig keys (spec §6).
type Config struct {
	DefaultLeaseDuration     time.Duration
	DeferThreshold           time.Duration
	QueueEscalationThreshold int
	MaxDefer                 time.Duration
	HeartbeatTimeout         time.Duration
	SweepInterval            time.Duration
}

// MessageSink is the capability handle the Territory Manager uses to
// deliver lease_revoked and escalation notices without importing the
// router (spec §9: subsystems refer to peers only through capability
// handles).
type MessageSink interface {
	Submit(msg types.Message) error
}

// DecisionKind enumerates the outcomes of acquire/request_transfer
// (spec §4.4).
type DecisionKind int

const (
	KindGranted DecisionKind = iota
	KindDeferred
	KindDenied
	KindEscalated
	KindOverridden
	KindQueued
)

// Decision is the result of an acquire or request_transfer call.
type Decision struct {
	Kind          DecisionKind
	LeaseID       types.LeaseId
	RetryAfter    time.Duration
	Reason        string
	RevokedHolder types.AgentId
}

// Manager owns the lease table and is its single writer; readers only
// ever see Snapshot's immutable copies (spec §5/§9).
type Manager struct {
	cfg     Config
	clock   clock.Clock
	sink    MessageSink
	metrics *metrics.Sink
	bus     *bus.Bus[types.TerritoryEvent]
	index   *spatial.Index

	rw     sync.RWMutex
	nextID uint64
	leases map[types.LeaseId]*types.Lease

	// director is consulted for queue-escalation deliveries. Empty
	// means escalation messages are dropped with a log-worthy event
	// only (no Director subscriber configured).
	director types.AgentId
}

// NewManager constructs a Manager. director, if non-empty, receives
// queue_escalation_threshold escalation messages. sink receives the
// lease-revoked and escalation notices. metricsSink is where lease
// deferral/override/escalation counts and decision latency are
// recorded so SnapshotMetrics (spec §3) reflects them.
func NewManager(cfg Config, clk clock.Clock, sink MessageSink, director types.AgentId, metricsSink *metrics.Sink) *Manager {
	return &Manager{
		cfg:      cfg,
		clock:    clk,
		sink:     sink,
		metrics:  metricsSink,
		bus:      bus.New[types.TerritoryEvent](128, 100, func() { metrics.SubscribersDropped.WithLabelValues("territory").Inc() }),
		index:    spatial.New(),
		leases:   make(map[types.LeaseId]*types.Lease),
		director: director,
	}
}

// Subscribe returns a stream of TerritoryEvent.
func (m *Manager) Subscribe() *bus.Subscription[types.TerritoryEvent] {
	return m.bus.Subscribe()
}

func (m *Manager) emit(ev types.TerritoryEvent) {
	ev.At = m.clock.Now()
	m.bus.Publish(ev)
}

func (m *Manager) allocID() types.LeaseId {
	m.nextID++
	return types.LeaseId(m.nextID)
}

// Acquire implements `acquire(requester, resource, duration, priority)`
// from spec §4.4.
func (m *Manager) Acquire(requester types.AgentId, resource types.ResourceKey, duration time.Duration, priority types.Priority) Decision {
	m.rw.Lock()
	defer m.rw.Unlock()

	if duration <= 0 {
		duration = m.cfg.DefaultLeaseDuration
	}

	conflicts := m.index.Overlapping(resource)
	if len(conflicts) == 0 {
		start := metrics.NewTimer()
		id := m.grantLocked(requester, resource, duration, priority)
		if m.metrics != nil {
			m.metrics.ObserveLeaseLatency(start.Duration())
		}
		return Decision{Kind: KindGranted, LeaseID: id}
	}

	holder := m.leases[conflicts[0].LeaseId]
	return m.negotiateLocked(holder, requester, priority, "")
}

// RequestTransfer implements `request_transfer(requester, lease_id,
// priority, reason)`.
func (m *Manager) RequestTransfer(requester types.AgentId, leaseID types.LeaseId, priority types.Priority, reason string) Decision {
	m.rw.Lock()
	defer m.rw.Unlock()

	holder, ok := m.leases[leaseID]
	if !ok || holder.State.Terminal() {
		return Decision{Kind: KindDenied, Reason: "lease not found"}
	}
	return m.negotiateLocked(holder, requester, priority, reason)
}

// negotiateLocked applies the decision matrix from spec §4.4. Caller
// holds the write lock.
func (m *Manager) negotiateLocked(holder *types.Lease, requester types.AgentId, priority types.Priority, reason string) Decision {
	now := m.clock.Now()
	holderPriority := holder.EffectiveHolderPriority()

	if int(priority)-int(holderPriority) >= 2 && holder.Progress < 0.8 {
		return m.overrideLocked(holder, requester, priority)
	}

	timeRemaining := holder.ExpiresAt.Sub(now)
	if holder.Progress >= 0.8 || timeRemaining < m.cfg.DeferThreshold {
		retryAfter := timeRemaining + 5*time.Second
		if m.cfg.MaxDefer > 0 && retryAfter > m.cfg.MaxDefer {
			retryAfter = m.cfg.MaxDefer
		}
		if m.metrics != nil {
			m.metrics.IncDeferrals()
		}
		return Decision{Kind: KindDeferred, RetryAfter: retryAfter}
	}

	if m.cfg.QueueEscalationThreshold > 0 && len(holder.Queue) >= m.cfg.QueueEscalationThreshold {
		if m.metrics != nil {
			m.metrics.IncEscalations()
		}
		m.emit(types.TerritoryEvent{Kind: types.TerritoryEscalated, LeaseID: holder.ID, Resource: holder.Resource, Holder: holder.Holder, Reason: "queue_escalation"})
		if m.director != "" && m.sink != nil {
			msg := types.NewMessage(requester, m.director, types.LeaseOp, types.Blocking, []byte(string(holder.Resource)), now)
			m.sink.Submit(msg)
		}
		return Decision{Kind: KindEscalated, Reason: "queue_escalation"}
	}

	m.enqueueWaiterLocked(holder, requester, priority, reason, now)
	m.maybeResolveDeadlockLocked()
	return Decision{Kind: KindQueued}
}

func (m *Manager) enqueueWaiterLocked(holder *types.Lease, requester types.AgentId, priority types.Priority, reason string, now time.Time) {
	holder.Queue = append(holder.Queue, types.LeaseRequest{
		Requester:         requester,
		RequesterPriority: priority,
		Reason:            reason,
		RequestedAt:       now,
	})
	sort.SliceStable(holder.Queue, func(i, j int) bool {
		return holder.Queue[i].RequesterPriority > holder.Queue[j].RequesterPriority
	})

	effective := holder.EffectiveHolderPriority()
	if priority > effective {
		p := priority
		holder.InheritedPriority = &p
	}
}

func (m *Manager) overrideLocked(holder *types.Lease, requester types.AgentId, priority types.Priority) Decision {
	m.releaseLeaseLocked(holder, "overridden")
	id := m.grantLocked(requester, holder.Resource, m.cfg.DefaultLeaseDuration, priority)
	if m.metrics != nil {
		m.metrics.IncOverrides()
	}

	if m.sink != nil {
		msg := types.NewMessage(requester, holder.Holder, types.LeaseOp, types.Blocking, []byte("lease_revoked:"+string(holder.Resource)), m.clock.Now())
		m.sink.Submit(msg)
	}

	return Decision{Kind: KindOverridden, LeaseID: id, RevokedHolder: holder.Holder}
}

// grantLocked creates and indexes a new lease. Caller holds the write
// lock.
func (m *Manager) grantLocked(holder types.AgentId, resource types.ResourceKey, duration time.Duration, priority types.Priority) types.LeaseId {
	now := m.clock.Now()
	id := m.allocID()
	lease := &types.Lease{
		ID:             id,
		Resource:       resource,
		Holder:         holder,
		HolderPriority: priority,
		GrantedAt:      now,
		ExpiresAt:      now.Add(duration),
		LastHeartbeat:  now,
		State:          types.Granted,
	}
	m.leases[id] = lease
	m.index.Insert(resource, id)

	metrics.LeasesActive.Inc()
	m.emit(types.TerritoryEvent{Kind: types.TerritoryGranted, LeaseID: id, Resource: resource, Holder: holder})
	return id
}

// Release implements `release(lease_id, by)`.
func (m *Manager) Release(leaseID types.LeaseId, by types.AgentId) error {
	m.rw.Lock()
	defer m.rw.Unlock()

	lease, ok := m.leases[leaseID]
	if !ok || lease.State.Terminal() {
		return types.ErrLeaseNotFound
	}
	if lease.Holder != by {
		return types.ErrInvalidHolder
	}
	m.releaseLeaseLocked(lease, "released")
	m.regrantQueueLocked(lease)
	return nil
}

// releaseLeaseLocked transitions lease to Released, removes it from
// the index, and emits Released. Caller holds the write lock. It does
// not process lease.Queue; callers that want waiters re-granted call
// regrantQueueLocked afterward.
func (m *Manager) releaseLeaseLocked(lease *types.Lease, reason string) {
	lease.State = types.Released
	m.index.Remove(lease.Resource)
	metrics.LeasesActive.Dec()
	m.emit(types.TerritoryEvent{Kind: types.TerritoryReleased, LeaseID: lease.ID, Resource: lease.Resource, Holder: lease.Holder, Reason: reason})
}

// regrantQueueLocked grants the resource to the highest-priority
// waiter left on lease's queue, if any, carrying the remainder of the
// queue onto the new lease. Caller holds the write lock.
func (m *Manager) regrantQueueLocked(lease *types.Lease) {
	if len(lease.Queue) == 0 {
		return
	}
	next := lease.Queue[0]
	rest := lease.Queue[1:]

	id := m.grantLocked(next.Requester, lease.Resource, m.cfg.DefaultLeaseDuration, next.RequesterPriority)
	m.leases[id].Queue = append(m.leases[id].Queue, rest...)
}

// Heartbeat implements `heartbeat(lease_id, progress)`.
func (m *Manager) Heartbeat(leaseID types.LeaseId, progress float32) error {
	m.rw.Lock()
	defer m.rw.Unlock()

	lease, ok := m.leases[leaseID]
	if !ok || lease.State.Terminal() {
		return types.ErrLeaseNotFound
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	lease.Progress = progress
	lease.LastHeartbeat = m.clock.Now()
	if lease.State == types.Granted {
		lease.State = types.InUse
	}
	return nil
}

// HolderPriority returns the effective (possibly inherited) priority
// of resource's current holder, for the Router's admission path (spec
// §4.4 priority inheritance).
func (m *Manager) HolderPriority(resource types.ResourceKey) (types.Priority, bool) {
	m.rw.RLock()
	defer m.rw.RUnlock()

	for _, hit := range m.index.Overlapping(resource) {
		if lease, ok := m.leases[hit.LeaseId]; ok {
			return lease.EffectiveHolderPriority(), true
		}
	}
	return 0, false
}

// InheritedPriorityFor returns the highest inherited priority boost
// currently active on any lease sender holds, for the Router's
// enqueue path (spec §4.4: "the Router observes inherited priority
// via a holder-priority query and boosts the holder's subsequent
// message priorities accordingly until the lease releases").
func (m *Manager) InheritedPriorityFor(sender types.AgentId) (types.Priority, bool) {
	m.rw.RLock()
	defer m.rw.RUnlock()

	best := types.Priority(0)
	found := false
	for _, lease := range m.leases {
		if lease.State.Terminal() || lease.Holder != sender || lease.InheritedPriority == nil {
			continue
		}
		if !found || *lease.InheritedPriority > best {
			best = *lease.InheritedPriority
			found = true
		}
	}
	return best, found
}

// ReleaseAllHeldBy force-releases every non-terminal lease held by
// agent, re-granting each to its queued waiters. Wired to the PTY
// Event Bridge's stream_ended hook (spec §4.6 Failure modes: a
// subprocess that exits abruptly must not leave its leases stranded).
func (m *Manager) ReleaseAllHeldBy(agent types.AgentId) int {
	m.rw.Lock()
	defer m.rw.Unlock()

	var held []*types.Lease
	for _, lease := range m.leases {
		if !lease.State.Terminal() && lease.Holder == agent {
			held = append(held, lease)
		}
	}
	for _, lease := range held {
		m.releaseLeaseLocked(lease, "holder_stream_ended")
		m.regrantQueueLocked(lease)
	}
	return len(held)
}

// Snapshot returns an immutable view of every non-terminal lease and
// per-resource pending-queue depth, for MetricsSnapshot assembly.
func (m *Manager) Snapshot() (leases []types.Lease, pendingByResource map[types.ResourceKey]int) {
	m.rw.RLock()
	defer m.rw.RUnlock()

	pendingByResource = make(map[types.ResourceKey]int)
	for _, l := range m.leases {
		if l.State.Terminal() {
			continue
		}
		leases = append(leases, *l)
		if len(l.Queue) > 0 {
			pendingByResource[l.Resource] = len(l.Queue)
		}
	}
	return leases, pendingByResource
}

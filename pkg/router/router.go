// Package router implements the Router Dispatcher (spec §4.1): the
// sole writer of the priority queues, sequencing admission, aging
// promotion, pause-point gating, and delivery.
package router

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/liminal-dev/liminal/pkg/admission"
	"github.com/liminal-dev/liminal/pkg/aging"
	"github.com/liminal-dev/liminal/pkg/bus"
	"github.com/liminal-dev/liminal/pkg/clock"
	"github.com/liminal-dev/liminal/pkg/metrics"
	"github.com/liminal-dev/liminal/pkg/queue"
	"github.com/liminal-dev/liminal/pkg/types"
)

// Config mirrors the `router.fairness.*` and `router.limits.*`
// CoreConfig keys (spec §6).
type Config struct {
	LowTierQuotaEveryN int
	QueueHardMax       int
	PauseWaitBudget    time.Duration
}

// PauseHintSource is the read-only capability the pause-point gate
// queries (spec §4.6).
type PauseHintSource interface {
	PauseHint(agent types.AgentId) (types.PausePointKind, bool)
}

// IdleChecker reports whether an agent is currently idle (and so can
// receive a message regardless of pause-hint state).
type IdleChecker interface {
	IsIdle(agent types.AgentId) bool
}

// LeaseBoostSource supplies the inherited-priority boost a lease
// holder should receive on their own subsequent messages (spec §4.4).
type LeaseBoostSource interface {
	InheritedPriorityFor(sender types.AgentId) (types.Priority, bool)
}

// MetricsObserver receives routing latency samples.
type MetricsObserver interface {
	ObserveRoutingLatency(d time.Duration)
}

// Result is the synchronous outcome of Enqueue.
type ResultKind int

const (
	Accepted ResultKind = iota
	RateLimited
	Rejected
)

type Result struct {
	Kind       ResultKind
	MessageID  uuid.UUID
	RetryAfter time.Duration
	Reason     string
}

// DispatchOutcome is returned by DispatchOnce on a successful delivery.
type DispatchOutcome struct {
	Message   types.Message
	Recipient types.AgentId
}

// Router is the sole writer of the priority queues.
type Router struct {
	cfg   Config
	clock clock.Clock

	directory types.AgentDirectory
	admission *admission.Table
	aging     *aging.Tracker
	queues    *queue.Queues
	pause     PauseHintSource
	idle      IdleChecker
	leaseBoost LeaseBoostSource
	mailboxes *Registry
	observer  MetricsObserver

	bus *bus.Bus[types.RouterEvent]

	mu                sync.Mutex
	consecutiveHighTier int
	shuttingDown        bool

	// wake is signaled (non-blocking, capacity 1) on every successful
	// Enqueue so the Core Facade's dispatch loop can block on it
	// instead of polling, per spec §4.1's continuously-fed dispatcher.
	wake chan struct{}
}

// New constructs a Router. idle and leaseBoost may be nil; observer
// may be nil (no latency recorded).
func New(
	cfg Config,
	clk clock.Clock,
	directory types.AgentDirectory,
	admissionTable *admission.Table,
	agingTracker *aging.Tracker,
	pause PauseHintSource,
	idle IdleChecker,
	leaseBoost LeaseBoostSource,
	mailboxes *Registry,
	observer MetricsObserver,
) *Router {
	return &Router{
		cfg:        cfg,
		clock:      clk,
		directory:  directory,
		admission:  admissionTable,
		aging:      agingTracker,
		queues:     queue.New(),
		pause:      pause,
		idle:       idle,
		leaseBoost: leaseBoost,
		mailboxes:  mailboxes,
		observer:   observer,
		bus:        bus.New[types.RouterEvent](256, 200, func() { metrics.SubscribersDropped.WithLabelValues("router").Inc() }),
		wake:       make(chan struct{}, 1),
	}
}

// Wake signals once per batch of newly enqueued messages. The Core
// Facade's dispatch loop selects on it instead of busy-polling.
func (r *Router) Wake() <-chan struct{} {
	return r.wake
}

func (r *Router) signalWake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Subscribe returns a stream of RouterEvent.
func (r *Router) Subscribe() *bus.Subscription[types.RouterEvent] {
	return r.bus.Subscribe()
}

func (r *Router) emit(ev types.RouterEvent) {
	ev.At = r.clock.Now()
	r.bus.Publish(ev)
}

// Depths exposes the current queue-depth snapshot for MetricsSnapshot
// assembly and for the health monitor.
func (r *Router) Depths() []types.QueueDepthSnapshot {
	return r.queues.Depths()
}

// Enqueue implements `enqueue(message)` (spec §4.1).
func (r *Router) Enqueue(msg types.Message) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shuttingDown {
		return Result{Kind: Rejected, Reason: "router is shutting down"}
	}

	role, ok := r.directory.RoleOf(msg.Sender)
	if !ok {
		return Result{Kind: Rejected, Reason: "unknown sender"}
	}

	if msg.Priority == types.DirectorOverride && role != types.Director {
		return Result{Kind: Rejected, Reason: "unauthorized priority"}
	}

	effective := msg.Priority
	if ceiling := role.MaxPriority(); effective > ceiling {
		effective = ceiling
	}

	if r.leaseBoost != nil {
		if boost, ok := r.leaseBoost.InheritedPriorityFor(msg.Sender); ok && boost > effective {
			effective = boost
			if ceiling := role.MaxPriority(); effective > ceiling {
				effective = ceiling
			}
		}
	}

	if r.admission != nil {
		decision := r.admission.Admit(msg.Sender, effective)
		if !decision.Admitted {
			metrics.RateLimitHits.WithLabelValues(string(msg.Sender)).Inc()
			r.emit(types.RouterEvent{Kind: types.RateLimited, MessageID: msg.ID, Sender: msg.Sender, Recipient: msg.Recipient, Priority: effective, RetryAfter: decision.RetryAfter})
			return Result{Kind: RateLimited, MessageID: msg.ID, RetryAfter: decision.RetryAfter}
		}
		effective = decision.EffectivePriority
	}

	if r.cfg.QueueHardMax > 0 {
		total := 0
		for _, d := range r.queues.Depths() {
			total += d.Depth
		}
		if total >= r.cfg.QueueHardMax {
			return Result{Kind: Rejected, Reason: "queue_hard_max exceeded"}
		}
	}

	now := r.clock.Now()
	qm := &types.QueuedMessage{
		Message:           msg,
		EffectivePriority: effective,
		EnqueuedAt:        now,
		LastAttemptAt:     now,
	}
	r.queues.Push(qm)
	metrics.MessagesEnqueued.WithLabelValues(effective.String()).Inc()
	metrics.QueueDepth.WithLabelValues(effective.String()).Inc()
	r.emit(types.RouterEvent{Kind: types.Enqueued, MessageID: msg.ID, Sender: msg.Sender, Recipient: msg.Recipient, Priority: effective})
	r.signalWake()

	return Result{Kind: Accepted, MessageID: msg.ID}
}

// DispatchOnce implements `dispatch_once()` (spec §4.1). It returns
// (nil, false) when all queues are empty or gated, and also when the
// selected message is undeliverable (it is removed from its queue and
// an Undeliverable event is emitted).
func (r *Router) DispatchOnce() (*DispatchOutcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	r.applyAgingLocked(now)

	for _, p := range r.selectionOrderLocked() {
		n := r.queues.Len(p)
		if n == 0 {
			continue
		}
		tries := 0
		for i := 0; i < n && tries < 2; i++ {
			qm, ok := r.queues.PeekAt(p, i)
			if !ok {
				break
			}
			allowed, budgetExceeded := r.gateLocked(qm, now)
			if !allowed {
				tries++
				continue
			}
			r.queues.RemoveAt(p, i)
			if budgetExceeded {
				r.emit(types.RouterEvent{Kind: types.RouterEscalated, MessageID: qm.Message.ID, Sender: qm.Message.Sender, Recipient: qm.Message.Recipient, Priority: qm.EffectivePriority, Reason: "pause_budget_exceeded"})
			}
			out := r.deliverLocked(qm, p, now)
			return out, out != nil
		}
	}
	return nil, false
}

// applyAgingLocked runs the Aging Tracker over every lane (spec §4.1
// step 1), moving any entry whose effective priority changed into its
// new lane.
func (r *Router) applyAgingLocked(now time.Time) {
	for p := types.Info; p < types.DirectorOverride; p++ {
		n := r.queues.Len(p)
		for i := 0; i < n; {
			qm, ok := r.queues.PeekAt(p, i)
			if !ok {
				break
			}
			outcome := r.aging.Apply(qm, now)
			if !outcome.Promoted {
				i++
				continue
			}

			r.queues.RemoveAt(p, i)
			n--
			metrics.AgingPromotions.Inc()
			if outcome.Starved {
				metrics.StarvationEscalations.Inc()
				r.emit(types.RouterEvent{Kind: types.RouterEscalated, MessageID: qm.Message.ID, Sender: qm.Message.Sender, Recipient: qm.Message.Recipient, Priority: qm.EffectivePriority, Reason: "starved"})
			}
			r.queues.PushPromoted(qm)
		}
	}
}

// selectionOrderLocked returns the priority scan order for this pass,
// applying the weighted fairness override from spec §4.1 step 3.
func (r *Router) selectionOrderLocked() []types.Priority {
	full := []types.Priority{types.DirectorOverride, types.Critical, types.Blocking, types.Coordinate, types.Info}

	if r.cfg.LowTierQuotaEveryN <= 0 || r.consecutiveHighTier < r.cfg.LowTierQuotaEveryN {
		return full
	}

	lowFirst := []types.Priority{types.Coordinate, types.Info}
	hasLowEntry := r.queues.Len(types.Coordinate) > 0 || r.queues.Len(types.Info) > 0
	if !hasLowEntry {
		return full
	}
	return append(lowFirst, types.DirectorOverride, types.Critical, types.Blocking)
}

// gateLocked implements the pause-point gate from spec §4.1 step 4.
// The second return value reports whether qm's pause_wait_budget has
// been exceeded, forcing delivery regardless of gate state.
func (r *Router) gateLocked(qm *types.QueuedMessage, now time.Time) (allowed bool, budgetExceeded bool) {
	if qm.EffectivePriority >= types.Critical {
		return true, false
	}

	recipient := qm.Message.Recipient
	if r.pause != nil {
		if _, atPause := r.pause.PauseHint(recipient); atPause {
			return true, false
		}
	}
	if r.idle != nil && r.idle.IsIdle(recipient) {
		return true, false
	}

	if qm.EffectivePriority == types.Blocking && r.cfg.PauseWaitBudget > 0 {
		if now.Sub(qm.EnqueuedAt) >= r.cfg.PauseWaitBudget {
			return true, true
		}
	}

	qm.LastAttemptAt = now
	return false, false
}

func (r *Router) deliverLocked(qm *types.QueuedMessage, p types.Priority, now time.Time) *DispatchOutcome {
	metrics.QueueDepth.WithLabelValues(p.String()).Dec()

	if r.observer != nil {
		r.observer.ObserveRoutingLatency(now.Sub(qm.EnqueuedAt))
	}

	recipient := qm.Message.Recipient
	if recipient == types.Broadcast {
		return r.deliverBroadcastLocked(qm, now)
	}

	mb, ok := r.mailboxes.Get(recipient)
	if !ok {
		metrics.MessagesUndeliverable.Inc()
		r.emit(types.RouterEvent{Kind: types.UndeliverableMessage, MessageID: qm.Message.ID, Sender: qm.Message.Sender, Recipient: recipient, Priority: qm.EffectivePriority, Reason: "unknown recipient"})
		return nil
	}
	if err := mb.Deliver(qm.Message); err != nil {
		metrics.MessagesUndeliverable.Inc()
		r.emit(types.RouterEvent{Kind: types.UndeliverableMessage, MessageID: qm.Message.ID, Sender: qm.Message.Sender, Recipient: recipient, Priority: qm.EffectivePriority, Reason: err.Error()})
		return nil
	}

	metrics.MessagesDispatched.WithLabelValues(qm.EffectivePriority.String()).Inc()
	r.emit(types.RouterEvent{Kind: types.Dispatched, MessageID: qm.Message.ID, Sender: qm.Message.Sender, Recipient: recipient, Priority: qm.EffectivePriority})

	if qm.EffectivePriority > types.Coordinate {
		r.consecutiveHighTier++
	} else {
		r.consecutiveHighTier = 0
	}

	return &DispatchOutcome{Message: qm.Message, Recipient: recipient}
}

// deliverBroadcastLocked fans a Broadcast message (spec §3: recipient
// may be `AgentId|Broadcast`) out to every currently registered
// mailbox except the sender's own. It counts as delivered if at least
// one other mailbox is registered.
func (r *Router) deliverBroadcastLocked(qm *types.QueuedMessage, now time.Time) *DispatchOutcome {
	targets := r.mailboxes.All()
	delete(targets, qm.Message.Sender)

	if len(targets) == 0 {
		metrics.MessagesUndeliverable.Inc()
		r.emit(types.RouterEvent{Kind: types.UndeliverableMessage, MessageID: qm.Message.ID, Sender: qm.Message.Sender, Recipient: types.Broadcast, Priority: qm.EffectivePriority, Reason: "no registered recipients"})
		return nil
	}

	for recipient, mb := range targets {
		if err := mb.Deliver(qm.Message); err != nil {
			metrics.MessagesUndeliverable.Inc()
			r.emit(types.RouterEvent{Kind: types.UndeliverableMessage, MessageID: qm.Message.ID, Sender: qm.Message.Sender, Recipient: recipient, Priority: qm.EffectivePriority, Reason: err.Error()})
		}
	}

	metrics.MessagesDispatched.WithLabelValues(qm.EffectivePriority.String()).Inc()
	r.emit(types.RouterEvent{Kind: types.Dispatched, MessageID: qm.Message.ID, Sender: qm.Message.Sender, Recipient: types.Broadcast, Priority: qm.EffectivePriority})

	if qm.EffectivePriority > types.Coordinate {
		r.consecutiveHighTier++
	} else {
		r.consecutiveHighTier = 0
	}

	return &DispatchOutcome{Message: qm.Message, Recipient: types.Broadcast}
}

// Shutdown implements `shutdown(drain)`. With drain=false it discards
// every queued message immediately and returns the count dropped; with
// drain=true it only stops accepting new enqueues (shuttingDown gates
// Enqueue, not DispatchOnce) so in-flight messages keep draining on
// repeated DispatchOnce calls by the caller (the Core Facade owns the
// shutdown_budget timer and force-drops via a second Shutdown(false)
// if the budget expires first).
func (r *Router) Shutdown(drain bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.shuttingDown = true
	if drain {
		return 0
	}
	dropped := r.queues.DrainAll()
	return len(dropped)
}

// Package core implements the Core Facade (spec §4.8): it owns every
// subsystem, wires their capability handles together, drives the
// dispatch loop and periodic sweeps, and exposes the stable method
// surface described in spec §6. Grounded on the teacher's
// pkg/manager.Manager construct-then-Start shape and cmd/warren/main.go's
// graceful-shutdown handling.
package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/liminal-dev/liminal/pkg/admission"
	"github.com/liminal-dev/liminal/pkg/aging"
	"github.com/liminal-dev/liminal/pkg/bus"
	"github.com/liminal-dev/liminal/pkg/clock"
	"github.com/liminal-dev/liminal/pkg/config"
	"github.com/liminal-dev/liminal/pkg/log"
	"github.com/liminal-dev/liminal/pkg/metrics"
	"github.com/liminal-dev/liminal/pkg/ptybridge"
	"github.com/liminal-dev/liminal/pkg/router"
	"github.com/liminal-dev/liminal/pkg/territory"
	"github.com/liminal-dev/liminal/pkg/types"
)

// dispatchPollInterval bounds how long the dispatch loop can go
// without rechecking the queues even absent a Wake signal, covering
// aging promotions and pause-point gates that become unblocked purely
// by the passage of time rather than by a new enqueue.
const dispatchPollInterval = 50 * time.Millisecond

// metricsInterval is the periodic cadence for the metrics/health
// evaluation loop.
const metricsInterval = time.Second

// routerSink adapts a *router.Router to territory.MessageSink. It is
// constructed empty and wired after the Router exists, breaking the
// Router<->Territory construction cycle (the Router needs the
// Territory Manager as its LeaseBoostSource, and the Territory Manager
// needs a MessageSink to deliver lease_revoked/escalation notices).
type routerSink struct {
	router *router.Router
}

// Submit enqueues msg on its own goroutine: the Territory Manager calls
// it while holding its write lock, and Enqueue reads that same lock
// through InheritedPriorityFor. A rejection is logged; Submit always
// returns nil.
func (s *routerSink) Submit(msg types.Message) error {
	go func() {
		if res := s.router.Enqueue(msg); res.Kind == router.Rejected {
			coreLogger.Warn().Msg(fmt.Sprintf("core: territory notice to %s rejected: %s", msg.Recipient, res.Reason))
		}
	}()
	return nil
}

// Core owns every LIMINAL subsystem and is the sole entry point
// external callers (the desktop UI shell, out of scope per spec §1)
// use.
type Core struct {
	cfg       config.CoreConfig
	clock     clock.Clock
	directory types.AgentDirectory

	router    *router.Router
	territory *territory.Manager
	admission *admission.Table
	aging     *aging.Tracker
	bridge    *ptybridge.Bridge
	mailboxes *router.Registry
	sweeper   *territory.Sweeper
	sink      *metrics.Sink
	health    *metrics.HealthMonitor

	metricsBus *bus.Bus[types.MetricsSnapshot]

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

var coreLogger = log.WithComponent("core")

// New constructs every subsystem and wires their capability handles,
// but does not start any background goroutine; call Start for that.
// idle may be nil (the pause-point gate then relies solely on
// pause-hints and the Blocking pause_wait_budget force-deliver path).
func New(cfg config.CoreConfig, clk clock.Clock, directory types.AgentDirectory, idle router.IdleChecker) *Core {
	mailboxes := router.NewRegistry()
	sink := metrics.NewSink()

	bridgeCfg := ptybridge.Config{
		BeginTag:       cfg.Pty.BeginTag,
		EndTag:         cfg.Pty.EndTag,
		MaxBufferBytes: cfg.Pty.MaxBufferBytes,
	}

	sinkAdapter := &routerSink{}
	territoryMgr := territory.NewManager(territory.Config{
		DefaultLeaseDuration:     cfg.Territory.DefaultLeaseDuration,
		DeferThreshold:           cfg.Territory.DeferThreshold,
		QueueEscalationThreshold: cfg.Territory.QueueEscalationThreshold,
		MaxDefer:                 cfg.Territory.MaxDefer,
		HeartbeatTimeout:         cfg.Territory.HeartbeatTimeout,
		SweepInterval:            cfg.Territory.SweepInterval,
	}, clk, sinkAdapter, types.AgentId(cfg.Director), sink)

	bridge := ptybridge.New(bridgeCfg, clk, sink, func(source types.AgentId) {
		if n := territoryMgr.ReleaseAllHeldBy(source); n > 0 {
			coreLogger.Info().Str("agent", string(source)).Int("leases_released", n).Msg("released leases after stream end")
		}
	})

	admTable := admission.NewTable(admission.Config{
		CapacityByPriority:    cfg.TokenBucketCapacity(),
		RefillByPriority:      cfg.TokenBucketRefill(),
		Cost:                  admission.DefaultCost(),
		GamingRatioThreshold:  cfg.Router.TokenBucket.GamingRatioThreshold,
		GamingPenaltyDuration: cfg.Router.TokenBucket.GamingPenaltyDuration,
	}, clk, func(sender types.AgentId) {
		metrics.GamingDowngrades.WithLabelValues(string(sender)).Inc()
	})

	agingTracker := aging.New(aging.Config{
		BoostThreshold:      cfg.Router.Aging.BoostThreshold,
		CriticalThreshold:   cfg.Router.Aging.CriticalThreshold,
		StarvationThreshold: cfg.Router.Aging.StarvationThreshold,
	})

	rtr := router.New(router.Config{
		LowTierQuotaEveryN: cfg.Router.Fairness.LowTierQuotaEveryN,
		QueueHardMax:       cfg.Router.Limits.QueueHardMax,
		PauseWaitBudget:    cfg.Router.Aging.PauseWaitBudget,
	}, clk, directory, admTable, agingTracker, bridge, idle, territoryMgr, mailboxes, sink)
	sinkAdapter.router = rtr

	healthCfg := metrics.Thresholds{
		CriticalQueueMax:    cfg.Router.Limits.CriticalQueueMax,
		RoutingP99Budget:    cfg.Health.RoutingP99Budget,
		CloneSpawnP99Budget: cfg.Health.CloneSpawnP99Budget,
		RateLimitAlert:      cfg.Router.Limits.RateLimitAlert,
		BreachSustain:       cfg.Health.BreachSustain,
	}

	return &Core{
		cfg:        cfg,
		clock:      clk,
		directory:  directory,
		router:     rtr,
		territory:  territoryMgr,
		admission:  admTable,
		aging:      agingTracker,
		bridge:     bridge,
		mailboxes:  mailboxes,
		sweeper:    territory.NewSweeper(territoryMgr),
		sink:       sink,
		health:     metrics.NewHealthMonitor(healthCfg, clk),
		metricsBus: bus.New[types.MetricsSnapshot](32, 50, func() { metrics.SubscribersDropped.WithLabelValues("metrics").Inc() }),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the sweeper, the dispatch loop, and the metrics/health
// evaluation loop. Calling Start twice is a no-op.
func (c *Core) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	c.started = true

	c.sweeper.Start()

	c.wg.Add(2)
	go c.dispatchLoop()
	go c.metricsLoop()

	coreLogger.Info().Msg("core started")
	return nil
}

func (c *Core) dispatchLoop() {
	defer c.wg.Done()
	ticker := c.clock.NewTicker(dispatchPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-c.router.Wake():
		case <-ticker.C():
		}
		for {
			if _, ok := c.router.DispatchOnce(); !ok {
				break
			}
		}
	}
}

func (c *Core) metricsLoop() {
	defer c.wg.Done()
	ticker := c.clock.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C():
			snap := c.SnapshotMetrics()
			c.metricsBus.Publish(snap)
			c.evaluateHealth(snap)
		}
	}
}

func (c *Core) evaluateHealth(snap types.MetricsSnapshot) {
	for _, d := range snap.QueueDepths {
		c.health.CheckQueueDepth(d.Priority, d.Depth)
	}
	c.health.CheckRoutingLatency(snap.RoutingLatency.P99)
	c.health.CheckCloneSpawnLatency(snap.SpawnLatency.P99)
	for sender, hits := range c.admission.RateLimitHitsLastMinute() {
		c.health.CheckRateLimitHits(sender, hits)
	}
}

// RegisterMailbox wires recipient's inbound delivery handler, e.g. a
// PTY writer or an in-process test stub.
func (c *Core) RegisterMailbox(recipient types.AgentId, mb router.Mailbox) {
	c.mailboxes.Register(recipient, mb)
}

// SubmitMessage implements `submit_message(message)` (spec §6).
func (c *Core) SubmitMessage(msg types.Message) router.Result {
	return c.router.Enqueue(msg)
}

// AcquireLease implements `acquire_lease(request)` (spec §6).
func (c *Core) AcquireLease(requester types.AgentId, resource types.ResourceKey, duration time.Duration, priority types.Priority) territory.Decision {
	return c.territory.Acquire(requester, resource, duration, priority)
}

// ReleaseLease implements `release_lease(lease_id, by)`.
func (c *Core) ReleaseLease(leaseID types.LeaseId, by types.AgentId) error {
	return c.territory.Release(leaseID, by)
}

// Heartbeat implements `heartbeat(lease_id, progress)`.
func (c *Core) Heartbeat(leaseID types.LeaseId, progress float32) error {
	return c.territory.Heartbeat(leaseID, progress)
}

// RequestTransfer implements `request_transfer(requester, lease_id,
// priority, reason)`.
func (c *Core) RequestTransfer(requester types.AgentId, leaseID types.LeaseId, priority types.Priority, reason string) territory.Decision {
	return c.territory.RequestTransfer(requester, leaseID, priority, reason)
}

// FeedPty forwards a chunk of subprocess output to the PTY Event
// Bridge.
func (c *Core) FeedPty(source types.AgentId, chunk []byte) {
	c.bridge.Feed(source, chunk)
}

// StreamEnded forwards subprocess stream closure to the PTY Event
// Bridge, which flushes its buffer and revokes source's leases.
func (c *Core) StreamEnded(source types.AgentId) {
	c.bridge.StreamEnded(source)
}

// SnapshotMetrics implements `snapshot_metrics()` (spec §6).
func (c *Core) SnapshotMetrics() types.MetricsSnapshot {
	leases, pending := c.territory.Snapshot()
	return c.sink.Snapshot(c.clock.Now(), c.router.Depths(), c.admission.Snapshot(), len(leases), pending)
}

// SubscribeRouterEvents implements `subscribe_router_events()`.
func (c *Core) SubscribeRouterEvents() *bus.Subscription[types.RouterEvent] {
	return c.router.Subscribe()
}

// SubscribeTerritoryEvents implements `subscribe_territory_events()`.
func (c *Core) SubscribeTerritoryEvents() *bus.Subscription[types.TerritoryEvent] {
	return c.territory.Subscribe()
}

// SubscribeHealth implements `subscribe_health()`.
func (c *Core) SubscribeHealth() *bus.Subscription[types.HealthAlert] {
	return c.health.Subscribe()
}

// SubscribeMetrics implements `subscribe_metrics()`: a stream of
// periodic MetricsSnapshot values, emitted on metricsInterval.
func (c *Core) SubscribeMetrics() *bus.Subscription[types.MetricsSnapshot] {
	return c.metricsBus.Subscribe()
}

// SubscribePtyEvents exposes the PTY Event Bridge's StructuredPtyEvent
// stream, an expansion beyond spec §6's named subscriptions needed so
// the desktop UI shell can render pause-point state.
func (c *Core) SubscribePtyEvents() *bus.Subscription[types.StructuredPtyEvent] {
	return c.bridge.Subscribe()
}

// Shutdown implements `shutdown(drain)` (spec §6, §4.8). With
// drain=true it stops accepting new enqueues, waits up to
// shutdown_budget for the dispatch loop to empty the queues, then
// forces cancellation; with drain=false it discards queued messages
// immediately. Either way background goroutines are stopped before
// returning.
func (c *Core) Shutdown(drain bool) int {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return 0
	}
	c.mu.Unlock()

	dropped := c.router.Shutdown(drain)

	if drain {
		budget := c.cfg.Shutdown.ShutdownBudget
		if budget <= 0 {
			budget = 5 * time.Second
		}
		deadline := c.clock.After(budget)
	drainWait:
		for {
			total := 0
			for _, d := range c.router.Depths() {
				total += d.Depth
			}
			if total == 0 {
				break
			}
			select {
			case <-deadline:
				coreLogger.Warn().Msg("shutdown_budget exceeded with messages still queued; forcing cancellation")
				dropped += c.router.Shutdown(false)
				break drainWait
			case <-c.clock.After(time.Millisecond):
			}
		}
	}

	c.sweeper.Stop()
	close(c.stopCh)
	c.wg.Wait()

	coreLogger.Info().Int("dropped", dropped).Bool("drain", drain).Msg("core shut down")
	return dropped
}

package territory

import (
	"time"

	"github.com/liminal-dev/liminal/pkg/log"
	"github.com/liminal-dev/liminal/pkg/metrics"
	"github.com/liminal-dev/liminal/pkg/types"
	"github.com/rs/zerolog"
)

// Sweeper runs the periodic expiry sweep over a Manager's lease table
// (spec §4.4 Expiry), grounded on the teacher's ticker-driven
// scheduler loop.
type Sweeper struct {
	manager *Manager
	logger  zerolog.Logger
	stopCh  chan struct{}
}

// NewSweeper constructs a Sweeper for manager.
func NewSweeper(manager *Manager) *Sweeper {
	return &Sweeper{
		manager: manager,
		logger:  log.WithComponent("territory-sweep"),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the sweep loop in its own goroutine.
func (s *Sweeper) Start() {
	go s.run()
}

// Stop terminates the sweep loop.
func (s *Sweeper) Stop() {
	close(s.stopCh)
}

func (s *Sweeper) run() {
	interval := s.manager.cfg.SweepInterval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := s.manager.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			s.manager.sweepOnce()
		case <-s.stopCh:
			return
		}
	}
}

const defaultSweepInterval = 250 * time.Millisecond

// sweepOnce compares now against expires_at and
// last_heartbeat+heartbeat_timeout for every non-terminal lease,
// expiring and re-evaluating waiters for each one that has lapsed.
func (m *Manager) sweepOnce() {
	m.rw.Lock()
	defer m.rw.Unlock()

	now := m.clock.Now()
	var expired []*types.Lease
	for _, lease := range m.leases {
		if lease.State.Terminal() {
			continue
		}
		heartbeatDeadline := lease.LastHeartbeat.Add(m.cfg.HeartbeatTimeout)
		if now.After(lease.ExpiresAt) || (m.cfg.HeartbeatTimeout > 0 && now.After(heartbeatDeadline)) {
			expired = append(expired, lease)
		}
	}

	for _, lease := range expired {
		lease.State = types.Expired
		m.index.Remove(lease.Resource)
		metrics.LeasesActive.Dec()
		m.emit(types.TerritoryEvent{Kind: types.TerritoryExpired, LeaseID: lease.ID, Resource: lease.Resource, Holder: lease.Holder, Reason: "expired"})
		m.regrantQueueLocked(lease)
	}
}

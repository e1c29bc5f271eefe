// Package types holds the plain data model shared by every LIMINAL
// subsystem: priorities, agent identities, messages, leases, and the
// events and snapshots that cross subsystem boundaries.
package types

import (
	"time"

	"github.com/google/uuid"
)

// Priority is a totally ordered scheduling priority. Higher values win
// dispatch; priorities are compared with the ordinary int operators.
type Priority int

const (
	Info Priority = iota
	Coordinate
	Blocking
	Critical
	DirectorOverride
)

func (p Priority) String() string {
	switch p {
	case Info:
		return "Info"
	case Coordinate:
		return "Coordinate"
	case Blocking:
		return "Blocking"
	case Critical:
		return "Critical"
	case DirectorOverride:
		return "DirectorOverride"
	default:
		return "Unknown"
	}
}

// Promote returns p raised by n levels, clamped below DirectorOverride.
// DirectorOverride is reserved for Director-authored messages and is
// never reached by aging or inheritance alone.
func (p Priority) Promote(n int) Priority {
	q := p + Priority(n)
	if q >= DirectorOverride {
		q = DirectorOverride - 1
	}
	if q < Info {
		q = Info
	}
	return q
}

// AgentRole classifies an AgentId for the purposes of the priority
// ceiling invariant in §3.
type AgentRole int

const (
	Director AgentRole = iota
	Primary
	Clone
)

func (r AgentRole) String() string {
	switch r {
	case Director:
		return "Director"
	case Primary:
		return "Primary"
	case Clone:
		return "Clone"
	default:
		return "Unknown"
	}
}

// MaxPriority returns the highest priority a sender of this role may
// ever have effective, per the §3 invariant: clones are capped at
// Coordinate; only Directors may emit DirectorOverride.
func (r AgentRole) MaxPriority() Priority {
	switch r {
	case Director:
		return DirectorOverride
	case Clone:
		return Coordinate
	default:
		return Critical
	}
}

// AgentId is an opaque sender/recipient identity. The router and
// territory manager resolve an AgentId's role through an AgentDirectory
// capability rather than encoding the role in the string itself.
type AgentId string

// Broadcast is the sentinel recipient meaning "deliver to every agent".
const Broadcast AgentId = "*"

// AgentDirectory resolves an AgentId to its role. Supplied by the Core
// Facade's caller (agent identities and roles are established outside
// the coordination core, e.g. at subprocess spawn time).
type AgentDirectory interface {
	RoleOf(id AgentId) (AgentRole, bool)
}

// MessageKind distinguishes the payload's intent.
type MessageKind int

const (
	LeaseOp MessageKind = iota
	TaskHandoff
	ConsensusRequest
	Status
	ErrorKind
)

func (k MessageKind) String() string {
	switch k {
	case LeaseOp:
		return "LeaseOp"
	case TaskHandoff:
		return "TaskHandoff"
	case ConsensusRequest:
		return "ConsensusRequest"
	case Status:
		return "Status"
	case ErrorKind:
		return "Error"
	default:
		return "Unknown"
	}
}

// Message is immutable once constructed; every field is set at
// creation time by NewMessage.
type Message struct {
	ID            uuid.UUID
	Sender        AgentId
	Recipient     AgentId
	Kind          MessageKind
	Priority      Priority
	Payload       []byte
	CreatedAt     time.Time
	TraceID       uuid.UUID
	ExpectsAck    bool
	Deadline      *time.Time
}

// NewMessage mints a Message with fresh IDs and the given created-at
// timestamp (the caller supplies `now` so callers can use an injected
// clock rather than time.Now directly).
func NewMessage(sender, recipient AgentId, kind MessageKind, priority Priority, payload []byte, now time.Time) Message {
	return Message{
		ID:        uuid.New(),
		Sender:    sender,
		Recipient: recipient,
		Kind:      kind,
		Priority:  priority,
		Payload:   payload,
		CreatedAt: now,
		TraceID:   uuid.New(),
	}
}

// QueuedMessage wraps a Message with the scheduling bookkeeping the
// dispatcher mutates between enqueue and delivery.
type QueuedMessage struct {
	Message         Message
	EffectivePriority Priority
	EnqueuedAt      time.Time
	LastAttemptAt   time.Time
	RetryCount      int
	AgingBoosts     int
	TokenSnapshot   float64
	PauseHint       bool
}

// TokenBucket is the per-sender admission bucket. Zero value is not
// valid; admission.Table fills one in when it first sees a sender.
type TokenBucket struct {
	Sender       AgentId
	Tokens       float64
	Capacity     float64
	RefillPerSec float64
	LastRefill   time.Time
	Hits         uint64
}

// LeaseId is a monotonically assigned, process-lifetime-unique lease
// identifier.
type LeaseId uint64

// ResourceKey is a canonicalized path, glob, or logical resource name.
type ResourceKey string

// LeaseState is the lifecycle state of a Lease. Released and Expired
// are terminal.
type LeaseState int

const (
	Available LeaseState = iota
	Requested
	Granted
	InUse
	Negotiating
	Deferred
	Overridden
	Released
	Expired
)

func (s LeaseState) String() string {
	switch s {
	case Available:
		return "Available"
	case Requested:
		return "Requested"
	case Granted:
		return "Granted"
	case InUse:
		return "InUse"
	case Negotiating:
		return "Negotiating"
	case Deferred:
		return "Deferred"
	case Overridden:
		return "Overridden"
	case Released:
		return "Released"
	case Expired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// Terminal reports whether s is a terminal lease state.
func (s LeaseState) Terminal() bool {
	return s == Released || s == Expired
}

// Occupied reports whether s counts against the "at most one lease per
// resource" invariant (§3, invariant 2 in §8).
func (s LeaseState) Occupied() bool {
	switch s {
	case Granted, InUse, Negotiating, Deferred, Overridden:
		return true
	default:
		return false
	}
}

// LeaseRequest is a pending waiter on an occupied resource.
type LeaseRequest struct {
	Requester         AgentId
	RequesterPriority Priority
	Reason            string
	RequestedAt       time.Time
	Timeout           time.Duration
}

// Lease describes a soft, time-bounded claim on a ResourceKey.
type Lease struct {
	ID                LeaseId
	Resource          ResourceKey
	Holder            AgentId
	HolderPriority    Priority
	GrantedAt         time.Time
	ExpiresAt         time.Time
	LastHeartbeat     time.Time
	Progress          float32
	State             LeaseState
	Queue             []LeaseRequest
	ConflictAttempts  uint32
	DeferCount        uint32
	OverrideCount     uint32
	InheritedPriority *Priority
}

// EffectiveHolderPriority returns the inherited priority if one has
// been assigned, else the holder's own priority.
func (l *Lease) EffectiveHolderPriority() Priority {
	if l.InheritedPriority != nil {
		return *l.InheritedPriority
	}
	return l.HolderPriority
}

// TerritoryEventKind distinguishes the TerritoryEvent variants.
type TerritoryEventKind int

const (
	TerritoryGranted TerritoryEventKind = iota
	TerritoryDeferred
	TerritoryOverridden
	TerritoryReleased
	TerritoryExpired
	TerritoryEscalated
)

func (k TerritoryEventKind) String() string {
	switch k {
	case TerritoryGranted:
		return "Granted"
	case TerritoryDeferred:
		return "Deferred"
	case TerritoryOverridden:
		return "Overridden"
	case TerritoryReleased:
		return "Released"
	case TerritoryExpired:
		return "Expired"
	case TerritoryEscalated:
		return "Escalated"
	default:
		return "Unknown"
	}
}

// TerritoryEvent is published on every lease state transition.
type TerritoryEvent struct {
	Kind       TerritoryEventKind
	LeaseID    LeaseId
	Resource   ResourceKey
	Holder     AgentId
	Victim     AgentId // set on Overridden
	NewHolder  AgentId // set on Overridden
	RetryAfter time.Duration
	Reason     string
	At         time.Time
}

// PausePointKind names a subprocess-declared pause point. The taxonomy
// is left open by spec §9; LIMINAL only prescribes the contract (an
// optional string tag carried in a PTY frame).
type PausePointKind string

// StructuredPtyEvent is produced by the PTY Event Bridge from a framed
// or unframed chunk of subprocess output.
type StructuredPtyEvent struct {
	SourceAgent AgentId
	Name        string
	Fields      map[string]string
	At          time.Time
	PauseHint   *PausePointKind
}

// RouterEventKind enumerates the RouterEvent variants in §4.1.
type RouterEventKind int

const (
	Enqueued RouterEventKind = iota
	Dispatched
	RouterDeferred
	RateLimited
	RouterEscalated
	UndeliverableMessage
)

func (k RouterEventKind) String() string {
	switch k {
	case Enqueued:
		return "Enqueued"
	case Dispatched:
		return "Dispatched"
	case RouterDeferred:
		return "Deferred"
	case RateLimited:
		return "RateLimited"
	case RouterEscalated:
		return "Escalated"
	case UndeliverableMessage:
		return "UndeliverableMessage"
	default:
		return "Unknown"
	}
}

// RouterEvent is published on every dispatch-affecting transition.
type RouterEvent struct {
	Kind       RouterEventKind
	MessageID  uuid.UUID
	Sender     AgentId
	Recipient  AgentId
	Priority   Priority
	Reason     string
	RetryAfter time.Duration
	At         time.Time
}

// HealthSeverity ranks a HealthAlert.
type HealthSeverity int

const (
	SeverityInfo HealthSeverity = iota
	SeverityWarning
	SeverityCritical
)

func (s HealthSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "Info"
	case SeverityWarning:
		return "Warning"
	case SeverityCritical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// HealthAlertCode names the threshold that was breached.
type HealthAlertCode string

const (
	CodeQueueDepth        HealthAlertCode = "queue_depth"
	CodeRoutingLatency    HealthAlertCode = "routing_latency"
	CodeRateLimitStorm    HealthAlertCode = "rate_limit_storm"
	CodeCloneSpawnLatency HealthAlertCode = "clone_spawn_latency"
	CodeSlowSubscriber    HealthAlertCode = "slow_subscriber"
)

// HealthAlert is emitted when a configured threshold is breached.
type HealthAlert struct {
	Severity HealthSeverity
	Code     HealthAlertCode
	Context  map[string]string
	At       time.Time
}

// QueueDepthSnapshot is the per-priority queue length at snapshot time.
type QueueDepthSnapshot struct {
	Priority Priority
	Depth    int
}

// TokenBucketSnapshot summarizes one sender's bucket state.
type TokenBucketSnapshot struct {
	Sender   AgentId
	Tokens   float64
	Capacity float64
	Hits     uint64
	Gaming   bool
}

// LatencySummary reports p50/p95/p99 for a timed operation.
type LatencySummary struct {
	P50 time.Duration
	P95 time.Duration
	P99 time.Duration
}

// MetricsSnapshot is an immutable point-in-time view of the core's
// observable state.
type MetricsSnapshot struct {
	QueueDepths       []QueueDepthSnapshot
	TokenBuckets      []TokenBucketSnapshot
	LeaseCount        int
	PendingByResource map[ResourceKey]int
	Deferrals         uint64
	Overrides         uint64
	Escalations       uint64
	PtyEventCounts    map[string]uint64
	RoutingLatency    LatencySummary
	LeaseLatency      LatencySummary
	SpawnLatency      LatencySummary
	LastUpdated       time.Time
}

// Package config loads and validates the LIMINAL CoreConfig (spec §6),
// grounded on the teacher's `yaml.Unmarshal`-onto-tagged-struct pattern
// (cmd/warren/apply.go) rather than a heavier config framework.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/liminal-dev/liminal/pkg/types"
	"gopkg.in/yaml.v3"
)

// TokenBucketConfig is `router.token_bucket.*`.
type TokenBucketConfig struct {
	CapacityByPriority    map[string]float64 `yaml:"capacity_by_priority"`
	RefillByPriority      map[string]float64 `yaml:"refill_by_priority"`
	GamingRatioThreshold  float64            `yaml:"gaming_ratio_threshold"`
	GamingPenaltyDuration time.Duration      `yaml:"gaming_penalty_duration"`
}

// AgingConfig is `router.aging.*`.
type AgingConfig struct {
	BoostThreshold      time.Duration `yaml:"boost_threshold"`
	CriticalThreshold   time.Duration `yaml:"critical_threshold"`
	StarvationThreshold time.Duration `yaml:"starvation_threshold"`
	PauseWaitBudget     time.Duration `yaml:"pause_wait_budget"`
}

// FairnessConfig is `router.fairness.*`.
type FairnessConfig struct {
	LowTierQuotaEveryN int `yaml:"low_tier_quota_every_n"`
}

// LimitsConfig is `router.limits.*`.
type LimitsConfig struct {
	QueueHardMax     int `yaml:"queue_hard_max"`
	CriticalQueueMax int `yaml:"critical_queue_max"`
	RateLimitAlert   int `yaml:"rate_limit_alert"`
}

// RouterConfig is `router.*`.
type RouterConfig struct {
	TokenBucket TokenBucketConfig `yaml:"token_bucket"`
	Aging       AgingConfig       `yaml:"aging"`
	Fairness    FairnessConfig    `yaml:"fairness"`
	Limits      LimitsConfig      `yaml:"limits"`
}

// TerritoryConfig is `territory.*`.
type TerritoryConfig struct {
	DefaultLeaseDuration     time.Duration `yaml:"default_lease_duration"`
	DeferThreshold           time.Duration `yaml:"defer_threshold"`
	QueueEscalationThreshold int           `yaml:"queue_escalation_threshold"`
	MaxDefer                 time.Duration `yaml:"max_defer"`
	HeartbeatTimeout         time.Duration `yaml:"heartbeat_timeout"`
	SweepInterval            time.Duration `yaml:"sweep_interval"`
}

// PtyConfig is `pty.*`.
type PtyConfig struct {
	BeginTag       string `yaml:"begin_tag"`
	EndTag         string `yaml:"end_tag"`
	MaxBufferBytes int    `yaml:"max_buffer_bytes"`
}

// HealthConfig is `health.*`.
type HealthConfig struct {
	RoutingP99Budget    time.Duration `yaml:"routing_p99_budget"`
	CloneSpawnP99Budget time.Duration `yaml:"clone_spawn_p99_budget"`
	BreachSustain       time.Duration `yaml:"breach_sustain"`
}

// ShutdownConfig is `shutdown.*`.
type ShutdownConfig struct {
	ShutdownBudget time.Duration `yaml:"shutdown_budget"`
}

// LedgerConfig configures the optional bbolt-backed event ledger
// subscriber (spec §6 "Persisted state: none required by the core; an
// optional ledger subscriber may record the event bus for replay").
type LedgerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// HTTPConfig configures the chi-routed metrics/health/snapshot surface
// (spec §4.9, an expansion of the spec's external-interfaces section).
type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// CoreConfig is the full set of CoreConfig keys recognized by the core
// (spec §6).
type CoreConfig struct {
	Router    RouterConfig    `yaml:"router"`
	Territory TerritoryConfig `yaml:"territory"`
	Pty       PtyConfig       `yaml:"pty"`
	Health    HealthConfig    `yaml:"health"`
	Shutdown  ShutdownConfig  `yaml:"shutdown"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	HTTP      HTTPConfig      `yaml:"http"`
	Director  string          `yaml:"director"`
}

// Default returns the spec's indicative defaults (§4.2, §4.4, §4.6).
// Per-priority token bucket numbers are explicitly left to the
// operator (spec §9 Open Questions); this only seeds reasonable
// starting values.
func Default() CoreConfig {
	return CoreConfig{
		Router: RouterConfig{
			TokenBucket: TokenBucketConfig{
				CapacityByPriority: map[string]float64{
					"Info": 50, "Coordinate": 30, "Blocking": 15, "Critical": 8, "DirectorOverride": 1000,
				},
				RefillByPriority: map[string]float64{
					"Info": 10, "Coordinate": 5, "Blocking": 2, "Critical": 1, "DirectorOverride": 1000,
				},
				GamingRatioThreshold:  0.8,
				GamingPenaltyDuration: 30 * time.Second,
			},
			Aging: AgingConfig{
				BoostThreshold:      2 * time.Second,
				CriticalThreshold:   5 * time.Second,
				StarvationThreshold: 15 * time.Second,
				PauseWaitBudget:     3 * time.Second,
			},
			Fairness: FairnessConfig{LowTierQuotaEveryN: 5},
			Limits:   LimitsConfig{QueueHardMax: 10000, CriticalQueueMax: 200, RateLimitAlert: 20},
		},
		Territory: TerritoryConfig{
			DefaultLeaseDuration:     5 * time.Minute,
			DeferThreshold:           30 * time.Second,
			QueueEscalationThreshold: 2,
			MaxDefer:                 2 * time.Minute,
			HeartbeatTimeout:         30 * time.Second,
			SweepInterval:            250 * time.Millisecond,
		},
		Pty: PtyConfig{
			BeginTag:       "<LIMINAL_EVENT>",
			EndTag:         "</LIMINAL_EVENT>",
			MaxBufferBytes: 1 << 20,
		},
		Health: HealthConfig{
			RoutingP99Budget:    time.Millisecond,
			CloneSpawnP99Budget: 2 * time.Second,
			BreachSustain:       10 * time.Second,
		},
		Shutdown: ShutdownConfig{ShutdownBudget: 5 * time.Second},
		HTTP:     HTTPConfig{ListenAddr: ":7777"},
	}
}

// Load reads and validates a CoreConfig from a YAML file at path,
// layering it over Default().
func Load(path string) (CoreConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks invariants the core refuses to start without (spec
// §7 Fatal errors: "invalid configuration at start... the core refuses
// to start").
func (c CoreConfig) Validate() error {
	if c.Router.Limits.QueueHardMax < 0 {
		return fmt.Errorf("router.limits.queue_hard_max must be >= 0")
	}
	if c.Territory.SweepInterval <= 0 {
		return fmt.Errorf("territory.sweep_interval must be > 0")
	}
	if c.Territory.DefaultLeaseDuration <= 0 {
		return fmt.Errorf("territory.default_lease_duration must be > 0")
	}
	if c.Pty.BeginTag == "" || c.Pty.EndTag == "" {
		return fmt.Errorf("pty.begin_tag and pty.end_tag must be non-empty")
	}
	if c.Shutdown.ShutdownBudget <= 0 {
		return fmt.Errorf("shutdown.shutdown_budget must be > 0")
	}
	if c.Ledger.Enabled && c.Ledger.Path == "" {
		return fmt.Errorf("ledger.path is required when ledger.enabled is true")
	}
	return nil
}

var priorityNames = map[string]types.Priority{
	"Info": types.Info, "Coordinate": types.Coordinate, "Blocking": types.Blocking,
	"Critical": types.Critical, "DirectorOverride": types.DirectorOverride,
}

// byPriority converts a name-keyed YAML map into a types.Priority-keyed
// map for the admission table.
func byPriority(named map[string]float64) map[types.Priority]float64 {
	out := make(map[types.Priority]float64, len(named))
	for name, v := range named {
		if p, ok := priorityNames[name]; ok {
			out[p] = v
		}
	}
	return out
}

// TokenBucketCapacity returns router.token_bucket.capacity_by_priority
// keyed by types.Priority.
func (c CoreConfig) TokenBucketCapacity() map[types.Priority]float64 {
	return byPriority(c.Router.TokenBucket.CapacityByPriority)
}

// TokenBucketRefill returns router.token_bucket.refill_by_priority
// keyed by types.Priority.
func (c CoreConfig) TokenBucketRefill() map[types.Priority]float64 {
	return byPriority(c.Router.TokenBucket.RefillByPriority)
}

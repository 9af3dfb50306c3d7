package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/fedflow/refstore"
	"github.com/BaSui01/fedflow/runtime"
	"github.com/BaSui01/fedflow/types"
)

// Backend selects the execution backend.
type Backend string

const (
	BackendLocal       Backend = "local"
	BackendDistributed Backend = "distributed"
)

// StoreType selects the reference-store backend.
type StoreType string

const (
	StoreMemory StoreType = "memory"
	StoreRedis  StoreType = "redis"
)

// Config is the full run configuration.
// Precedence: defaults, then YAML file, then FEDFLOW_* environment.
type Config struct {
	// Aggregator is the aggregator participant id.
	Aggregator string `yaml:"aggregator"`
	// Collaborators lists collaborator ids in canonical fan-out order.
	Collaborators []string `yaml:"collaborators"`
	// Rounds caps the number of rounds to train; 0 means unbounded.
	Rounds int `yaml:"rounds"`
	// Backend selects the execution backend.
	Backend Backend `yaml:"backend"`
	// FailureTolerance is the permitted fraction (0..1) of collaborator
	// failures per step before the run fails.
	FailureTolerance float64 `yaml:"failure_tolerance"`
	// CheckpointDir enables step-boundary checkpoints when non-empty.
	CheckpointDir string `yaml:"checkpoint_dir"`
	// Store selects the reference-store backend.
	Store StoreType `yaml:"store"`
	// Redis configures the store when Store is "redis".
	Redis refstore.RedisConfig `yaml:"redis"`
	// Retry bounds transient-failure retries of the distributed backend.
	Retry runtime.RetryConfig `yaml:"retry"`
	// LogLevel is the zap level name (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		Backend:  BackendLocal,
		Store:    StoreMemory,
		Retry:    runtime.DefaultRetryConfig(),
		LogLevel: "info",
	}
}

// Load reads configuration with defaults, optional YAML file, and
// environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, types.NewError(types.ErrInvalidConfig, "failed to read config file").WithCause(err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, types.NewError(types.ErrInvalidConfig, "failed to parse config file").WithCause(err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FEDFLOW_AGGREGATOR"); v != "" {
		c.Aggregator = v
	}
	if v := os.Getenv("FEDFLOW_BACKEND"); v != "" {
		c.Backend = Backend(v)
	}
	if v := os.Getenv("FEDFLOW_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Rounds = n
		}
	}
	if v := os.Getenv("FEDFLOW_FAILURE_TOLERANCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.FailureTolerance = f
		}
	}
	if v := os.Getenv("FEDFLOW_CHECKPOINT_DIR"); v != "" {
		c.CheckpointDir = v
	}
	if v := os.Getenv("FEDFLOW_STORE"); v != "" {
		c.Store = StoreType(v)
	}
	if v := os.Getenv("FEDFLOW_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("FEDFLOW_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Aggregator == "" {
		return types.NewError(types.ErrInvalidConfig, "aggregator id is required")
	}
	if len(c.Collaborators) == 0 {
		return types.NewError(types.ErrInvalidConfig, "at least one collaborator is required")
	}
	switch c.Backend {
	case BackendLocal, BackendDistributed:
	default:
		return types.Errorf(types.ErrInvalidConfig, "unknown backend %q", c.Backend)
	}
	switch c.Store {
	case StoreMemory:
	case StoreRedis:
		if c.Redis.Addr == "" {
			return types.NewError(types.ErrInvalidConfig, "redis store requires an address")
		}
	default:
		return types.Errorf(types.ErrInvalidConfig, "unknown store %q", c.Store)
	}
	if c.Rounds < 0 {
		return types.NewError(types.ErrInvalidConfig, "rounds must not be negative")
	}
	if c.FailureTolerance < 0 || c.FailureTolerance > 1 {
		return types.Errorf(types.ErrInvalidConfig, "failure_tolerance must be within [0, 1], got %v", c.FailureTolerance)
	}
	return nil
}

// CollaboratorIDs returns the collaborator list as participant ids.
func (c *Config) CollaboratorIDs() []types.ParticipantID {
	ids := make([]types.ParticipantID, len(c.Collaborators))
	for i, id := range c.Collaborators {
		ids[i] = types.ParticipantID(id)
	}
	return ids
}

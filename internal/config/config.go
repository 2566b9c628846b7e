// Package config handles configuration loading for the distributor.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Defaults applied when a field is left unset.
const (
	DefaultClusterName          = "storage"
	DefaultListen               = ":8090"
	DefaultReadForWritePriority = 120
	DefaultMaxPendingBuckets    = 4
	DefaultStorageNodes         = 2
	DefaultBuckets              = 16
	DefaultRedundancy           = 1
	DefaultLogLevel             = "info"
	DefaultMessageTimeout       = 30 * time.Second
)

// Config holds configuration for a distributor process.
type Config struct {
	ClusterName          string `yaml:"cluster_name"`
	NodeIndex            int    `yaml:"node_index"`
	Listen               string `yaml:"listen"`
	ReadForWritePriority *int   `yaml:"read_for_write_priority"` // nil selects the default; 0 is highest
	MaxPendingBuckets    int    `yaml:"max_pending_buckets"`
	StorageNodes         int    `yaml:"storage_nodes"` // in-process storage nodes to start
	Buckets              int    `yaml:"buckets"`       // size of the bucket keyspace
	Redundancy           int    `yaml:"redundancy"`
	LogLevel             string `yaml:"log_level"`

	// MessageTimeout is how long a storage command may go unanswered before
	// it is erased, e.g. "30s". Negative disables timeouts.
	MessageTimeout time.Duration `yaml:"message_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load loads configuration from a YAML file. An empty path yields the
// defaults. DISTRIBUTOR_* environment variables override file values.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ClusterName == "" {
		c.ClusterName = DefaultClusterName
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ReadForWritePriority == nil {
		p := DefaultReadForWritePriority
		c.ReadForWritePriority = &p
	}
	if c.MaxPendingBuckets == 0 {
		c.MaxPendingBuckets = DefaultMaxPendingBuckets
	}
	if c.StorageNodes == 0 {
		c.StorageNodes = DefaultStorageNodes
	}
	if c.Buckets == 0 {
		c.Buckets = DefaultBuckets
	}
	if c.Redundancy == 0 {
		c.Redundancy = DefaultRedundancy
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.MessageTimeout == 0 {
		c.MessageTimeout = DefaultMessageTimeout
	}
}

// applyEnv overrides fields from DISTRIBUTOR_* variables looked up with
// getenv. Unset or empty variables leave the field alone.
func (c *Config) applyEnv(getenv func(string) string) error {
	strs := map[string]*string{
		"DISTRIBUTOR_CLUSTER_NAME": &c.ClusterName,
		"DISTRIBUTOR_LISTEN":       &c.Listen,
		"DISTRIBUTOR_LOG_LEVEL":    &c.LogLevel,
	}
	for k, p := range strs {
		if v := getenv(k); v != "" {
			*p = v
		}
	}

	ints := map[string]*int{
		"DISTRIBUTOR_NODE_INDEX":          &c.NodeIndex,
		"DISTRIBUTOR_MAX_PENDING_BUCKETS": &c.MaxPendingBuckets,
		"DISTRIBUTOR_STORAGE_NODES":       &c.StorageNodes,
		"DISTRIBUTOR_BUCKETS":             &c.Buckets,
		"DISTRIBUTOR_REDUNDANCY":          &c.Redundancy,
	}
	for k, p := range ints {
		v := getenv(k)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, k, v)
		}
		*p = n
	}
	if v := getenv("DISTRIBUTOR_READ_FOR_WRITE_PRIORITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: DISTRIBUTOR_READ_FOR_WRITE_PRIORITY=%q is not an integer", ErrInvalidConfig, v)
		}
		c.ReadForWritePriority = &n
	}

	durations := map[string]*time.Duration{
		"DISTRIBUTOR_MESSAGE_TIMEOUT": &c.MessageTimeout,
		"DISTRIBUTOR_SWEEP_INTERVAL":  &c.SweepInterval,
	}
	for k, p := range durations {
		v := getenv(k)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a duration", ErrInvalidConfig, k, v)
		}
		*p = d
	}
	return nil
}

// Validate checks ranges. Defaults must already be applied.
func (c *Config) Validate() error {
	switch {
	case c.NodeIndex < 0:
		return fmt.Errorf("%w: node_index %d is negative", ErrInvalidConfig, c.NodeIndex)
	case c.ReadForWritePriority == nil:
		return fmt.Errorf("%w: read_for_write_priority is unset", ErrInvalidConfig)
	case *c.ReadForWritePriority < 0 || *c.ReadForWritePriority > 255:
		return fmt.Errorf("%w: read_for_write_priority %d must be in [0, 255]", ErrInvalidConfig, *c.ReadForWritePriority)
	case c.MaxPendingBuckets < 0:
		return fmt.Errorf("%w: max_pending_buckets %d is negative", ErrInvalidConfig, c.MaxPendingBuckets)
	case c.StorageNodes < 1:
		return fmt.Errorf("%w: storage_nodes must be at least 1", ErrInvalidConfig)
	case c.Buckets < 1:
		return fmt.Errorf("%w: buckets must be at least 1", ErrInvalidConfig)
	case c.Redundancy < 1 || c.Redundancy > c.StorageNodes:
		return fmt.Errorf("%w: redundancy %d must be in [1, %d]", ErrInvalidConfig, c.Redundancy, c.StorageNodes)
	case c.SweepInterval < 0:
		return fmt.Errorf("%w: sweep_interval %s is negative", ErrInvalidConfig, c.SweepInterval)
	}
	return nil
}

// Package config loads and validates the configuration of a replication node.
//
// Load and New are the validated entry points. NewUnchecked skips validation and exists for test harnesses that
// need deliberately incomplete or out-of-range settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"repcore/internal/group"
	"repcore/internal/quorum"
)

// RestoreConfig holds the network restore settings.
type RestoreConfig struct {
	// MaxLag is how far (in VLSNs) a donor may trail the freshest candidate and still be used.
	MaxLag uint64 `yaml:"max_lag"`
	// RetainFiles renames replaced log files to *.bup instead of deleting them.
	RetainFiles     bool          `yaml:"retain_files"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	TransferTimeout time.Duration `yaml:"transfer_timeout"`
	// MaxRounds caps donor selection rounds. 0 means no cap.
	MaxRounds int `yaml:"max_rounds"`
	ChunkSize int `yaml:"chunk_size"`
}

// NodeConfig is the configuration of one group member.
type NodeConfig struct {
	Name  string `yaml:"name"`
	Group string `yaml:"group"`
	Host  string `yaml:"host"`
	// Port 0 picks a free port at startup.
	Port     int    `yaml:"port"`
	Type     string `yaml:"type"`
	Priority int    `yaml:"priority"`
	DataDir  string `yaml:"data_dir"`
	// Helpers are host:port addresses of existing members used when joining.
	Helpers []string `yaml:"helpers"`

	AckPolicy          string        `yaml:"ack_policy"`
	AckTimeout         time.Duration `yaml:"ack_timeout"`
	ConsistencyTimeout time.Duration `yaml:"consistency_timeout"`
	// ElectableGroupSizeOverride, when positive, replaces the electable group size in quorum decisions.
	ElectableGroupSizeOverride int `yaml:"electable_group_size_override"`

	// JoinAttempts and JoinBackoff drive the retry directives issued while joining.
	JoinAttempts int           `yaml:"join_attempts"`
	JoinBackoff  time.Duration `yaml:"join_backoff"`
	// SyncupIdleTimeout fails syncup when the channel to the master is quiet for this long.
	SyncupIdleTimeout time.Duration `yaml:"syncup_idle_timeout"`
	// HeartbeatInterval is how often a replica asks the master for its position to track replay lag.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	Debug bool `yaml:"debug"`

	Restore RestoreConfig `yaml:"restore"`
}

// DefaultConfig returns a NodeConfig with sensible default values. Name, Group and DataDir have no default.
func DefaultConfig() *NodeConfig {
	return &NodeConfig{
		Host:               "localhost",
		Port:               5001,
		Type:               group.Electable.String(),
		Priority:           1,
		AckPolicy:          quorum.AckSimpleMajority.String(),
		AckTimeout:         5 * time.Second,
		ConsistencyTimeout: 5 * time.Second,
		JoinAttempts:       10,
		JoinBackoff:        time.Second,
		SyncupIdleTimeout:  30 * time.Second,
		HeartbeatInterval:  time.Second,
		Restore: RestoreConfig{
			MaxLag:          1000,
			ConnectTimeout:  2 * time.Second,
			TransferTimeout: 10 * time.Minute,
			ChunkSize:       64 * 1024,
		},
	}
}

// Option changes one setting.
type Option func(*NodeConfig)

// New applies opts to the defaults and validates the result.
func New(opts ...Option) (*NodeConfig, error) {
	c := NewUnchecked(opts...)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewUnchecked applies opts to the defaults without validating. It is meant for tests only.
func NewUnchecked(opts ...Option) *NodeConfig {
	c := DefaultConfig()
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load reads a YAML file over the defaults, applies opts (typically command line overrides) and validates the
// result.
func Load(path string, opts ...Option) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	c := DefaultConfig()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}

// Validate checks every setting and reports all problems at once.
func (c *NodeConfig) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if c.Group == "" {
		errs = append(errs, errors.New("group is required"))
	}
	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if _, err := group.ParseNodeType(c.Type); err != nil {
		errs = append(errs, err)
	}
	if c.Priority < 0 {
		errs = append(errs, fmt.Errorf("priority must not be negative: %d", c.Priority))
	}
	for _, h := range c.Helpers {
		if _, _, err := group.ParseAddress(h); err != nil {
			errs = append(errs, fmt.Errorf("helper %q: %w", h, err))
		}
	}
	if _, err := quorum.ParseAckPolicy(c.AckPolicy); err != nil {
		errs = append(errs, err)
	}
	if c.AckTimeout < 0 {
		errs = append(errs, fmt.Errorf("ack_timeout must not be negative: %v", c.AckTimeout))
	}
	if c.ConsistencyTimeout < 0 {
		errs = append(errs, fmt.Errorf("consistency_timeout must not be negative: %v", c.ConsistencyTimeout))
	}
	if c.ElectableGroupSizeOverride < 0 {
		errs = append(errs, fmt.Errorf("electable_group_size_override must not be negative: %d", c.ElectableGroupSizeOverride))
	}
	if c.JoinAttempts < 1 {
		errs = append(errs, fmt.Errorf("join_attempts must be at least 1: %d", c.JoinAttempts))
	}
	if c.JoinBackoff < 0 {
		errs = append(errs, fmt.Errorf("join_backoff must not be negative: %v", c.JoinBackoff))
	}
	if c.SyncupIdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("syncup_idle_timeout must be positive: %v", c.SyncupIdleTimeout))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat_interval must be positive: %v", c.HeartbeatInterval))
	}
	if c.Restore.MaxRounds < 0 {
		errs = append(errs, fmt.Errorf("restore.max_rounds must not be negative: %d", c.Restore.MaxRounds))
	}
	if c.Restore.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("restore.chunk_size must be positive: %d", c.Restore.ChunkSize))
	}
	if c.Restore.ConnectTimeout <= 0 || c.Restore.TransferTimeout <= 0 {
		errs = append(errs, errors.New("restore timeouts must be positive"))
	}
	return errors.Join(errs...)
}

// NodeType returns the parsed node type.
func (c *NodeConfig) NodeType() group.NodeType {
	t, _ := group.ParseNodeType(c.Type)
	return t
}

// AckPolicyValue returns the parsed ack policy.
func (c *NodeConfig) AckPolicyValue() quorum.AckPolicy {
	p, _ := quorum.ParseAckPolicy(c.AckPolicy)
	return p
}

// Member returns the group member record described by the configuration.
func (c *NodeConfig) Member() group.Member {
	return group.Member{
		Name:     c.Name,
		Type:     c.NodeType(),
		Host:     c.Host,
		Port:     c.Port,
		Priority: c.Priority,
	}
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hivellm/vectorizer/internal/model"
)

// Config represents the complete vectorizer daemon configuration.
// It mirrors the process-level options the core consumes, as listed in
// specification.md Section 6.
type Config struct {
	Version     int               `yaml:"version" json:"version"`
	WAL         WALConfig         `yaml:"wal" json:"wal"`
	Autosave    AutosaveConfig    `yaml:"autosave" json:"autosave"`
	Replication ReplicationConfig `yaml:"replication" json:"replication"`
	Sharding    ShardingConfig    `yaml:"sharding" json:"sharding"`
	Collection  CollectionConfig  `yaml:"collection" json:"collection"`
	HNSW        HNSWConfig        `yaml:"hnsw" json:"hnsw"`
	Server      ServerConfig      `yaml:"server" json:"server"`
}

// WALConfig configures write-ahead log checkpointing.
type WALConfig struct {
	// CheckpointThreshold is an op count for checkpointing. It is loaded
	// and validated only: wal.WAL.ShouldCheckpoint does not consult it
	// and decides on file size alone.
	CheckpointThreshold int `yaml:"checkpoint_threshold" json:"checkpoint_threshold"`
	// MaxWALSizeMB is the file-size trigger for checkpointing, in megabytes.
	MaxWALSizeMB int `yaml:"max_wal_size_mb" json:"max_wal_size_mb"`
	// CheckpointInterval is a time-based checkpoint setting. Nothing reads
	// it; the auto-save loop runs on autosave.save_interval.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval" json:"checkpoint_interval"`
}

// AutosaveConfig configures the ticker-driven auto-save/compaction loop.
type AutosaveConfig struct {
	SaveInterval     time.Duration `yaml:"save_interval" json:"save_interval"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval" json:"snapshot_interval"`
	SnapshotRetention int          `yaml:"snapshot_retention" json:"snapshot_retention"`
}

// ReplicationRole is the role a node takes in the master/replica protocol.
type ReplicationRole string

const (
	RoleMaster  ReplicationRole = "master"
	RoleReplica ReplicationRole = "replica"
)

// ReplicationConfig configures the master/replica streaming protocol.
type ReplicationConfig struct {
	Role              ReplicationRole `yaml:"role" json:"role"`
	BindAddress       string          `yaml:"bind_address" json:"bind_address"`
	MasterAddress     string          `yaml:"master_address" json:"master_address"`
	HeartbeatInterval time.Duration   `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	ReplicaTimeout    time.Duration   `yaml:"replica_timeout" json:"replica_timeout"`
	ReconnectInterval time.Duration   `yaml:"reconnect_interval" json:"reconnect_interval"`
	LogSize           int             `yaml:"log_size" json:"log_size"`
}

// ShardingConfig configures the consistent-hash ring used for shard routing.
type ShardingConfig struct {
	VirtualNodesPerShard int `yaml:"virtual_nodes_per_shard" json:"virtual_nodes_per_shard"`
}

// CollectionConfig configures collection-level defaults.
type CollectionConfig struct {
	DefaultQuantization model.QuantizationMode `yaml:"default_quantization" json:"default_quantization"`
	CacheSize           int                    `yaml:"cache_size" json:"cache_size"`
}

// HNSWConfig holds default HNSW index parameters at top level. They are
// loaded and validated, but the daemon does not copy them into any
// collection: each collection.Config carries its own vecindex.Config.
type HNSWConfig struct {
	M               int  `yaml:"m" json:"m"`
	EfConstruction  int  `yaml:"ef_construction" json:"ef_construction"`
	EfSearch        int  `yaml:"ef_search" json:"ef_search"`
	Seed            int64 `yaml:"seed" json:"seed"`
	Parallel        bool `yaml:"parallel" json:"parallel"`
}

// ServerConfig configures the daemon process itself.
type ServerConfig struct {
	DataDir  string `yaml:"data_dir" json:"data_dir"`
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// NewConfig creates a new Config with sensible defaults, per spec.md §6.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		WAL: WALConfig{
			CheckpointThreshold: 1000,
			MaxWALSizeMB:        100,
			CheckpointInterval:  300 * time.Second,
		},
		Autosave: AutosaveConfig{
			SaveInterval:      300 * time.Second,
			SnapshotInterval:  3600 * time.Second,
			SnapshotRetention: 48,
		},
		Replication: ReplicationConfig{
			Role:              RoleMaster,
			HeartbeatInterval: 5 * time.Second,
			ReplicaTimeout:    15 * time.Second,
			ReconnectInterval: 2 * time.Second,
			LogSize:           10000,
		},
		Sharding: ShardingConfig{
			VirtualNodesPerShard: 64,
		},
		Collection: CollectionConfig{
			DefaultQuantization: model.QuantizationNone,
			CacheSize:           1000,
		},
		HNSW: HNSWConfig{
			M:              16,
			EfConstruction: 200,
			EfSearch:       50,
			Seed:           0,
			Parallel:       runtime.NumCPU() > 1,
		},
		Server: ServerConfig{
			DataDir:  defaultDataDir(),
			LogLevel: "info",
		},
	}
}

// defaultDataDir returns the default directory for the daemon's archive, WAL,
// and snapshot files.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".vectorizer", "data")
	}
	return filepath.Join(home, ".vectorizer", "data")
}

// GetUserConfigPath returns the path to the global configuration file,
// following the XDG Base Directory specification:
//   - $XDG_CONFIG_HOME/vectorizer/config.yaml (if set)
//   - ~/.config/vectorizer/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "vectorizer", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "vectorizer", "config.yaml")
	}
	return filepath.Join(home, ".config", "vectorizer", "config.yaml")
}

// UserConfigExists returns true if the global configuration file exists.
func UserConfigExists() bool {
	return fileExists(GetUserConfigPath())
}

// Load loads configuration from the specified directory, in order of
// increasing precedence:
//  1. Hardcoded defaults
//  2. Global config (~/.config/vectorizer/config.yaml)
//  3. Local config (vectorizer.yaml in dir)
//  4. Environment variables (VECTORIZER_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if userCfg, err := loadUserConfig(); err != nil {
		return nil, fmt.Errorf("failed to load user config: %w", err)
	} else if userCfg != nil {
		cfg.mergeWith(userCfg)
	}

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadUserConfig() (*Config, error) {
	configPath := GetUserConfigPath()
	if !fileExists(configPath) {
		return nil, nil
	}

	cfg := NewConfig()
	if err := cfg.loadYAML(configPath); err != nil {
		return nil, fmt.Errorf("failed to load user config from %s: %w", configPath, err)
	}
	return cfg, nil
}

// LoadUserConfig loads the global configuration file.
// Returns nil config and nil error if the file doesn't exist.
func LoadUserConfig() (*Config, error) {
	return loadUserConfig()
}

func (c *Config) loadFromFile(dir string) error {
	yamlPath := filepath.Join(dir, "vectorizer.yaml")
	if _, err := os.Stat(yamlPath); err == nil {
		return c.loadYAML(yamlPath)
	}

	ymlPath := filepath.Join(dir, "vectorizer.yml")
	if _, err := os.Stat(ymlPath); err == nil {
		return c.loadYAML(ymlPath)
	}

	return nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}

	if other.WAL.CheckpointThreshold != 0 {
		c.WAL.CheckpointThreshold = other.WAL.CheckpointThreshold
	}
	if other.WAL.MaxWALSizeMB != 0 {
		c.WAL.MaxWALSizeMB = other.WAL.MaxWALSizeMB
	}
	if other.WAL.CheckpointInterval != 0 {
		c.WAL.CheckpointInterval = other.WAL.CheckpointInterval
	}

	if other.Autosave.SaveInterval != 0 {
		c.Autosave.SaveInterval = other.Autosave.SaveInterval
	}
	if other.Autosave.SnapshotInterval != 0 {
		c.Autosave.SnapshotInterval = other.Autosave.SnapshotInterval
	}
	if other.Autosave.SnapshotRetention != 0 {
		c.Autosave.SnapshotRetention = other.Autosave.SnapshotRetention
	}

	if other.Replication.Role != "" {
		c.Replication.Role = other.Replication.Role
	}
	if other.Replication.BindAddress != "" {
		c.Replication.BindAddress = other.Replication.BindAddress
	}
	if other.Replication.MasterAddress != "" {
		c.Replication.MasterAddress = other.Replication.MasterAddress
	}
	if other.Replication.HeartbeatInterval != 0 {
		c.Replication.HeartbeatInterval = other.Replication.HeartbeatInterval
	}
	if other.Replication.ReplicaTimeout != 0 {
		c.Replication.ReplicaTimeout = other.Replication.ReplicaTimeout
	}
	if other.Replication.ReconnectInterval != 0 {
		c.Replication.ReconnectInterval = other.Replication.ReconnectInterval
	}
	if other.Replication.LogSize != 0 {
		c.Replication.LogSize = other.Replication.LogSize
	}

	if other.Sharding.VirtualNodesPerShard != 0 {
		c.Sharding.VirtualNodesPerShard = other.Sharding.VirtualNodesPerShard
	}

	if other.Collection.DefaultQuantization != "" {
		c.Collection.DefaultQuantization = other.Collection.DefaultQuantization
	}
	if other.Collection.CacheSize != 0 {
		c.Collection.CacheSize = other.Collection.CacheSize
	}

	if other.HNSW.M != 0 {
		c.HNSW.M = other.HNSW.M
	}
	if other.HNSW.EfConstruction != 0 {
		c.HNSW.EfConstruction = other.HNSW.EfConstruction
	}
	if other.HNSW.EfSearch != 0 {
		c.HNSW.EfSearch = other.HNSW.EfSearch
	}
	if other.HNSW.Seed != 0 {
		c.HNSW.Seed = other.HNSW.Seed
	}
	if other.HNSW.Parallel {
		c.HNSW.Parallel = true
	}

	if other.Server.DataDir != "" {
		c.Server.DataDir = other.Server.DataDir
	}
	if other.Server.LogLevel != "" {
		c.Server.LogLevel = other.Server.LogLevel
	}
}

// applyEnvOverrides applies VECTORIZER_* environment variable overrides.
// spec.md §6 states no environment variables are required by the core;
// these are purely a convenience for the daemon entrypoint.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("VECTORIZER_WAL_CHECKPOINT_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.WAL.CheckpointThreshold = n
		}
	}
	if v := os.Getenv("VECTORIZER_REPLICATION_ROLE"); v != "" {
		c.Replication.Role = ReplicationRole(strings.ToLower(v))
	}
	if v := os.Getenv("VECTORIZER_REPLICATION_BIND_ADDRESS"); v != "" {
		c.Replication.BindAddress = v
	}
	if v := os.Getenv("VECTORIZER_REPLICATION_MASTER_ADDRESS"); v != "" {
		c.Replication.MasterAddress = v
	}
	if v := os.Getenv("VECTORIZER_DATA_DIR"); v != "" {
		c.Server.DataDir = v
	}
	if v := os.Getenv("VECTORIZER_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.WAL.CheckpointThreshold <= 0 {
		return fmt.Errorf("wal.checkpoint_threshold must be positive, got %d", c.WAL.CheckpointThreshold)
	}
	if c.WAL.MaxWALSizeMB <= 0 {
		return fmt.Errorf("wal.max_wal_size_mb must be positive, got %d", c.WAL.MaxWALSizeMB)
	}
	if c.Autosave.SnapshotRetention <= 0 {
		return fmt.Errorf("autosave.snapshot_retention must be positive, got %d", c.Autosave.SnapshotRetention)
	}

	switch c.Replication.Role {
	case RoleMaster, RoleReplica:
	default:
		return fmt.Errorf("replication.role must be 'master' or 'replica', got %q", c.Replication.Role)
	}
	if c.Replication.Role == RoleReplica && c.Replication.MasterAddress == "" {
		return fmt.Errorf("replication.master_address is required when replication.role is 'replica'")
	}

	if c.Sharding.VirtualNodesPerShard <= 0 {
		return fmt.Errorf("sharding.virtual_nodes_per_shard must be positive, got %d", c.Sharding.VirtualNodesPerShard)
	}

	switch c.Collection.DefaultQuantization {
	case model.QuantizationNone, model.QuantizationSQ8:
	default:
		return fmt.Errorf("collection.default_quantization must be 'none' or 'sq8', got %q", c.Collection.DefaultQuantization)
	}

	if c.HNSW.M <= 0 {
		return fmt.Errorf("hnsw.m must be positive, got %d", c.HNSW.M)
	}
	if c.HNSW.EfConstruction <= 0 {
		return fmt.Errorf("hnsw.ef_construction must be positive, got %d", c.HNSW.EfConstruction)
	}
	if c.HNSW.EfSearch <= 0 {
		return fmt.Errorf("hnsw.ef_search must be positive, got %d", c.HNSW.EfSearch)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.Server.LogLevel)
	}

	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

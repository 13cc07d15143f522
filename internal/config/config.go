package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kbr-scylla/scylladb-sub001/internal/errors"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable selecting the config file
const EnvConfigPath = "CONFIG_PATH"

// DefaultConfigPath is used when CONFIG_PATH is not set
const DefaultConfigPath = "./config.yaml"

// ServerConfig holds admin server configuration
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Shard           int           `yaml:"shard"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Config represents the complete configuration of the compaction daemon
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	MemTable   MemTableConfig   `yaml:"mem_table"`
	SSTable    SSTableConfig    `yaml:"sstable"`
	Compaction CompactionConfig `yaml:"compaction"`
	Tables     []TableConfig    `yaml:"tables"`
	Disk       DiskConfig       `yaml:"disk"`
	Health     HealthConfig     `yaml:"health"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	DataDir      string  `yaml:"data_dir"`
	MaxDiskUsage float64 `yaml:"max_disk_usage"`
}

// MemTableConfig holds memtable configuration
type MemTableConfig struct {
	FlushThreshold int64         `yaml:"flush_threshold"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
}

// SSTableConfig holds sstable writer configuration
type SSTableConfig struct {
	BloomFilterFP float64 `yaml:"bloom_filter_fp"`
	Compression   string  `yaml:"compression"`
}

// CompactionConfig holds the compaction defaults shared by every table and the
// scheduler settings
type CompactionConfig struct {
	Strategy            string            `yaml:"strategy"`
	Options             map[string]string `yaml:"options"`
	MinThreshold        int               `yaml:"min_threshold"`
	MaxThreshold        int               `yaml:"max_threshold"`
	EnforceMinThreshold *bool             `yaml:"enforce_min_threshold"`
	GCGraceSeconds      int64             `yaml:"gc_grace_seconds"`

	Workers              int           `yaml:"workers"`
	QueueSize            int           `yaml:"queue_size"`
	Interval             time.Duration `yaml:"interval"`
	ThroughputMBPerSec   int64         `yaml:"throughput_mb_per_sec"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `yaml:"retry_max_interval"`
}

// TableConfig names a table and overrides compaction settings for it
type TableConfig struct {
	Name         string            `yaml:"name"`
	Strategy     string            `yaml:"strategy"`
	Options      map[string]string `yaml:"options"`
	MinThreshold int               `yaml:"min_threshold"`
	MaxThreshold int               `yaml:"max_threshold"`
}

// DiskConfig holds disk space thresholds in percent
type DiskConfig struct {
	CheckInterval           time.Duration `yaml:"check_interval"`
	WarningThreshold        float64       `yaml:"warning_threshold"`
	ThrottleThreshold       float64       `yaml:"throttle_threshold"`
	CircuitBreakerThreshold float64       `yaml:"circuit_breaker_threshold"`
}

// HealthConfig holds health check configuration
type HealthConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
	// MaxBacklog marks the node degraded when any table's backlog exceeds it;
	// zero disables the check
	MaxBacklog float64 `yaml:"max_backlog"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Path returns the config file path from CONFIG_PATH or the default
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultConfigPath
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.IOError(fmt.Sprintf("failed to read config file %s", filePath), err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.InvalidArgument("failed to parse config file", err)
	}

	// Set defaults if not specified
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Minute
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/compactiond"
	}
	if cfg.Storage.MaxDiskUsage == 0 {
		cfg.Storage.MaxDiskUsage = 0.9
	}

	if cfg.MemTable.FlushThreshold == 0 {
		cfg.MemTable.FlushThreshold = 64 * 1024 * 1024
	}
	if cfg.MemTable.FlushInterval == 0 {
		cfg.MemTable.FlushInterval = time.Second
	}

	if cfg.SSTable.BloomFilterFP == 0 {
		cfg.SSTable.BloomFilterFP = 0.01
	}
	if cfg.SSTable.Compression == "" {
		cfg.SSTable.Compression = "none"
	}

	c := &cfg.Compaction
	if c.Strategy == "" {
		c.Strategy = "incremental"
	}
	if c.MinThreshold == 0 {
		c.MinThreshold = 4
	}
	if c.MaxThreshold == 0 {
		c.MaxThreshold = 32
	}
	if c.EnforceMinThreshold == nil {
		enforce := true
		c.EnforceMinThreshold = &enforce
	}
	if c.GCGraceSeconds == 0 {
		c.GCGraceSeconds = 864000 // 10 days
	}
	if c.Workers == 0 {
		c.Workers = 2
	}
	if c.QueueSize == 0 {
		c.QueueSize = 64
	}
	if c.Interval == 0 {
		c.Interval = 30 * time.Second
	}
	if c.RetryInitialInterval == 0 {
		c.RetryInitialInterval = time.Second
	}
	if c.RetryMaxInterval == 0 {
		c.RetryMaxInterval = 5 * time.Minute
	}

	if cfg.Disk.CheckInterval == 0 {
		cfg.Disk.CheckInterval = 10 * time.Second
	}
	if cfg.Disk.WarningThreshold == 0 {
		cfg.Disk.WarningThreshold = 80
	}
	if cfg.Disk.ThrottleThreshold == 0 {
		cfg.Disk.ThrottleThreshold = 90
	}
	if cfg.Disk.CircuitBreakerThreshold == 0 {
		cfg.Disk.CircuitBreakerThreshold = 95
	}

	if cfg.Health.CheckInterval == 0 {
		cfg.Health.CheckInterval = 10 * time.Second
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return errors.Configuration("server.node_id", "is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.Configuration("server.port", "must be between 1 and 65535")
	}
	if c.Server.Shard < 0 {
		return errors.Configuration("server.shard", "must not be negative")
	}
	if c.Storage.MaxDiskUsage < 0 || c.Storage.MaxDiskUsage > 1 {
		return errors.Configuration("storage.max_disk_usage", "must be between 0 and 1")
	}
	if c.SSTable.BloomFilterFP <= 0 || c.SSTable.BloomFilterFP >= 1 {
		return errors.Configuration("sstable.bloom_filter_fp", "must be between 0 and 1")
	}
	if c.SSTable.Compression != "none" && c.SSTable.Compression != "zstd" {
		return errors.Configuration("sstable.compression", fmt.Sprintf("unsupported compression %q", c.SSTable.Compression))
	}
	if c.Compaction.MinThreshold < 2 {
		return errors.Configuration("compaction.min_threshold", "must be at least 2")
	}
	if c.Compaction.MaxThreshold < c.Compaction.MinThreshold {
		return errors.Configuration("compaction.max_threshold", "must not be below min_threshold")
	}
	if c.Compaction.GCGraceSeconds < 0 {
		return errors.Configuration("compaction.gc_grace_seconds", "must not be negative")
	}
	if c.Compaction.ThroughputMBPerSec < 0 {
		return errors.Configuration("compaction.throughput_mb_per_sec", "must not be negative")
	}
	if !(c.Disk.WarningThreshold <= c.Disk.ThrottleThreshold && c.Disk.ThrottleThreshold <= c.Disk.CircuitBreakerThreshold) {
		return errors.Configuration("disk", "thresholds must satisfy warning <= throttle <= circuit_breaker")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return errors.Configuration("logging.format", "must be json or console")
	}

	seen := make(map[string]bool, len(c.Tables))
	for i, t := range c.Tables {
		if t.Name == "" {
			return errors.Configuration(fmt.Sprintf("tables[%d].name", i), "is required")
		}
		if t.Name != filepath.Base(t.Name) || t.Name == "." || t.Name == ".." {
			return errors.Configuration(fmt.Sprintf("tables[%d].name", i), "must be a plain directory name")
		}
		if seen[t.Name] {
			return errors.Configuration(fmt.Sprintf("tables[%d].name", i), fmt.Sprintf("duplicate table %q", t.Name))
		}
		seen[t.Name] = true
	}
	return nil
}

// GCGrace returns the tombstone grace period
func (c *CompactionConfig) GCGrace() time.Duration {
	return time.Duration(c.GCGraceSeconds) * time.Second
}

// ThroughputBytesPerSec returns the compaction throughput limit, zero when unlimited
func (c *CompactionConfig) ThroughputBytesPerSec() int64 {
	return c.ThroughputMBPerSec * 1024 * 1024
}

// TableDir returns the directory holding the files of table
func (c *Config) TableDir(table string) string {
	return filepath.Join(c.Storage.DataDir, table)
}

// StrategyFor merges the shared compaction settings with the overrides of t
func (c *Config) StrategyFor(t TableConfig) (strategy string, options map[string]string, minThreshold, maxThreshold int) {
	strategy = c.Compaction.Strategy
	if t.Strategy != "" {
		strategy = t.Strategy
	}
	options = make(map[string]string, len(c.Compaction.Options)+len(t.Options))
	for k, v := range c.Compaction.Options {
		options[k] = v
	}
	for k, v := range t.Options {
		options[k] = v
	}
	minThreshold, maxThreshold = c.Compaction.MinThreshold, c.Compaction.MaxThreshold
	if t.MinThreshold > 0 {
		minThreshold = t.MinThreshold
	}
	if t.MaxThreshold > 0 {
		maxThreshold = t.MaxThreshold
	}
	return strategy, options, minThreshold, maxThreshold
}

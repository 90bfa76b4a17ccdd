package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig identifies this node
type NodeConfig struct {
	ID string `yaml:"id"`
}

// DisksConfig lists the disk paths and how they form erasure sets
type DisksConfig struct {
	Paths       []string `yaml:"paths"`
	SetCount    int      `yaml:"set_count"`
	DisksPerSet int      `yaml:"disks_per_set"`
}

// ErasureConfig holds the coding parameters used for new objects
type ErasureConfig struct {
	DataChunks      int  `yaml:"data_chunks"`
	ParityChunks    int  `yaml:"parity_chunks"`
	InlineThreshold int  `yaml:"inline_threshold"`
	SelfTest        bool `yaml:"self_test"`
}

// HealConfig holds background heal configuration
type HealConfig struct {
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queue_size"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	MaxRetries    uint64        `yaml:"max_retries"`
	RetryBase     time.Duration `yaml:"retry_base"`
}

// DiskManagerConfig holds disk space thresholds
type DiskManagerConfig struct {
	CheckInterval           time.Duration `yaml:"check_interval"`
	WarningThreshold        float64       `yaml:"warning_threshold"`
	ThrottleThreshold       float64       `yaml:"throttle_threshold"`
	CircuitBreakerThreshold float64       `yaml:"circuit_breaker_threshold"`
}

// AdminConfig holds the admin HTTP server configuration
type AdminConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration of a buckets node
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Disks       DisksConfig       `yaml:"disks"`
	Erasure     ErasureConfig     `yaml:"erasure"`
	Heal        HealConfig        `yaml:"heal"`
	DiskManager DiskManagerConfig `yaml:"disk_manager"`
	Admin       AdminConfig       `yaml:"admin"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and environment
// overrides, and validates the result.
func Parse(data []byte) (*Config, error) {
	// The admin server is on unless the file turns it off
	cfg := Config{Admin: AdminConfig{Enabled: true}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnv overrides file values with BUCKETS_* environment variables
func applyEnv(cfg *Config) error {
	if v := os.Getenv("BUCKETS_DISKS"); v != "" {
		var paths []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				paths = append(paths, p)
			}
		}
		cfg.Disks.Paths = paths
	}
	if v := os.Getenv("BUCKETS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BUCKETS_ADMIN_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid BUCKETS_ADMIN_PORT %q: %w", v, err)
		}
		cfg.Admin.Port = port
	}
	return nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Node.ID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Node.ID = host
		}
	}

	if cfg.Disks.SetCount == 0 {
		cfg.Disks.SetCount = 1
	}
	if cfg.Disks.DisksPerSet == 0 && cfg.Disks.SetCount > 0 {
		cfg.Disks.DisksPerSet = len(cfg.Disks.Paths) / cfg.Disks.SetCount
	}

	// Half of each set is parity unless configured otherwise
	if cfg.Erasure.DataChunks == 0 && cfg.Erasure.ParityChunks == 0 && cfg.Disks.DisksPerSet > 1 {
		cfg.Erasure.ParityChunks = cfg.Disks.DisksPerSet / 2
		cfg.Erasure.DataChunks = cfg.Disks.DisksPerSet - cfg.Erasure.ParityChunks
	}
	if cfg.Erasure.InlineThreshold == 0 {
		cfg.Erasure.InlineThreshold = 128 * 1024 // 128KB
	}

	if cfg.Heal.Workers == 0 {
		cfg.Heal.Workers = 4
	}
	if cfg.Heal.QueueSize == 0 {
		cfg.Heal.QueueSize = 1000
	}
	if cfg.Heal.RatePerSecond == 0 {
		cfg.Heal.RatePerSecond = 50
	}
	if cfg.Heal.Burst == 0 {
		cfg.Heal.Burst = 10
	}
	if cfg.Heal.MaxRetries == 0 {
		cfg.Heal.MaxRetries = 3
	}
	if cfg.Heal.RetryBase == 0 {
		cfg.Heal.RetryBase = 100 * time.Millisecond
	}

	if cfg.DiskManager.CheckInterval == 0 {
		cfg.DiskManager.CheckInterval = 10 * time.Second
	}
	if cfg.DiskManager.WarningThreshold == 0 {
		cfg.DiskManager.WarningThreshold = 0.80
	}
	if cfg.DiskManager.ThrottleThreshold == 0 {
		cfg.DiskManager.ThrottleThreshold = 0.90
	}
	if cfg.DiskManager.CircuitBreakerThreshold == 0 {
		cfg.DiskManager.CircuitBreakerThreshold = 0.95
	}

	if cfg.Admin.Port == 0 {
		cfg.Admin.Port = 9090
	}
	if cfg.Admin.ReadTimeout == 0 {
		cfg.Admin.ReadTimeout = 10 * time.Second
	}
	if cfg.Admin.WriteTimeout == 0 {
		cfg.Admin.WriteTimeout = 10 * time.Second
	}
	if cfg.Admin.ShutdownTimeout == 0 {
		cfg.Admin.ShutdownTimeout = 30 * time.Second
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
	if len(c.Disks.Paths) == 0 {
		return fmt.Errorf("disks.paths is required")
	}
	if c.Disks.SetCount < 1 || c.Disks.DisksPerSet < 1 {
		return fmt.Errorf("disks.set_count and disks.disks_per_set must be positive")
	}
	if len(c.Disks.Paths) != c.Disks.SetCount*c.Disks.DisksPerSet {
		return fmt.Errorf("disks.paths has %d entries, %d sets of %d disks need %d",
			len(c.Disks.Paths), c.Disks.SetCount, c.Disks.DisksPerSet, c.Disks.SetCount*c.Disks.DisksPerSet)
	}
	if c.Erasure.DataChunks < 1 || c.Erasure.ParityChunks < 1 {
		return fmt.Errorf("erasure.data_chunks and erasure.parity_chunks must be positive")
	}
	if c.Erasure.DataChunks+c.Erasure.ParityChunks != c.Disks.DisksPerSet {
		return fmt.Errorf("erasure.data_chunks + erasure.parity_chunks must equal disks.disks_per_set (%d)", c.Disks.DisksPerSet)
	}
	if c.Erasure.InlineThreshold < 0 {
		return fmt.Errorf("erasure.inline_threshold must not be negative")
	}
	if c.Heal.RatePerSecond < 0 {
		return fmt.Errorf("heal.rate_per_second must not be negative")
	}
	dm := c.DiskManager
	if dm.WarningThreshold > dm.ThrottleThreshold || dm.ThrottleThreshold > dm.CircuitBreakerThreshold || dm.CircuitBreakerThreshold > 1 {
		return fmt.Errorf("disk_manager thresholds must satisfy warning <= throttle <= circuit_breaker <= 1")
	}
	if c.Admin.Port < 1 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port must be between 1 and 65535")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}
	return nil
}

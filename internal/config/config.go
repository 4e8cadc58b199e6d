package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/devrev/tiersync/internal/model"
	"github.com/devrev/tiersync/internal/validation"
	"gopkg.in/yaml.v3"
)

// Local tier drivers
const (
	LocalDriverFile   = "file"
	LocalDriverPebble = "pebble"
	LocalDriverSQLite = "sqlite"
)

// Cloud tier drivers
const (
	CloudDriverNone     = "none"
	CloudDriverDynamoDB = "dynamodb"
	CloudDriverRedis    = "redis"
	CloudDriverPostgres = "postgres"
)

// Key strategies
const (
	StrategyYearly = "yearly"
	StrategySingle = "single"
)

// SyncConfig holds the sync cadence and I/O bounds
type SyncConfig struct {
	FastInterval    time.Duration `yaml:"fast_interval"`
	CloudInterval   time.Duration `yaml:"cloud_interval"`
	TickInterval    time.Duration `yaml:"tick_interval"`
	IOTimeout       time.Duration `yaml:"io_timeout"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Parallelism     int           `yaml:"parallelism"`
}

// KeysConfig selects the partitioning strategy
type KeysConfig struct {
	Strategy         string `yaml:"strategy"`
	Separator        string `yaml:"separator"`
	IdentifierLength int    `yaml:"identifier_length"`
	StartYear        int    `yaml:"start_year"`
	// SingleKey is the shard key used by the single strategy
	SingleKey string `yaml:"single_key"`
	// DateFields maps entity type to the field holding its date
	DateFields map[string]string `yaml:"date_fields"`
}

// EntityConfig declares one entity type
type EntityConfig struct {
	Required []string `yaml:"required"`
}

// LocalConfig holds the durable local tier configuration
type LocalConfig struct {
	Driver       string `yaml:"driver"`
	Path         string `yaml:"path"`
	CacheEntries int    `yaml:"cache_entries"`
}

// DynamoDBConfig holds DynamoDB settings
type DynamoDBConfig struct {
	Table    string `yaml:"table"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// RedisConfig holds Redis settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// PostgresConfig holds PostgreSQL settings
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// CloudConfig holds the remote tier configuration
type CloudConfig struct {
	Driver       string          `yaml:"driver"`
	CacheEntries int             `yaml:"cache_entries"`
	DynamoDB     *DynamoDBConfig `yaml:"dynamodb"`
	Redis        *RedisConfig    `yaml:"redis"`
	Postgres     *PostgresConfig `yaml:"postgres"`
}

// DiskConfig holds disk guard thresholds for the file driver, in percent
type DiskConfig struct {
	CheckInterval           time.Duration `yaml:"check_interval"`
	WarningThreshold        float64       `yaml:"warning_threshold"`
	ThrottleThreshold       float64       `yaml:"throttle_threshold"`
	CircuitBreakerThreshold float64       `yaml:"circuit_breaker_threshold"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration of a sync engine instance
type Config struct {
	Tenant   model.Tenant            `yaml:"tenant"`
	Sync     SyncConfig              `yaml:"sync"`
	Keys     KeysConfig              `yaml:"keys"`
	Entities map[string]EntityConfig `yaml:"entities"`
	Local    LocalConfig             `yaml:"local"`
	Cloud    CloudConfig             `yaml:"cloud"`
	Disk     DiskConfig              `yaml:"disk"`
	Metrics  MetricsConfig           `yaml:"metrics"`
	Logging  LoggingConfig           `yaml:"logging"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, then applies defaults and TIERSYNC_* overrides
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}
	cfg.Tenant.ID = validation.SanitizeTenantID(cfg.Tenant.ID)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Tenant.Name == "" {
		cfg.Tenant.Name = cfg.Tenant.ID
	}

	if cfg.Sync.FastInterval == 0 {
		cfg.Sync.FastInterval = 5 * time.Second
	}
	if cfg.Sync.CloudInterval == 0 {
		cfg.Sync.CloudInterval = 5 * time.Minute
	}
	if cfg.Sync.TickInterval == 0 {
		cfg.Sync.TickInterval = 100 * time.Millisecond
	}
	if cfg.Sync.IOTimeout == 0 {
		cfg.Sync.IOTimeout = 30 * time.Second
	}
	if cfg.Sync.JobTimeout == 0 {
		cfg.Sync.JobTimeout = 2 * time.Minute
	}
	if cfg.Sync.ShutdownTimeout == 0 {
		cfg.Sync.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Sync.Parallelism == 0 {
		cfg.Sync.Parallelism = 4
	}

	if cfg.Keys.Strategy == "" {
		cfg.Keys.Strategy = StrategyYearly
	}
	if cfg.Keys.Separator == "" {
		cfg.Keys.Separator = "_"
	}
	if cfg.Keys.IdentifierLength == 0 {
		cfg.Keys.IdentifierLength = 12
	}
	if cfg.Keys.StartYear == 0 {
		cfg.Keys.StartYear = 2020
	}
	if cfg.Keys.SingleKey == "" {
		cfg.Keys.SingleKey = "all"
	}

	if cfg.Local.Driver == "" {
		cfg.Local.Driver = LocalDriverFile
	}
	if cfg.Local.Path == "" {
		cfg.Local.Path = "/var/lib/tiersync"
	}
	if cfg.Local.CacheEntries == 0 {
		cfg.Local.CacheEntries = 256
	}

	if cfg.Cloud.Driver == "" {
		cfg.Cloud.Driver = CloudDriverNone
	}
	if cfg.Cloud.CacheEntries == 0 {
		cfg.Cloud.CacheEntries = 64
	}
	if cfg.Cloud.DynamoDB != nil && cfg.Cloud.DynamoDB.Region == "" {
		cfg.Cloud.DynamoDB.Region = "us-east-1"
	}
	if cfg.Cloud.Redis != nil && cfg.Cloud.Redis.Prefix == "" {
		cfg.Cloud.Redis.Prefix = "tiersync:"
	}

	if cfg.Disk.CheckInterval == 0 {
		cfg.Disk.CheckInterval = 10 * time.Second
	}
	if cfg.Disk.WarningThreshold == 0 {
		cfg.Disk.WarningThreshold = 80.0
	}
	if cfg.Disk.ThrottleThreshold == 0 {
		cfg.Disk.ThrottleThreshold = 90.0
	}
	if cfg.Disk.CircuitBreakerThreshold == 0 {
		cfg.Disk.CircuitBreakerThreshold = 95.0
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
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

// applyEnv overrides scalar settings from TIERSYNC_* variables
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup("TIERSYNC_" + name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := lookup("TIERSYNC_" + name)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("TIERSYNC_%s: %w", name, err)
		}
		*dst = d
		return nil
	}

	str("TENANT_ID", &cfg.Tenant.ID)
	str("TENANT_NAME", &cfg.Tenant.Name)
	str("LOCAL_DRIVER", &cfg.Local.Driver)
	str("LOCAL_PATH", &cfg.Local.Path)
	str("CLOUD_DRIVER", &cfg.Cloud.Driver)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)

	if v, ok := lookup("TIERSYNC_METRICS_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TIERSYNC_METRICS_PORT: %w", err)
		}
		cfg.Metrics.Port = port
	}
	if v, ok := lookup("TIERSYNC_METRICS_ENABLED"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TIERSYNC_METRICS_ENABLED: %w", err)
		}
		cfg.Metrics.Enabled = enabled
	}

	for name, dst := range map[string]*time.Duration{
		"FAST_INTERVAL":  &cfg.Sync.FastInterval,
		"CLOUD_INTERVAL": &cfg.Sync.CloudInterval,
		"IO_TIMEOUT":     &cfg.Sync.IOTimeout,
	} {
		if err := dur(name, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Tenant.ID) == "" {
		return fmt.Errorf("tenant.id is required")
	}

	for name, d := range map[string]time.Duration{
		"sync.fast_interval":    c.Sync.FastInterval,
		"sync.cloud_interval":   c.Sync.CloudInterval,
		"sync.tick_interval":    c.Sync.TickInterval,
		"sync.io_timeout":       c.Sync.IOTimeout,
		"sync.job_timeout":      c.Sync.JobTimeout,
		"sync.shutdown_timeout": c.Sync.ShutdownTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Sync.Parallelism < 1 {
		return fmt.Errorf("sync.parallelism must be at least 1")
	}

	switch c.Keys.Strategy {
	case StrategyYearly, StrategySingle:
	default:
		return fmt.Errorf("keys.strategy %q is not one of yearly, single", c.Keys.Strategy)
	}
	if c.Keys.IdentifierLength < 4 {
		return fmt.Errorf("keys.identifier_length must be at least 4")
	}
	if len(c.Entities) == 0 {
		return fmt.Errorf("entities must declare at least one entity type")
	}
	for entityType := range c.Keys.DateFields {
		if _, ok := c.Entities[entityType]; !ok {
			return fmt.Errorf("keys.date_fields references undeclared entity type %q", entityType)
		}
	}

	switch c.Local.Driver {
	case LocalDriverFile, LocalDriverPebble, LocalDriverSQLite:
	default:
		return fmt.Errorf("local.driver %q is not one of file, pebble, sqlite", c.Local.Driver)
	}
	if c.Local.Path == "" {
		return fmt.Errorf("local.path is required")
	}

	switch c.Cloud.Driver {
	case CloudDriverNone:
	case CloudDriverDynamoDB:
		if c.Cloud.DynamoDB == nil || c.Cloud.DynamoDB.Table == "" {
			return fmt.Errorf("cloud.dynamodb.table is required for the dynamodb driver")
		}
	case CloudDriverRedis:
		if c.Cloud.Redis == nil || c.Cloud.Redis.Addr == "" {
			return fmt.Errorf("cloud.redis.addr is required for the redis driver")
		}
	case CloudDriverPostgres:
		if c.Cloud.Postgres == nil || c.Cloud.Postgres.DSN == "" {
			return fmt.Errorf("cloud.postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("cloud.driver %q is not one of none, dynamodb, redis, postgres", c.Cloud.Driver)
	}

	if c.Disk.WarningThreshold > c.Disk.ThrottleThreshold ||
		c.Disk.ThrottleThreshold > c.Disk.CircuitBreakerThreshold ||
		c.Disk.CircuitBreakerThreshold > 100 {
		return fmt.Errorf("disk thresholds must satisfy warning <= throttle <= circuit_breaker <= 100")
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	return nil
}

// HasCloud reports whether a remote tier is configured
func (c *Config) HasCloud() bool {
	return c.Cloud.Driver != CloudDriverNone
}

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Storage      StorageConfig      `yaml:"storage"`
	Segmentation SegmentationConfig `yaml:"segmentation"`
	Analytics    AnalyticsConfig    `yaml:"analytics"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port                   int      `yaml:"port"`
	Host                   string   `yaml:"host"`
	AllowedOrigins         []string `yaml:"allowed_origins"`
	ShutdownTimeoutSeconds int      `yaml:"shutdown_timeout_seconds"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	// Allow override via environment
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// ShutdownTimeout returns the graceful shutdown window.
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// DatabaseConfig holds the PostgreSQL connection settings. An empty URL
// selects the in-memory stores.
type DatabaseConfig struct {
	URL                    string `yaml:"url"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// ConnMaxLifetime returns the pooled connection lifetime.
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMinutes) * time.Minute
}

// RedisConfig holds Redis settings for cross-process refresh locks.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// StorageConfig holds membership publication settings
type StorageConfig struct {
	Type       string `yaml:"type"` // "aws", "local" or "none"
	LocalPath  string `yaml:"local_path"`
	S3Bucket   string `yaml:"s3_bucket"`
	S3Prefix   string `yaml:"s3_prefix"`
	AWSRegion  string `yaml:"aws_region"`
	AWSProfile string `yaml:"aws_profile"` // Empty string uses default credential chain (IAM role on ECS)
}

// GetAWSProfile returns the AWS profile, with environment variable override
func (c StorageConfig) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return "" // Use default credential chain (IAM role)
		}
		return envProfile
	}
	// On ECS/Lambda, don't use a profile - use IAM role
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return c.AWSProfile
}

// SegmentationConfig tunes materialization and the refresh scheduler.
type SegmentationConfig struct {
	Workers               int    `yaml:"workers"`
	PartitionSize         int    `yaml:"partition_size"`
	StaticMemberCap       int    `yaml:"static_member_cap"`
	RefreshUnitSeconds    int    `yaml:"refresh_unit_seconds"`
	ResyncIntervalSeconds int    `yaml:"resync_interval_seconds"`
	LockBackend           string `yaml:"lock_backend"` // "redis", "postgres" or "" for in-process only
	LockTTLSeconds        int    `yaml:"lock_ttl_seconds"`
	CorpusSeedPath        string `yaml:"corpus_seed_path"`
	SchedulerEnabled      *bool  `yaml:"scheduler_enabled"`

	// CreatorRoles may create segments. Empty allows every caller.
	CreatorRoles []string `yaml:"creator_roles"`
}

// RefreshUnit is the duration of one refreshInterval step.
func (c SegmentationConfig) RefreshUnit() time.Duration {
	return time.Duration(c.RefreshUnitSeconds) * time.Second
}

// ResyncInterval is how often scheduler timers are reconciled.
func (c SegmentationConfig) ResyncInterval() time.Duration {
	return time.Duration(c.ResyncIntervalSeconds) * time.Second
}

// LockTTL is the expiry of a Redis refresh lock. The holder renews it while
// a refresh runs, so it only bounds how long a crashed holder blocks others.
func (c SegmentationConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// SchedulerOn reports whether this process runs the refresh scheduler.
func (c SegmentationConfig) SchedulerOn() bool {
	return c.SchedulerEnabled == nil || *c.SchedulerEnabled
}

// AnalyticsConfig points at the campaign analytics service that owns
// segment performance. An empty BaseURL reports zeroed metrics.
type AnalyticsConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// Timeout returns the per-request timeout for analytics calls.
func (c AnalyticsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a configuration with every default applied, for running
// without a config file.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.ShutdownTimeoutSeconds == 0 {
		cfg.Server.ShutdownTimeoutSeconds = 15
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetimeMinutes == 0 {
		cfg.Database.ConnMaxLifetimeMinutes = 5
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "local"
	}
	if cfg.Storage.LocalPath == "" {
		cfg.Storage.LocalPath = "./data"
	}
	if cfg.Storage.S3Prefix == "" {
		cfg.Storage.S3Prefix = "segments"
	}
	if cfg.Storage.AWSRegion == "" {
		cfg.Storage.AWSRegion = "us-west-2"
	}
	if cfg.Segmentation.Workers == 0 {
		cfg.Segmentation.Workers = 4
	}
	if cfg.Segmentation.PartitionSize == 0 {
		cfg.Segmentation.PartitionSize = 1000
	}
	if cfg.Segmentation.StaticMemberCap == 0 {
		cfg.Segmentation.StaticMemberCap = 100
	}
	if cfg.Segmentation.RefreshUnitSeconds == 0 {
		cfg.Segmentation.RefreshUnitSeconds = 3600
	}
	if cfg.Segmentation.ResyncIntervalSeconds == 0 {
		cfg.Segmentation.ResyncIntervalSeconds = 300
	}
	if cfg.Segmentation.LockTTLSeconds == 0 {
		cfg.Segmentation.LockTTLSeconds = 600
	}
	if cfg.Analytics.TimeoutSeconds == 0 {
		cfg.Analytics.TimeoutSeconds = 10
	}
	if cfg.Analytics.MaxRetries == 0 {
		cfg.Analytics.MaxRetries = 3
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS. A
// missing config file falls back to defaults.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if os.IsNotExist(err) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	// Database override (critical for ECS deployment where config.yaml has local defaults)
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Redis.URL = redisURL
		if cfg.Segmentation.LockBackend == "" {
			cfg.Segmentation.LockBackend = "redis"
		}
	}
	if bucket := os.Getenv("SEGMENT_S3_BUCKET"); bucket != "" {
		cfg.Storage.S3Bucket = bucket
		cfg.Storage.Type = "aws"
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.Storage.AWSRegion = region
	}
	if v := os.Getenv("SEGMENT_CREATOR_ROLES"); v != "" {
		cfg.Segmentation.CreatorRoles = strings.Split(v, ",")
	}
	if v := os.Getenv("ANALYTICS_URL"); v != "" {
		cfg.Analytics.BaseURL = v
	}
	if v := os.Getenv("ANALYTICS_API_KEY"); v != "" {
		cfg.Analytics.APIKey = v
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	return cfg, nil
}

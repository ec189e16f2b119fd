package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090
  host: "0.0.0.0"
  allowed_origins: ["https://crm.example.com"]

database:
  url: "postgres://crm@localhost/crm?sslmode=disable"
  max_open_conns: 10

storage:
  type: "aws"
  s3_bucket: "crm-segments"
  aws_region: "eu-north-1"

segmentation:
  workers: 8
  partition_size: 500
  refresh_unit_seconds: 60
  lock_backend: "postgres"
  scheduler_enabled: false

logging:
  level: "debug"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	// Test server config
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, []string{"https://crm.example.com"}, cfg.Server.AllowedOrigins)

	// Test database config
	assert.Equal(t, "postgres://crm@localhost/crm?sslmode=disable", cfg.Database.URL)
	assert.Equal(t, 10, cfg.Database.MaxOpenConns)
	assert.Equal(t, 5, cfg.Database.MaxIdleConns)

	// Test storage config
	assert.Equal(t, "aws", cfg.Storage.Type)
	assert.Equal(t, "crm-segments", cfg.Storage.S3Bucket)
	assert.Equal(t, "eu-north-1", cfg.Storage.AWSRegion)
	assert.Equal(t, "segments", cfg.Storage.S3Prefix)

	// Test segmentation config
	assert.Equal(t, 8, cfg.Segmentation.Workers)
	assert.Equal(t, 500, cfg.Segmentation.PartitionSize)
	assert.Equal(t, time.Minute, cfg.Segmentation.RefreshUnit())
	assert.Equal(t, 5*time.Minute, cfg.Segmentation.ResyncInterval())
	assert.Equal(t, "postgres", cfg.Segmentation.LockBackend)
	assert.False(t, cfg.Segmentation.SchedulerOn())

	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	// Minimal config
	configContent := `
server:
  port: 8080
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout())
	assert.Equal(t, "local", cfg.Storage.Type)
	assert.Equal(t, "./data", cfg.Storage.LocalPath)
	assert.Equal(t, 4, cfg.Segmentation.Workers)
	assert.Equal(t, 100, cfg.Segmentation.StaticMemberCap)
	assert.Equal(t, time.Hour, cfg.Segmentation.RefreshUnit())
	assert.Equal(t, 10*time.Minute, cfg.Segmentation.LockTTL())
	assert.True(t, cfg.Segmentation.SchedulerOn())
	assert.Equal(t, 3, cfg.Analytics.MaxRetries)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadInvalidFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	err := os.WriteFile(configPath, []byte("invalid: yaml: content:"), 0644)
	require.NoError(t, err)

	_, err = Load(configPath)
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://env/crm")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("SEGMENT_S3_BUCKET", "env-bucket")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("ANALYTICS_URL", "http://analytics:9000")
	t.Setenv("SEGMENT_CREATOR_ROLES", "admin,marketer")

	cfg, err := LoadFromEnv(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "postgres://env/crm", cfg.Database.URL)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, "redis", cfg.Segmentation.LockBackend)
	assert.Equal(t, "aws", cfg.Storage.Type)
	assert.Equal(t, "env-bucket", cfg.Storage.S3Bucket)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "http://analytics:9000", cfg.Analytics.BaseURL)
	assert.Equal(t, []string{"admin", "marketer"}, cfg.Segmentation.CreatorRoles)
	assert.Equal(t, 10*time.Second, cfg.Analytics.Timeout())
}

func TestGetAWSProfile(t *testing.T) {
	cfg := StorageConfig{AWSProfile: "crm-dev"}

	t.Setenv("AWS_PROFILE_OVERRIDE", "")
	t.Setenv("ECS_CONTAINER_METADATA_URI", "")
	t.Setenv("AWS_EXECUTION_ENV", "")
	assert.Equal(t, "crm-dev", cfg.GetAWSProfile())

	t.Setenv("AWS_PROFILE_OVERRIDE", "iam")
	assert.Equal(t, "", cfg.GetAWSProfile())

	t.Setenv("AWS_PROFILE_OVERRIDE", "")
	t.Setenv("ECS_CONTAINER_METADATA_URI", "http://169.254.170.2/v3")
	assert.Equal(t, "", cfg.GetAWSProfile())
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load("", "")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 30, cfg.DBMaxConns)
	assert.Equal(t, "content.events", cfg.KafkaTopic)
	assert.False(t, cfg.KafkaEnabled())
	assert.Equal(t, 30*time.Second, cfg.RetryPollInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.OutboxPollInterval)
	assert.Equal(t, 10*time.Minute, cfg.OutboxStaleAfter)
	assert.Equal(t, "@daily", cfg.CleanupSchedule)
	assert.Equal(t, 5, cfg.TestRatePerMinute)
	assert.False(t, cfg.AutoRetryEnabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ADDR", ":9090")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("RETRY_POLL_INTERVAL", "2m")
	t.Setenv("DISPATCH_MAX_CONCURRENCY", "8")
	t.Setenv("CIRCUIT_BREAKER_ENABLED", "true")

	cfg, err := load("", "")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.KafkaEnabled())
	assert.Equal(t, 2*time.Minute, cfg.RetryPollInterval)
	assert.Equal(t, 8, cfg.DispatchMaxConcurrency)
	assert.True(t, cfg.CircuitBreakerEnabled)
}

func TestLoad_FilePrecedence(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "cmshooks.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("kafka_topic: from-yaml\nlog_level: debug\nretry_batch_size: 7\n"), 0o600))

	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("LOG_LEVEL=warn\n"), 0o600))
	require.NoError(t, os.Unsetenv("LOG_LEVEL"))
	t.Cleanup(func() { _ = os.Unsetenv("LOG_LEVEL") })

	t.Setenv("RETRY_BATCH_SIZE", "11")

	cfg, err := load(envPath, yamlPath)
	require.NoError(t, err)

	assert.Equal(t, "from-yaml", cfg.KafkaTopic)
	assert.Equal(t, "warn", cfg.LogLevel, ".env beats the YAML file")
	assert.Equal(t, 11, cfg.RetryBatchSize, "environment beats the YAML file")
}

func TestLoad_MissingDotEnvIsIgnored(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), ".env"), "")
	assert.NoError(t, err)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := load("", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty database url", func(c *Config) { c.DatabaseURL = "" }},
		{"negative concurrency", func(c *Config) { c.DispatchMaxConcurrency = -1 }},
		{"zero poll interval", func(c *Config) { c.OutboxPollInterval = 0 }},
		{"zero batch size", func(c *Config) { c.RetryBatchSize = 0 }},
		{"zero test rate", func(c *Config) { c.TestRatePerMinute = 0 }},
		{"bad schedule", func(c *Config) { c.CleanupSchedule = "every tuesday" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := load("", "")
			require.NoError(t, err)

			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

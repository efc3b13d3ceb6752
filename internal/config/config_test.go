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
	t.Setenv("DOSE_CONFIG", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, ":8080", cfg.Server.Addr())
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "@every 5m", cfg.Monitor.Schedule)
	assert.Equal(t, 250*time.Millisecond, cfg.Outbox.PollInterval)
	assert.Equal(t, 4, cfg.Planner.Concurrency)
	assert.Empty(t, cfg.Security.KeyMap())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DOSE_CONFIG", "")
	t.Setenv("DOSE_SERVER_PORT", "9090")
	t.Setenv("DOSE_KAFKA_BROKERS", "rp-0:9092, rp-1:9092")
	t.Setenv("DOSE_LOG_LEVEL", "debug")
	t.Setenv("DOSE_API_KEY", "secret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"rp-0:9092", "rp-1:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "env-client", cfg.Security.KeyMap()["secret"])
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dose.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
planner:
  concurrency: 8
  location: Europe/Berlin
security:
  api_keys:
    - key: Ab-1
      client: ward-7
monitor:
  schedule: "*/10 * * * *"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Planner.Concurrency)
	assert.Equal(t, "Europe/Berlin", cfg.Planner.Location)
	assert.Equal(t, "ward-7", cfg.Security.KeyMap()["Ab-1"])
	assert.Equal(t, "*/10 * * * *", cfg.Monitor.Schedule)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("DOSE_CONFIG", "")
	base, err := Load("")
	require.NoError(t, err)

	cfg := *base
	cfg.Monitor.Schedule = "every so often"
	assert.ErrorContains(t, cfg.Validate(), "monitor.schedule")

	cfg = *base
	cfg.Planner.Location = "Mars/Olympus"
	assert.ErrorContains(t, cfg.Validate(), "planner.location")

	cfg = *base
	cfg.Tracing.SampleRate = 1.5
	assert.Error(t, cfg.Validate())

	cfg = *base
	cfg.Monitor.Enabled = false
	cfg.Monitor.Schedule = ""
	assert.NoError(t, cfg.Validate())
}

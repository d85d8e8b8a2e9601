package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "crewhub.toml", `
[router]
queue_size = 50
delivery_interval_ms = 20

[registry]
inactive_threshold_minutes = 5

[modes]
default = "auto"

[modes.auto]
scale_up_threshold = 0.9
max_workers_per_type = 4

[server]
addr = "127.0.0.1:9000"
db_path = "journal.db"

[log]
level = "debug"
development = true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, 50, cfg.Router.QueueSize)
	assert.Equal(t, 10, cfg.Router.BatchSize)
	assert.Equal(t, 20*time.Millisecond, cfg.Router.DeliveryInterval())
	assert.Equal(t, 5*time.Minute, cfg.Registry.InactiveThreshold())
	assert.Equal(t, 3, cfg.Registry.DefaultCapacity)
	assert.Equal(t, "auto", cfg.Modes.Default)
	assert.Equal(t, 0.9, cfg.Modes.Auto["scale_up_threshold"])
	assert.Equal(t, int64(4), cfg.Modes.Auto["max_workers_per_type"])
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, "journal.db", cfg.Server.DBPath)
	assert.True(t, cfg.Log.Development)
	assert.Contains(t, cfg.Raw, "router")
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "crewhub.yaml", `
router:
  max_attempts: 5
modes:
  manual:
    max_workers_per_type: 2
agents:
  command: /usr/bin/true
  args: ["--quiet"]
analyzer:
  endpoint: https://llm.internal/v1/responses
  model: planner-small
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Router.MaxAttempts)
	assert.Equal(t, "manual", cfg.Modes.Default)
	assert.Equal(t, 2, cfg.Modes.Manual["max_workers_per_type"])
	assert.Equal(t, "/usr/bin/true", cfg.Agents.Command)
	assert.Equal(t, []string{"--quiet"}, cfg.Agents.Args)
	assert.Equal(t, 5*time.Second, cfg.Agents.HeartbeatInterval())
	assert.Equal(t, ":8092", cfg.Server.Addr)
	assert.Equal(t, "planner-small", cfg.Analyzer.Model)
	assert.Equal(t, time.Minute, cfg.Analyzer.Timeout())
	assert.Equal(t, "CREWHUB_ANALYZER_TOKEN", cfg.Analyzer.AuthTokenEnv)
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestLoadMissingDefaultFileYieldsDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := writeFile(t, "bad.toml", "[router\nqueue_size = ")
	_, err := Load(path)
	assert.Error(t, err)
}

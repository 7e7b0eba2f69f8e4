package appconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendNATS, cfg.Store.Backend)
	assert.Equal(t, "nats://localhost:4222", cfg.Store.NATSURL)
	assert.Equal(t, "8091", cfg.Gateway.Port)
	assert.Equal(t, Duration(time.Hour), cfg.Sweeper.Interval)
	assert.Equal(t, Duration(24*time.Hour), cfg.Sweeper.StaleAfter)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("GATEWAY_PORT", "9000")
	t.Setenv("SWEEP_INTERVAL", "30m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, "9000", cfg.Gateway.Port)
	assert.Equal(t, Duration(30*time.Minute), cfg.Sweeper.Interval)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
log_level: debug
store:
  backend: memory
gateway:
  port: "9100"
sweeper:
  interval: 2h
  stale_after: 48h
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("COTIMER_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, "9100", cfg.Gateway.Port)
	assert.Equal(t, Duration(2*time.Hour), cfg.Sweeper.Interval)
	assert.Equal(t, Duration(48*time.Hour), cfg.Sweeper.StaleAfter)
}

func TestLoadEnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gateway:\n  port: \"9100\"\n"), 0o644))
	t.Setenv("COTIMER_CONFIG", path)
	t.Setenv("GATEWAY_PORT", "9200")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9200", cfg.Gateway.Port)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("STORE_BACKEND", "carrier-pigeon")
	_, err := Load()
	assert.Error(t, err)
}

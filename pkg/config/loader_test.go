package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/a-essam23/go-chatroom/pkg/config"
	"github.com/a-essam23/go-chatroom/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir moves into dir for the duration of the test; viper looks for the file in ".".
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := config.Load(logging.Discard(), "missing")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 15, cfg.Server.Workers)
	assert.Equal(t, 64*1024, cfg.Server.MaxFrameBytes)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.False(t, cfg.Gateway.Enabled)
	assert.Equal(t, 60*time.Second, cfg.Gateway.ReadTimeout)
	assert.Equal(t, "reject", cfg.Gateway.ConnectionLimit.Mode)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	yaml := []byte(`
server:
  address: "127.0.0.1:9999"
  workers: 4
store:
  driver: memory
gateway:
  enabled: true
  connectionLimit:
    maxPerIP: 3
    mode: cycle
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chat.yaml"), yaml, 0o600))
	t.Setenv("GOCHATROOM_LOG_LEVEL", "debug")

	cfg, err := config.Load(logging.Discard(), "chat")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Address)
	assert.Equal(t, 4, cfg.Server.Workers)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.True(t, cfg.Gateway.Enabled)
	assert.Equal(t, 3, cfg.Gateway.ConnectionLimit.MaxPerIP)
	assert.Equal(t, "cycle", cfg.Gateway.ConnectionLimit.Mode)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	base := func() config.Config {
		return config.Config{
			Server: config.ServerConfig{Workers: 2, MaxFrameBytes: 1024, MaxPendingBytes: 4096},
			Store:  config.StoreConfig{Driver: "memory"},
			Gateway: config.GatewayConfig{
				ConnectionLimit: config.ConnectionLimitConfig{Mode: "reject"},
			},
		}
	}

	ok := base()
	require.NoError(t, ok.Validate())

	noWorkers := base()
	noWorkers.Server.Workers = 0
	assert.Error(t, noWorkers.Validate())

	smallPending := base()
	smallPending.Server.MaxPendingBytes = 10
	assert.Error(t, smallPending.Validate())

	badDriver := base()
	badDriver.Store.Driver = "mysql"
	assert.Error(t, badDriver.Validate())

	badMode := base()
	badMode.Gateway.ConnectionLimit.Mode = "drop"
	assert.Error(t, badMode.Validate())
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/uhdlab/embygate/pkg/types"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 8096, cfg.Server.Port)
	require.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr())
	require.Equal(t, 30*time.Second, cfg.Agent.ConfigPullInterval)
	require.Equal(t, 300*time.Second, cfg.Agent.QuotaSyncInterval)
	require.Equal(t, "json", cfg.Logging.Format)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("UHDADMIN_URL", "https://admin.example.com")
	t.Setenv("APP_TOKEN", "secret-token")
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("GATEWAY_PORT", "9000")
	t.Setenv("WORKER_ID", "2")
	t.Setenv("CONFIG_PULL_INTERVAL", "15")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := FromEnv()
	require.Equal(t, "https://admin.example.com", cfg.ControlPlane.BaseURL)
	require.Equal(t, "secret-token", cfg.ControlPlane.AppToken)
	require.Equal(t, "redis.internal:6380", cfg.Redis.Addr())
	require.Equal(t, 3, cfg.Redis.DB)
	require.Equal(t, 9000, cfg.Server.Port)
	require.Equal(t, 2, cfg.Server.WorkerID)
	require.Equal(t, 15*time.Second, cfg.Agent.ConfigPullInterval)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestFromEnvIgnoresBadValues(t *testing.T) {
	t.Setenv("REDIS_PORT", "not-a-number")
	t.Setenv("CONFIG_PULL_INTERVAL", "-5")

	cfg := FromEnv()
	require.Equal(t, 6379, cfg.Redis.Port)
	require.Equal(t, 30*time.Second, cfg.Agent.ConfigPullInterval)
}

func TestLoadFromFileExpandsEnv(t *testing.T) {
	t.Setenv("APP_TOKEN", "from-env")

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	content := `
server:
  port: 9096
control_plane:
  base_url: https://admin.example.com
  app_token: ${APP_TOKEN}
redis:
  host: redis.file
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, 9096, cfg.Server.Port)
	require.Equal(t, "from-env", cfg.ControlPlane.AppToken)
	require.Equal(t, "redis.file", cfg.Redis.Host)
	// Untouched sections keep their defaults.
	require.Equal(t, 6379, cfg.Redis.Port)
}

func TestLoadFromFileErrors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o600))
	_, err = LoadFromFile(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.True(t, errors.Is(cfg.Validate(), ErrMissingAdminURL))

	cfg.ControlPlane.BaseURL = "https://admin.example.com"
	require.True(t, errors.Is(cfg.Validate(), ErrMissingAppToken))

	cfg.ControlPlane.AppToken = "tok"
	require.NoError(t, cfg.Validate())

	cfg.Server.Port = 0
	require.Error(t, cfg.Validate())
}

func TestSnapshotHolder(t *testing.T) {
	h := NewSnapshotHolder()
	require.Nil(t, h.Get())
	require.Zero(t, h.Version())

	h.Replace(&types.Snapshot{Version: 3})
	require.Equal(t, int64(3), h.Version())
	require.Equal(t, int64(3), h.Get().Version)

	// Replace swaps the whole value.
	h.Replace(&types.Snapshot{Version: 4, Policy: types.PolicyConfig{MaxStreams: 2}})
	snap := h.Get()
	require.Equal(t, int64(4), snap.Version)
	require.Equal(t, 2, snap.Policy.MaxStreams)
}

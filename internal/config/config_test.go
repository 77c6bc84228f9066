package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoadFromDefaults(t *testing.T) {
	cfg, err := LoadFrom(viper.New(), filepath.Join(t.TempDir(), "missing.yml"))
	require.NoError(t, err)

	require.Equal(t, "8080", cfg.Server.Port)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, 15, cfg.Payment.ExpireMinutes)
	require.Equal(t, 3*time.Second, cfg.Payment.CallbackTimeout())
	require.Equal(t, time.Second, cfg.Retry.BaseDelay())
	require.Equal(t, 3, cfg.Retry.MaxRetries)
	require.Equal(t, []string{"WECHAT", "ALIPAY"}, cfg.Reconcile.Channels)
	require.True(t, cfg.Channels.Points.Enabled)
	require.False(t, cfg.Channels.Wechat.Enabled)
	require.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yml")
	content := []byte(`
payment:
  expire_minutes: 30
retry:
  base_delay_ms: 250
channels:
  wechat:
    enabled: true
    ip_allow_list: ["10.0.0.0/8"]
    status_table:
      SUCCESS: PAID
`)
	require.NoError(t, os.WriteFile(file, content, 0o600))
	t.Setenv("RETRY_MAX_RETRIES", "5")

	cfg, err := LoadFrom(viper.New(), file)
	require.NoError(t, err)
	require.Equal(t, 30, cfg.Payment.ExpireMinutes)
	require.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay())
	require.Equal(t, 5, cfg.Retry.MaxRetries)
	require.True(t, cfg.Channels.Wechat.Enabled)
	require.Equal(t, []string{"10.0.0.0/8"}, cfg.Channels.Wechat.IPAllowList)
	require.Equal(t, "PAID", cfg.Channels.Wechat.StatusTable["success"])
}

func TestSeconds(t *testing.T) {
	require.Equal(t, 7*time.Second, Seconds(7, 1))
	require.Equal(t, time.Second, Seconds(0, 1))
	require.Equal(t, time.Second, Seconds(-3, 1))
}

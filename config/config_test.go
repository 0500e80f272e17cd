package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// 🧪 配置加载测试
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 45*time.Minute, cfg.Generate.WallClock)
	assert.Equal(t, 10*time.Minute, cfg.Browser.IdleTimeout)
	assert.Equal(t, 2*time.Hour, cfg.Task.MaxAge)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Browser.Headless)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  http_port: 9090
  metrics_port: 9091
platforms:
  jimeng:
    credential: "sessionid=abc123"
generate:
  wall_clock: 30m
browser:
  headless: false
`), 0o600))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.HTTPPort)
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, "sessionid=abc123", cfg.Platforms.Jimeng.Credential)
	assert.Equal(t, 30*time.Minute, cfg.Generate.WallClock)
	assert.False(t, cfg.Browser.Headless)

	// 未覆盖的字段保持默认值
	assert.Equal(t, 3*time.Second, cfg.Generate.PollInterval)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 9090\n"), 0o600))

	t.Setenv("SEEDANCE_SERVER_HTTP_PORT", "7070")
	t.Setenv("SEEDANCE_PLATFORMS_DREAMINA_CREDENTIAL", "sid_guard=xyz")
	t.Setenv("SEEDANCE_GENERATE_WARMUP_DELAY", "1s")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.HTTPPort)
	assert.Equal(t, "sid_guard=xyz", cfg.Platforms.Dreamina.Credential)
	assert.Equal(t, time.Second, cfg.Generate.WarmupDelay)
}

func TestLoader_ValidatorRejects(t *testing.T) {
	t.Setenv("SEEDANCE_SERVER_HTTP_PORT", "-1")

	_, err := NewLoader().WithValidator((*Config).Validate).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid HTTP port")
}

func TestConfig_FallbackCredential(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Platforms.Jimeng.Credential = "tok-a"
	cfg.Platforms.Dreamina.Credential = "tok-b"

	assert.Equal(t, "tok-a", cfg.Platforms.FallbackCredential("jimeng"))
	assert.Equal(t, "tok-b", cfg.Platforms.FallbackCredential("dreamina"))
	assert.Empty(t, cfg.Platforms.FallbackCredential("unknown"))
}

func TestConfig_ValidateOrderedPollIntervals(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Generate.PollMaxInterval = time.Second
	cfg.Generate.PollInterval = 5 * time.Second

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll intervals")
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, "us-east-1", cfg.Region)
	require.Equal(t, 60, cfg.TokenRefreshThreshold)
	require.Equal(t, 0.5, cfg.TokenMinSuccessRate)
	require.Equal(t, "score_based", cfg.TokenAllocationStrategy)
	require.Equal(t, 300, cfg.TokenHealthCheckInterval)
	require.Equal(t, "memory", cfg.StorageBackend)
	require.False(t, cfg.SelfUseMode)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kirogate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 9090
region: eu-west-1
token_allocation_strategy: round_robin
token_min_success_rate: 0.7
self_use_mode: true
storage_backend: redis
redis_addr: "redis:6379"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Port)
	require.Equal(t, "eu-west-1", cfg.Region)
	require.Equal(t, "round_robin", cfg.TokenAllocationStrategy)
	require.Equal(t, 0.7, cfg.TokenMinSuccessRate)
	require.True(t, cfg.SelfUseMode)
	require.Equal(t, "redis", cfg.StorageBackend)
	require.Equal(t, "redis:6379", cfg.RedisAddr)
	// Untouched keys keep defaults.
	require.Equal(t, 60, cfg.TokenRefreshThreshold)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kirogate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9090\nregion: eu-west-1\n"), 0o644))

	t.Setenv("KIRO_PORT", "7070")
	t.Setenv("KIRO_TOKEN_ALLOCATION_STRATEGY", "sequential")
	t.Setenv("KIRO_SELF_USE_MODE", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Port)
	require.Equal(t, "eu-west-1", cfg.Region)
	require.Equal(t, "sequential", cfg.TokenAllocationStrategy)
	require.True(t, cfg.SelfUseMode)
}

func TestLoadMissingFileIsFine(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Port)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Port = 0 }},
		{"bad rate", func(c *Config) { c.TokenMinSuccessRate = 1.5 }},
		{"bad strategy", func(c *Config) { c.TokenAllocationStrategy = "random" }},
		{"bad backend", func(c *Config) { c.StorageBackend = "sqlite" }},
		{"postgres without dsn", func(c *Config) { c.StorageBackend = "postgres" }},
		{"mongo without uri", func(c *Config) { c.StorageBackend = "mongodb" }},
		{"negative interval", func(c *Config) { c.TokenHealthCheckInterval = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLoadRejectsInvalidYAMLValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kirogate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("token_allocation_strategy: roulette\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

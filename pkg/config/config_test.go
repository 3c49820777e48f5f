package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns env value when set",
			key:          "VCBOARD_TEST_VAR",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when env not set",
			key:          "VCBOARD_TEST_VAR_NOT_SET",
			defaultValue: "default",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}
			assert.Equal(t, tt.want, getEnv(tt.key, tt.defaultValue))
		})
	}
}

func TestGetEnvTyped(t *testing.T) {
	t.Setenv("VCBOARD_TEST_BOOL", "1")
	t.Setenv("VCBOARD_TEST_INT", "42")
	t.Setenv("VCBOARD_TEST_BAD_INT", "forty-two")
	t.Setenv("VCBOARD_TEST_DURATION", "90s")
	t.Setenv("VCBOARD_TEST_BAD_DURATION", "soon")

	assert.True(t, getEnvBool("VCBOARD_TEST_BOOL", false))
	assert.False(t, getEnvBool("VCBOARD_TEST_BOOL_UNSET", false))
	assert.Equal(t, 42, getEnvInt("VCBOARD_TEST_INT", 0))
	assert.Equal(t, 7, getEnvInt("VCBOARD_TEST_BAD_INT", 7))
	assert.Equal(t, int64(42), getEnvInt64("VCBOARD_TEST_INT", 0))
	assert.Equal(t, 90*time.Second, getEnvDuration("VCBOARD_TEST_DURATION", 0))
	assert.Equal(t, time.Minute, getEnvDuration("VCBOARD_TEST_BAD_DURATION", time.Minute))
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("VCBOARD_DATABASE_URL", "postgres://localhost/vcboard")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "X-Forum-User", cfg.Server.UserHeader)
	assert.Equal(t, CacheBackendMemory, cfg.Cache.Backend)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL)
	assert.True(t, cfg.Permissions.DefaultViewForum)
	assert.True(t, cfg.Permissions.DefaultViewForumHome)
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vcboard.yaml")
	content := `
server:
  port: "8000"
database:
  url: postgres://file/vcboard
cache:
  backend: redis
  ttl: 2m
  prune_schedule: "*/5 * * * *"
permissions:
  default_view_forum: false
observability:
  log_level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("VCBOARD_CONFIG_FILE", path)
	t.Setenv("VCBOARD_PORT", "8001")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8001", cfg.Server.Port, "env wins over file")
	assert.Equal(t, "postgres://file/vcboard", cfg.Database.URL)
	assert.Equal(t, CacheBackendRedis, cfg.Cache.Backend)
	assert.Equal(t, 2*time.Minute, cfg.Cache.TTL)
	assert.False(t, cfg.Permissions.DefaultViewForum)
	assert.True(t, cfg.Permissions.DefaultViewForumHome, "unset keys keep defaults")
	assert.Equal(t, "debug", cfg.Observability.LogLevel)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	t.Setenv("VCBOARD_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Database.URL = "postgres://localhost/vcboard"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing database", func(c *Config) { c.Database.URL = "" }, "database URL is required"},
		{"same ports", func(c *Config) { c.Server.HealthPort = c.Server.Port }, "must be different"},
		{"bad backend", func(c *Config) { c.Cache.Backend = "memcached" }, "invalid cache backend"},
		{"bad schedule", func(c *Config) {
			c.Cache.Backend = CacheBackendRedis
			c.Cache.PruneSchedule = "whenever"
		}, "invalid cache prune schedule"},
		{"zero ttl", func(c *Config) { c.Cache.TTL = 0 }, "cache TTL must be positive"},
		{"no cache needs no ttl", func(c *Config) {
			c.Cache.Backend = CacheBackendNone
			c.Cache.TTL = 0
		}, ""},
		{"bad log format", func(c *Config) { c.Observability.LogFormat = "xml" }, "invalid log format"},
		{"tracing without endpoint", func(c *Config) {
			c.Observability.TracingEnabled = true
			c.Observability.TracingEndpoint = ""
		}, "tracing endpoint is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

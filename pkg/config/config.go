package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Cache         CacheConfig         `yaml:"cache"`
	Forums        ForumsConfig        `yaml:"forums"`
	Permissions   PermissionsConfig   `yaml:"permissions"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`

	// Header set by the upstream authenticating proxy
	UserHeader string `yaml:"user_header"`
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// Cache backends
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
	CacheBackendNone   = "none"
)

// CacheConfig holds permission cache settings
type CacheConfig struct {
	Backend       string        `yaml:"backend"`
	TTL           time.Duration `yaml:"ttl"`
	Size          int           `yaml:"size"`
	RedisURL      string        `yaml:"redis_url"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	RedisPoolSize int           `yaml:"redis_pool_size"`
	RedisPrefix   string        `yaml:"redis_prefix"`
	PruneSchedule string        `yaml:"prune_schedule"`
}

// ForumsConfig holds forum tree settings
type ForumsConfig struct {
	PathCacheSize  int           `yaml:"path_cache_size"`
	PathCacheTTL   time.Duration `yaml:"path_cache_ttl"`
	ThreadsPerPage int           `yaml:"threads_per_page"`
}

// PermissionsConfig holds the fallbacks applied to identified users when no
// scope sets a visibility permission
type PermissionsConfig struct {
	DefaultViewForumHome bool `yaml:"default_view_forum_home"`
	DefaultViewForum     bool `yaml:"default_view_forum"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`

	// OTLP gRPC export of traces and metrics
	TracingEnabled  bool   `yaml:"tracing_enabled"`
	TracingEndpoint string `yaml:"tracing_endpoint"`
	TracingInsecure bool   `yaml:"tracing_insecure"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
			HealthPort:      "9090",
			UserHeader:      "X-Forum-User",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			AutoMigrate:     true,
		},
		Cache: CacheConfig{
			Backend:       CacheBackendMemory,
			TTL:           10 * time.Minute,
			Size:          10000,
			RedisURL:      "redis://localhost:6379/0",
			RedisPrefix:   "vcboard:perms:",
			PruneSchedule: "@every 15m",
		},
		Forums: ForumsConfig{
			PathCacheSize:  1024,
			PathCacheTTL:   5 * time.Minute,
			ThreadsPerPage: 25,
		},
		Permissions: PermissionsConfig{
			DefaultViewForumHome: true,
			DefaultViewForum:     true,
		},
		Observability: ObservabilityConfig{
			LogLevel:        "info",
			LogFormat:       "json",
			MetricsEnabled:  true,
			TracingEndpoint: "localhost:4317",
			TracingInsecure: true,
		},
	}
}

// LoadConfig builds the configuration from defaults, the optional YAML file
// named by VCBOARD_CONFIG_FILE, and VCBOARD_* environment variables, in that
// order of increasing precedence.
func LoadConfig() (*Config, error) {
	return LoadFile(os.Getenv(ConfigFileEnv))
}

// ConfigFileEnv names the environment variable holding the config file path
const ConfigFileEnv = "VCBOARD_CONFIG_FILE"

// LoadFile is LoadConfig with an explicit file path. An empty path skips the file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	s := &c.Server
	s.Host = getEnv("VCBOARD_HOST", s.Host)
	s.Port = getEnv("VCBOARD_PORT", s.Port)
	s.ReadTimeout = getEnvDuration("VCBOARD_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("VCBOARD_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("VCBOARD_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("VCBOARD_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.MaxBodyBytes = getEnvInt64("VCBOARD_MAX_BODY_BYTES", s.MaxBodyBytes)
	s.HealthPort = getEnv("VCBOARD_HEALTH_PORT", s.HealthPort)
	s.UserHeader = getEnv("VCBOARD_USER_HEADER", s.UserHeader)

	d := &c.Database
	d.URL = getEnv("VCBOARD_DATABASE_URL", d.URL)
	d.MaxOpenConns = getEnvInt("VCBOARD_DATABASE_MAX_OPEN_CONNS", d.MaxOpenConns)
	d.MaxIdleConns = getEnvInt("VCBOARD_DATABASE_MAX_IDLE_CONNS", d.MaxIdleConns)
	d.ConnMaxLifetime = getEnvDuration("VCBOARD_DATABASE_CONN_MAX_LIFETIME", d.ConnMaxLifetime)
	d.AutoMigrate = getEnvBool("VCBOARD_DATABASE_AUTO_MIGRATE", d.AutoMigrate)

	k := &c.Cache
	k.Backend = strings.ToLower(getEnv("VCBOARD_CACHE_BACKEND", k.Backend))
	k.TTL = getEnvDuration("VCBOARD_CACHE_TTL", k.TTL)
	k.Size = getEnvInt("VCBOARD_CACHE_SIZE", k.Size)
	k.RedisURL = getEnv("VCBOARD_REDIS_URL", k.RedisURL)
	k.RedisPassword = getEnv("VCBOARD_REDIS_PASSWORD", k.RedisPassword)
	k.RedisDB = getEnvInt("VCBOARD_REDIS_DB", k.RedisDB)
	k.RedisPoolSize = getEnvInt("VCBOARD_REDIS_POOL_SIZE", k.RedisPoolSize)
	k.RedisPrefix = getEnv("VCBOARD_REDIS_PREFIX", k.RedisPrefix)
	k.PruneSchedule = getEnv("VCBOARD_CACHE_PRUNE_SCHEDULE", k.PruneSchedule)

	f := &c.Forums
	f.PathCacheSize = getEnvInt("VCBOARD_FORUM_PATH_CACHE_SIZE", f.PathCacheSize)
	f.PathCacheTTL = getEnvDuration("VCBOARD_FORUM_PATH_CACHE_TTL", f.PathCacheTTL)
	f.ThreadsPerPage = getEnvInt("VCBOARD_THREADS_PER_PAGE", f.ThreadsPerPage)

	p := &c.Permissions
	p.DefaultViewForumHome = getEnvBool("VCBOARD_DEFAULT_VIEW_FORUM_HOME", p.DefaultViewForumHome)
	p.DefaultViewForum = getEnvBool("VCBOARD_DEFAULT_VIEW_FORUM", p.DefaultViewForum)

	o := &c.Observability
	o.LogLevel = getEnv("VCBOARD_LOG_LEVEL", o.LogLevel)
	o.LogFormat = getEnv("VCBOARD_LOG_FORMAT", o.LogFormat)
	o.MetricsEnabled = getEnvBool("VCBOARD_METRICS_ENABLED", o.MetricsEnabled)
	o.TracingEnabled = getEnvBool("VCBOARD_TRACING_ENABLED", o.TracingEnabled)
	o.TracingEndpoint = getEnv("VCBOARD_TRACING_ENDPOINT", o.TracingEndpoint)
	o.TracingInsecure = getEnvBool("VCBOARD_TRACING_INSECURE", o.TracingInsecure)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Server.UserHeader == "" {
		return fmt.Errorf("user header is required")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}

	switch c.Cache.Backend {
	case CacheBackendMemory:
		if c.Cache.Size <= 0 {
			return fmt.Errorf("cache size must be positive for the memory backend")
		}
	case CacheBackendRedis:
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("redis URL is required for the redis cache backend")
		}
		if c.Cache.PruneSchedule != "" {
			if _, err := cron.ParseStandard(c.Cache.PruneSchedule); err != nil {
				return fmt.Errorf("invalid cache prune schedule %q: %w", c.Cache.PruneSchedule, err)
			}
		}
	case CacheBackendNone:
	default:
		return fmt.Errorf("invalid cache backend: %s (must be memory, redis, or none)", c.Cache.Backend)
	}
	if c.Cache.Backend != CacheBackendNone && c.Cache.TTL <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}

	if c.Forums.ThreadsPerPage <= 0 {
		return fmt.Errorf("threads per page must be positive")
	}

	switch c.Observability.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Observability.LogFormat)
	}
	if c.Observability.TracingEnabled && c.Observability.TracingEndpoint == "" {
		return fmt.Errorf("tracing endpoint is required when tracing is enabled")
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Package config loads the vcboard configuration.
//
// Values come from built-in defaults, then an optional YAML file named by
// VCBOARD_CONFIG_FILE, then environment variables:
//
//	VCBOARD_PORT="8080"
//	VCBOARD_HEALTH_PORT="9090"
//	VCBOARD_DATABASE_URL="postgres://vcboard@localhost/vcboard?sslmode=disable"
//	VCBOARD_CACHE_BACKEND="redis"          # memory, redis, none
//	VCBOARD_CACHE_TTL="10m"
//	VCBOARD_REDIS_URL="redis://localhost:6379/0"
//	VCBOARD_CACHE_PRUNE_SCHEDULE="@every 15m"
//	VCBOARD_DEFAULT_VIEW_FORUM="true"
//	VCBOARD_LOG_LEVEL="debug"
//	VCBOARD_TRACING_ENABLED="true"
//	VCBOARD_TRACING_ENDPOINT="otel-collector:4317"
//
// The YAML file uses the same sections:
//
//	server:
//	  port: "8080"
//	cache:
//	  backend: memory
//	  ttl: 5m
//	permissions:
//	  default_view_forum: false
//
// WatchFile reloads the file when it changes on disk.
package config

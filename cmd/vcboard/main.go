package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/platinummonkey/vcboard/pkg/config"
	"github.com/platinummonkey/vcboard/pkg/forums"
	"github.com/platinummonkey/vcboard/pkg/httputil"
	"github.com/platinummonkey/vcboard/pkg/observability"
	"github.com/platinummonkey/vcboard/pkg/permissions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
	if err != nil {
		logrus.Fatalf("Failed to create logger: %v", err)
	}
	logger.WithField("version", version).Info("starting vcboard")

	ctx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()

	tracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:        cfg.Observability.TracingEnabled,
		Endpoint:       cfg.Observability.TracingEndpoint,
		ServiceName:    "vcboard",
		ServiceVersion: version,
		Insecure:       cfg.Observability.TracingInsecure,
	}, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize tracing: %v", err)
	}

	// Database
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	if cfg.Database.AutoMigrate {
		if err := forums.RunMigrations(ctx, db, logger); err != nil {
			logger.Fatalf("Failed to migrate forums: %v", err)
		}
		if err := permissions.RunMigrations(ctx, db, logger); err != nil {
			logger.Fatalf("Failed to migrate permissions: %v", err)
		}
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	httpMetrics := observability.NewMetrics(registry)
	permMetrics := permissions.NewMetrics(registry)

	// Permission cache
	var (
		cache      permissions.Cache
		redisCache *permissions.RedisCache
		rdb        *redis.Client
	)
	switch cfg.Cache.Backend {
	case config.CacheBackendMemory:
		cache = permissions.NewMemoryCache(cfg.Cache.Size, cfg.Cache.TTL)
	case config.CacheBackendRedis:
		rdb, err = permissions.NewRedisClient(ctx, permissions.RedisOptions{
			URL:      cfg.Cache.RedisURL,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
			PoolSize: cfg.Cache.RedisPoolSize,
		})
		if err != nil {
			logger.Fatalf("Failed to connect to redis: %v", err)
		}
		redisCache = permissions.NewRedisCache(rdb, cfg.Cache.RedisPrefix, cfg.Cache.TTL)
		cache = redisCache
	case config.CacheBackendNone:
		logger.Warn("permission cache disabled")
	}
	logger.WithField("backend", cfg.Cache.Backend).Info("permission cache configured")

	// Stores and services
	forumStore := forums.NewStore(db, cfg.Forums.PathCacheSize, cfg.Forums.PathCacheTTL)
	watchStore := forums.NewWatchStore(db, forumStore)
	permRegistry := permissions.DefaultRegistry()
	overrideStore := permissions.NewStore(db, forumStore, permRegistry)
	rankStore := permissions.NewRankStore(db)
	subjectStore := permissions.NewSubjectStore(db)

	defaults := permissions.NewDefaults(permRegistry, map[permissions.Key]bool{
		permissions.ViewForumHome: cfg.Permissions.DefaultViewForumHome,
		permissions.ViewForum:     cfg.Permissions.DefaultViewForum,
	})
	resolver := permissions.NewResolver(overrideStore, forumStore, rankStore, permRegistry, defaults)
	service := permissions.NewService(resolver, cache, cfg.Cache.TTL, logger, permMetrics)
	editor := permissions.NewEditor(overrideStore, service, forumStore, permRegistry, logger, permMetrics)
	gate := permissions.NewGate(service, forumStore, logger)

	// Router
	router := mux.NewRouter()
	router.Use(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		httputil.RecoveryMiddleware(logger),
		httputil.MaxBytesMiddleware(cfg.Server.MaxBodyBytes),
		observability.HTTPMetricsMiddleware(httpMetrics),
		permissions.IdentityMiddleware(subjectStore, cfg.Server.UserHeader, logger),
	)

	// permission routes first: the forum by-path route would also match
	// ".../permissions"
	permissions.NewHandlers(service, editor, overrideStore, rankStore, subjectStore, forumStore, logger).
		RegisterRoutes(router)
	userID := func(r *http.Request) int64 {
		return permissions.SubjectFrom(r.Context()).UserID
	}
	forums.NewHandlers(forumStore, watchStore, userID, cfg.Forums.ThreadsPerPage, logger).
		RegisterRoutes(router, gate.RequirePermission(permissions.ViewForum), permissions.RequireStaff)

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(router, "vcboard"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics on their own port
	healthMux := http.NewServeMux()
	probes := []observability.Probe{
		{Name: "database", Pinger: observability.DatabasePinger(db), Required: true},
		{Name: "forums", Pinger: forumStore, Required: true},
	}
	if redisCache != nil {
		probes = append(probes, observability.Probe{Name: "permission_cache", Pinger: redisCache})
	}
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(version, probes...))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:      healthMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	// Scheduled jobs
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 30s", func() {
		defer observability.RecoverPanic(logger, "pool stats")
		httpMetrics.RecordPoolStats(db, rdb)
	}); err != nil {
		logger.Fatalf("Failed to schedule pool stats: %v", err)
	}
	if redisCache != nil && cfg.Cache.PruneSchedule != "" {
		if _, err := scheduler.AddFunc(cfg.Cache.PruneSchedule, func() {
			defer observability.RecoverPanic(logger, "cache prune")
			pruneCache(logger, redisCache)
		}); err != nil {
			logger.Fatalf("Failed to schedule cache prune: %v", err)
		}
	}
	scheduler.Start()

	// Only the log level is applied live; other settings need a restart
	if path := os.Getenv(config.ConfigFileEnv); path != "" {
		go func() {
			err := config.WatchFile(ctx, path, logger, func(next *config.Config) {
				level, err := logrus.ParseLevel(next.Observability.LogLevel)
				if err != nil {
					logger.WithError(err).Warn("ignoring invalid log level")
					return
				}
				logger.SetLevel(level)
			})
			if err != nil {
				logger.WithError(err).Error("config watcher stopped")
			}
		}()
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, server, healthServer)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		stopWatch()
		return tracing.Shutdown(ctx)
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return db.Close()
	})
	if rdb != nil {
		shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
			return rdb.Close()
		})
	}
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		stopped := scheduler.Stop()
		select {
		case <-stopped.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	go serve(logger, "health", healthServer)
	go serve(logger, "api", server)

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.Errorf("Shutdown finished with errors: %v", err)
		os.Exit(1)
	}
	logger.Info("vcboard stopped")
}

func serve(logger logrus.FieldLogger, name string, server *http.Server) {
	logger.WithFields(logrus.Fields{
		"server": name,
		"addr":   server.Addr,
	}).Info("listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("%s server failed: %v", name, err)
	}
}

func pruneCache(logger logrus.FieldLogger, cache *permissions.RedisCache) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	removed, err := cache.Prune(ctx)
	if err != nil {
		logger.WithError(err).Error("permission cache prune failed")
		return
	}
	logger.WithField("removed", removed).Debug("permission cache pruned")
}

package permissions

import (
	"context"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("github.com/platinummonkey/vcboard/pkg/permissions")

// DefaultCacheTTL bounds how long a resolved set may be served without invalidation
const DefaultCacheTTL = 10 * time.Minute

// Service is the cached entry point to the resolver. The cache is an
// optimisation only: any cache failure falls back to a direct resolve whose
// result is not stored.
type Service struct {
	resolver *Resolver
	cache    Cache
	ttl      time.Duration
	logger   logrus.FieldLogger
	metrics  *Metrics
	group    singleflight.Group
}

// NewService creates a service. cache may be nil to disable caching.
func NewService(resolver *Resolver, cache Cache, ttl time.Duration, logger logrus.FieldLogger, metrics *Metrics) *Service {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Service{
		resolver: resolver,
		cache:    cache,
		ttl:      ttl,
		logger:   logger,
		metrics:  metrics,
	}
}

// Registry returns the permission registry in use
func (s *Service) Registry() *Registry {
	return s.resolver.Registry()
}

// Resolve returns the effective permission set of subject on forumID
func (s *Service) Resolve(ctx context.Context, subject *Subject, forumID int64) (Set, error) {
	ctx, span := tracer.Start(ctx, "permissions.Resolve", trace.WithAttributes(
		attribute.Int64("forum_id", forumID),
		attribute.String("subject", subject.CacheKey()),
	))
	defer span.End()

	set, err := s.resolve(ctx, subject, forumID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return set, err
}

func (s *Service) resolve(ctx context.Context, subject *Subject, forumID int64) (Set, error) {
	span := trace.SpanFromContext(ctx)
	if s.cache == nil {
		return s.compute(ctx, subject, forumID)
	}

	subjectKey := subject.CacheKey()
	set, hit, err := s.cache.Get(ctx, subjectKey, forumID)
	if err != nil {
		s.metrics.CacheErrorsTotal.WithLabelValues("get").Inc()
		span.AddEvent("cache unavailable")
		s.logger.WithFields(logrus.Fields{
			"forum_id": forumID,
			"subject":  subjectKey,
			"error":    err,
		}).Warn("permission cache unavailable, resolving directly")
		return s.compute(ctx, subject, forumID)
	}
	span.SetAttributes(attribute.Bool("cache_hit", hit))
	if hit {
		s.metrics.CacheHitsTotal.Inc()
		return set, nil
	}
	s.metrics.CacheMissesTotal.Inc()

	// The generation is read before any override so that an invalidation
	// landing mid-resolve makes Put a no-op. It also keys the flight: callers
	// arriving after an invalidation never join a resolve that started before it.
	gen, err := s.cache.Generation(ctx, forumID)
	if err != nil {
		s.metrics.CacheErrorsTotal.WithLabelValues("generation").Inc()
		s.logger.WithFields(logrus.Fields{
			"forum_id": forumID,
			"subject":  subjectKey,
			"error":    err,
		}).Warn("permission cache unavailable, resolving directly")
		return s.compute(ctx, subject, forumID)
	}

	flight := cacheKey(subjectKey, forumID) + "@" + strconv.FormatUint(gen, 10)
	ch := s.group.DoChan(flight, func() (interface{}, error) {
		// shared by every waiter, so one caller's cancellation must not fail the rest
		shared := context.WithoutCancel(ctx)
		set, err := s.compute(shared, subject, forumID)
		if err != nil {
			return nil, err
		}
		if err := s.cache.Put(shared, subjectKey, forumID, gen, set, s.ttl); err != nil {
			s.metrics.CacheErrorsTotal.WithLabelValues("put").Inc()
			s.logger.WithFields(logrus.Fields{
				"forum_id": forumID,
				"subject":  subjectKey,
				"error":    err,
			}).Warn("failed to cache permission set")
		}
		return set, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Set).Clone(), nil
	}
}

func (s *Service) compute(ctx context.Context, subject *Subject, forumID int64) (Set, error) {
	start := time.Now()
	set, err := s.resolver.Resolve(ctx, subject, forumID)
	s.metrics.ResolveDurationSeconds.Observe(time.Since(start).Seconds())
	return set, err
}

// HasPermission resolves subject on forumID and looks up key
func (s *Service) HasPermission(ctx context.Context, subject *Subject, forumID int64, key Key) (bool, error) {
	set, err := s.Resolve(ctx, subject, forumID)
	if err != nil {
		return false, err
	}
	return HasPermission(set, key), nil
}

// InvalidateForum drops every cached set of forumID
func (s *Service) InvalidateForum(ctx context.Context, forumID int64) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.InvalidateForum(ctx, forumID); err != nil {
		s.metrics.InvalidationsTotal.WithLabelValues("error").Inc()
		return err
	}
	s.metrics.InvalidationsTotal.WithLabelValues("ok").Inc()
	return nil
}

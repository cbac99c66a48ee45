package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const keyPrefix = "lemon:auth:user-status:"

// DefaultCacheTTL bounds how stale a cached status may be when an
// invalidation is lost.
const DefaultCacheTTL = 30 * time.Second

// loadTimeout bounds a shared source lookup, which outlives any one caller.
const loadTimeout = 5 * time.Second

var cacheRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "user_directory_cache_requests_total",
		Help: "User status cache lookups by result (hit, miss, error)",
	},
	[]string{"result"},
)

// Cached fronts a Directory with Redis. Concurrent misses for one user share
// a single source lookup. Redis failures fall back to the source.
type Cached struct {
	source Directory
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group
}

// NewCached creates a Redis-backed status cache in front of source.
func NewCached(source Directory, client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cached {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cached{
		source: source,
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

// Lookup returns the cached status or loads and caches it.
func (c *Cached) Lookup(ctx context.Context, userID string) (Status, error) {
	key := keyPrefix + userID

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var st Status
		if err := json.Unmarshal(data, &st); err == nil {
			cacheRequests.WithLabelValues("hit").Inc()
			return st, nil
		}
		c.logger.WarnContext(ctx, "discarding corrupt user status cache entry", slog.String("user_id", userID))
	case errors.Is(err, redis.Nil):
	default:
		cacheRequests.WithLabelValues("error").Inc()
		c.logger.WarnContext(ctx, "user status cache unavailable, reading source",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return c.source.Lookup(ctx, userID)
	}

	cacheRequests.WithLabelValues("miss").Inc()
	ch := c.group.DoChan(key, func() (any, error) {
		// Detached so one caller going away does not fail the others.
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()

		st, err := c.source.Lookup(loadCtx, userID)
		if err != nil {
			return Status{}, err
		}
		c.store(loadCtx, key, st)
		return st, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Status{}, res.Err
		}
		return res.Val.(Status), nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Invalidate drops the cached status for userID and then the source's.
func (c *Cached) Invalidate(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, keyPrefix+userID).Err(); err != nil {
		return fmt.Errorf("redis del user status: %w", err)
	}
	return c.source.Invalidate(ctx, userID)
}

// Ping checks the Redis connection for the readiness probe.
func (c *Cached) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cached) store(ctx context.Context, key string, st Status) {
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "cache user status", slog.String("error", err.Error()))
	}
}

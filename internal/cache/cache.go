// Package cache memoizes derived read views (balances, account status) for
// a short TTL. Cached values are always reproducible from the database; no
// correctness decision may depend on a cache read.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/mbd888/gigescrow/internal/logging"
	"github.com/mbd888/gigescrow/internal/metrics"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache is the key/value contract shared by the Redis and in-process backends.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	// InvalidatePattern drops every key starting with prefix.
	InvalidatePattern(ctx context.Context, prefix string) error
	PingContext(ctx context.Context) error
	Close() error
}

// Views cached per user.
const (
	ViewBalance = "balance"
	ViewAccount = "account"
)

// Key builds "{entity}:{id}:{view}".
func Key(entity, id, view string) string {
	return strings.Join([]string{entity, id, view}, ":")
}

// UserKey is Key("user", userID, view).
func UserKey(userID, view string) string {
	return Key("user", userID, view)
}

// UserPrefix matches every cached view of one user.
func UserPrefix(userID string) string {
	return "user:" + userID + ":"
}

// InvalidateUsers drops all cached views of the given users. Failures are
// logged only: entries expire on their own TTL.
func InvalidateUsers(ctx context.Context, c Cache, userIDs ...string) {
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if err := c.InvalidatePattern(ctx, UserPrefix(id)); err != nil {
			logging.L(ctx).Warn("cache invalidation failed", "user_id", id, "error", err)
		}
	}
}

// Fetch returns the cached value at key or computes it with load and stores
// it for ttl. Cache errors degrade to calling load.
func Fetch[T any](ctx context.Context, c Cache, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	if raw, err := c.Get(ctx, key); err == nil {
		var v T
		if jerr := json.Unmarshal(raw, &v); jerr == nil {
			metrics.CacheRequestsTotal.WithLabelValues("hit").Inc()
			return v, nil
		}
		metrics.CacheRequestsTotal.WithLabelValues("error").Inc()
	} else if errors.Is(err, ErrMiss) {
		metrics.CacheRequestsTotal.WithLabelValues("miss").Inc()
	} else {
		metrics.CacheRequestsTotal.WithLabelValues("error").Inc()
		logging.L(ctx).Warn("cache read failed", "key", key, "error", err)
	}

	v, err := load(ctx)
	if err != nil {
		return v, err
	}

	if raw, jerr := json.Marshal(v); jerr == nil {
		if serr := c.Set(ctx, key, raw, ttl); serr != nil {
			logging.L(ctx).Warn("cache write failed", "key", key, "error", serr)
		}
	}
	return v, nil
}

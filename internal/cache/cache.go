// Package cache provides the TTL key/value store that sits in front of the
// external vulnerability and package authorities.
//
// The cache is an accelerator only. Dependency usage and vulnerability counts
// always come from the live dependency index.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/vulntrack/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// Cache is a byte-oriented key/value store with per-entry expiry.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

const (
	dependencyPrefix    = "dep:"
	vulnerabilityPrefix = "vuln:"
)

// DependencyKey namespaces package metadata entries.
func DependencyKey(pkg, version string) string {
	return dependencyPrefix + pkg + "-" + version
}

// VulnerabilityKey namespaces vulnerability record entries.
func VulnerabilityKey(id string) string {
	return vulnerabilityPrefix + id
}

func keyKind(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return "other"
}

// Loader is a JSON read-through front for a Cache. Concurrent misses on the
// same key share one load.
type Loader struct {
	cache  Cache
	ttl    time.Duration
	log    *slog.Logger
	flight singleflight.Group
}

func NewLoader(c Cache, ttl time.Duration, log *slog.Logger) *Loader {
	if log == nil {
		log = slog.Default()
	}
	return &Loader{cache: c, ttl: ttl, log: log}
}

// Fetch returns the cached value for key, or calls load, stores its result
// and returns it. Cache failures degrade to a miss; load errors are returned
// unchanged and nothing is stored. load runs without the caller's
// cancellation since other callers may be waiting on the same key.
func Fetch[T any](ctx context.Context, l *Loader, key string, load func(context.Context) (T, error)) (T, error) {
	var zero T
	kind := keyKind(key)

	if raw, ok, err := l.cache.Get(ctx, key); err != nil {
		l.log.Warn("cache read failed", "key", key, "error", err)
	} else if ok {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			metrics.CacheLookups.WithLabelValues(kind, "hit").Inc()
			return v, nil
		}
		l.log.Warn("discarding undecodable cache entry", "key", key)
	}
	metrics.CacheLookups.WithLabelValues(kind, "miss").Inc()

	out, err, _ := l.flight.Do(key, func() (interface{}, error) {
		ctx := context.WithoutCancel(ctx)
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if err := store(ctx, l, key, v); err != nil {
			l.log.Warn("cache write failed", "key", key, "error", err)
		}
		return v, nil
	})
	if err != nil {
		return zero, err
	}
	return out.(T), nil
}

// store encodes v and writes it with the loader's TTL.
func store(ctx context.Context, l *Loader, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return l.cache.Set(ctx, key, raw, l.ttl)
}

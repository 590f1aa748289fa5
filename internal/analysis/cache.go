// Package analysis computes LLM-backed analytics over conversation summaries
// and caches the results.
//
// Analyses are expensive (one LLM round-trip over up to hundreds of
// summaries), so results are cached by a fingerprint of kind, scope, and
// model version. Concurrent requests for the same fingerprint collapse to a
// single computation; sync runs eagerly invalidate entries whose scope covers
// a changed conversation.
package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/hibiki-ai/hibiki/internal/model"
)

var cacheMeter = otel.GetMeterProvider().Meter("hibiki/analysis")

func recordCacheLookup(ctx context.Context, kind model.AnalysisKind, hit bool) {
	counter, err := cacheMeter.Int64Counter("analysis.cache.lookups")
	if err != nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	counter.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("outcome", outcome),
	))
}

// Store persists analysis results by fingerprint. Implementations: Redis for
// shared deployments, embedded SQLite for single-node ones.
type Store interface {
	Get(ctx context.Context, key string) (*model.AnalysisResult, bool, error)
	Set(ctx context.Context, key string, res *model.AnalysisResult, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// Cache wraps a Store with single-flight computation and scope-aware
// invalidation.
type Cache struct {
	store  Store
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger

	// scopes tracks the scope behind each live fingerprint so invalidation
	// can match changed conversations against cached entries. Rebuilt lazily
	// after restart; until an entry's scope is re-registered its TTL bounds
	// staleness.
	mu     sync.Mutex
	scopes map[string]model.AnalysisScope
}

// NewCache creates a cache over the given store with the given entry TTL.
func NewCache(store Store, ttl time.Duration, logger *slog.Logger) *Cache {
	return &Cache{
		store:  store,
		ttl:    ttl,
		logger: logger,
		scopes: make(map[string]model.AnalysisScope),
	}
}

// GetOrCompute returns the cached result for the scope, or runs compute and
// caches its output. Concurrent callers with the same fingerprint share one
// compute call; the second return reports whether the result came from cache.
//
// Degraded results are returned but never cached: a later call should retry
// the real model rather than serve a fallback for the full TTL.
func (c *Cache) GetOrCompute(ctx context.Context, scope model.AnalysisScope, modelVersion string, compute func(context.Context) (*model.AnalysisResult, error)) (*model.AnalysisResult, bool, error) {
	key := scope.Fingerprint(modelVersion)

	if res, ok, err := c.store.Get(ctx, key); err != nil {
		c.logger.Warn("analysis cache read failed", "key", key, "error", err)
	} else if ok {
		c.register(key, scope)
		recordCacheLookup(ctx, scope.Kind, true)
		return res, true, nil
	}
	recordCacheLookup(ctx, scope.Kind, false)

	v, err, shared := c.group.Do(key, func() (any, error) {
		// A waiter that lost the race to the in-flight call may arrive after
		// it finished; check the store once more before recomputing.
		if res, ok, err := c.store.Get(ctx, key); err == nil && ok {
			return res, nil
		}

		res, err := compute(ctx)
		if err != nil {
			return nil, err
		}

		if !res.Degraded {
			if err := c.store.Set(ctx, key, res, c.ttl); err != nil {
				c.logger.Warn("analysis cache write failed", "key", key, "error", err)
			}
			c.register(key, scope)
		}
		return res, nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("analysis: compute %s: %w", scope.Kind, err)
	}
	return v.(*model.AnalysisResult), shared, nil
}

// InvalidateCovering drops every cached entry whose scope covers a
// conversation for agentID that started at ts.
func (c *Cache) InvalidateCovering(ctx context.Context, agentID string, ts time.Time) error {
	c.mu.Lock()
	var keys []string
	for key, scope := range c.scopes {
		if scope.Covers(agentID, ts) {
			keys = append(keys, key)
			delete(c.scopes, key)
		}
	}
	c.mu.Unlock()

	if len(keys) == 0 {
		return nil
	}
	if err := c.store.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("analysis: invalidate %d entries: %w", len(keys), err)
	}
	c.logger.Debug("analysis cache invalidated", "agent_id", agentID, "entries", len(keys))
	return nil
}

func (c *Cache) register(key string, scope model.AnalysisScope) {
	c.mu.Lock()
	c.scopes[key] = scope
	c.mu.Unlock()
}

// Close releases the underlying store.
func (c *Cache) Close() error {
	return c.store.Close()
}

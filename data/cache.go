package data

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/evmgate/evmgate/common"
	"github.com/evmgate/evmgate/telemetry"
	"github.com/rs/zerolog"
)

// Cache is the read-through layer the chain handler talks to. It combines
// a connector with the chain's cacheability policy. Values are the raw
// JSON-RPC `result` bytes, never whole envelopes, and never error responses.
type Cache struct {
	logger     *zerolog.Logger
	connector  Connector
	policy     *Policy
	chainLabel string
}

// NewCache builds the cache for one chain. connector may be nil, which
// yields the disabled variant: every Get misses and every Set is a no-op.
func NewCache(logger *zerolog.Logger, chainId uint64, connector Connector, policy *Policy) *Cache {
	lg := logger.With().Str("component", "cache").Uint64("chainId", chainId).Logger()
	return &Cache{
		logger:     &lg,
		connector:  connector,
		policy:     policy,
		chainLabel: fmt.Sprintf("%d", chainId),
	}
}

// TTL reports whether the request is cacheable and for how long.
func (c *Cache) TTL(method string, params json.RawMessage) (time.Duration, bool) {
	if c.connector == nil {
		return 0, false
	}
	return c.policy.TTL(method, params)
}

// Get looks up a previously stored result. Errors degrade to misses.
func (c *Cache) Get(ctx context.Context, key common.CacheKey, method string) (json.RawMessage, bool) {
	if c.connector == nil {
		return nil, false
	}
	value, found, err := c.connector.Get(ctx, key.String())
	if err != nil || !found {
		telemetry.MetricCacheMissTotal.WithLabelValues(c.chainLabel, method, c.connector.Id()).Inc()
		return nil, false
	}
	telemetry.MetricCacheHitTotal.WithLabelValues(c.chainLabel, method, c.connector.Id()).Inc()
	return value, true
}

// Set stores a successful result. Failures are logged and swallowed; the
// client response never depends on a cache write.
func (c *Cache) Set(ctx context.Context, key common.CacheKey, method string, result json.RawMessage, ttl time.Duration) {
	if c.connector == nil || len(result) == 0 {
		return
	}
	if err := c.connector.Set(ctx, key.String(), result, ttl); err != nil {
		c.logger.Warn().Err(err).Str("key", key.String()).Msg("cache write failed")
		telemetry.MetricCacheSetErrorsTotal.WithLabelValues(c.chainLabel, method, c.connector.Id()).Inc()
		return
	}
	telemetry.MetricCacheSetTotal.WithLabelValues(c.chainLabel, method, c.connector.Id()).Inc()
}

// ObserveTip feeds the policy's deep-history heuristic with a block number
// seen flowing through the pipeline.
func (c *Cache) ObserveTip(block uint64) {
	c.policy.ObserveTip(block)
}

// NewConnector constructs the configured cache backend; nil means disabled.
func NewConnector(ctx context.Context, logger *zerolog.Logger, cfg *common.CacheConfig) (Connector, error) {
	switch cfg.Type {
	case common.CacheTypeDisabled:
		return nil, nil
	case common.CacheTypeLocal:
		return NewMemoryConnector(logger, cfg.Capacity)
	case common.CacheTypeRedis:
		return NewRedisConnector(ctx, logger, cfg.URL, cfg.KeyPrefix)
	default:
		return nil, fmt.Errorf("unknown cache type %q", cfg.Type)
	}
}

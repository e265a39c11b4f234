package data

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const RedisConnectorId = "redis"

// RedisConnector is the remote cache variant. Transport errors surface as
// misses on reads and are logged-and-dropped on writes; the pipeline never
// sees them.
type RedisConnector struct {
	logger    *zerolog.Logger
	client    *redis.Client
	keyPrefix string
}

func NewRedisConnector(ctx context.Context, logger *zerolog.Logger, url, keyPrefix string) (*RedisConnector, error) {
	lg := logger.With().Str("connector", RedisConnectorId).Logger()

	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		// The cache is advisory: a redis that is down at boot should not
		// prevent the gateway from serving traffic.
		lg.Warn().Err(err).Msg("redis not reachable at startup, continuing without it until it recovers")
	}

	return &RedisConnector{
		logger:    &lg,
		client:    client,
		keyPrefix: keyPrefix,
	}, nil
}

func (r *RedisConnector) Id() string {
	return RedisConnectorId
}

func (r *RedisConnector) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, r.keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		r.logger.Debug().Err(err).Str("key", key).Msg("redis get failed, treating as miss")
		return nil, false, nil
	}
	return value, true, nil
}

func (r *RedisConnector) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.keyPrefix+key, value, ttl).Err()
}

func (r *RedisConnector) Close() error {
	return r.client.Close()
}

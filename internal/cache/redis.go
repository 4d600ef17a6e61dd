package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache defines the distributed prediction cache used by the pipeline and the
// lifecycle manager. Values are opaque byte sequences; serialization is the
// caller's responsibility.
//
// Implementations must treat every failure as non-fatal to callers: the
// prediction pipeline proceeds as if the key were absent and logs the anomaly.
type Cache interface {
	// Get returns the cached value for key, or (nil, nil) on a miss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a single key.
	Delete(ctx context.Context, key string) error

	// InvalidatePattern removes every key matching a glob pattern such as
	// "print_time:*". Best-effort and eventually consistent: callers must not
	// assume atomicity across keys.
	InvalidatePattern(ctx context.Context, pattern string) (int64, error)
}

// RedisCache implements Cache on a Redis connection via go-redis.
type RedisCache struct {
	client        *redis.Client
	logger        *slog.Logger
	opTimeout     time.Duration
	scanBatchSize int64
}

// Compile-time interface assertion.
var _ Cache = (*RedisCache)(nil)

// NewRedisCache connects to Redis and verifies the connection with a ping.
func NewRedisCache(cfg *Config, logger *slog.Logger) (*RedisCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisCache{
		client:        client,
		logger:        logger,
		opTimeout:     cfg.OpTimeout,
		scanBatchSize: int64(cfg.ScanBatchSize),
	}, nil
}

// Get returns the cached value for key, or (nil, nil) on a miss.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	value, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("cache get %q: %w", key, err)
	}

	return value, nil
}

// Set stores value under key with the given TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}

	return nil
}

// Delete removes a single key. Deleting an absent key is not an error.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache delete %q: %w", key, err)
	}

	return nil
}

// InvalidatePattern deletes all keys matching pattern using cursor-based SCAN
// so large keyspaces are walked without blocking Redis. Returns the number of
// keys deleted. Partial failure leaves already-deleted keys gone; the caller
// treats the whole operation as best-effort.
func (c *RedisCache) InvalidatePattern(ctx context.Context, pattern string) (int64, error) {
	var (
		cursor  uint64
		deleted int64
	)

	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, c.scanBatchSize).Result()
		if err != nil {
			return deleted, fmt.Errorf("cache scan %q: %w", pattern, err)
		}

		if len(keys) > 0 {
			n, err := c.client.Del(ctx, keys...).Result()
			deleted += n

			if err != nil {
				return deleted, fmt.Errorf("cache delete batch for %q: %w", pattern, err)
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	c.logger.Debug("cache pattern invalidated",
		slog.String("pattern", pattern),
		slog.Int64("deleted", deleted),
	)

	return deleted, nil
}

// Close releases the underlying Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

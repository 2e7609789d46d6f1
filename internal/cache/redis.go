package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/septivank/gps-telemetry-ingest/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyPrefix = "gps:device:"

// NewRedisClient connects to Redis and closes the client on shutdown
func NewRedisClient(lc fx.Lifecycle, logger *zap.Logger, cfg config.RedisConfig) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// an unreachable cache only costs lookups, so do not fail startup
			if err := client.Ping(ctx).Err(); err != nil {
				logger.Warn("redis ping failed, device cache will miss", zap.String("addr", cfg.Addr), zap.Error(err))
				return nil
			}
			logger.Info("redis connection established", zap.String("addr", cfg.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	return client
}

// DeviceCache maps external ids to device ids in Redis
type DeviceCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewDeviceCache creates a device cache. A zero ttl keeps entries forever.
func NewDeviceCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *DeviceCache {
	return &DeviceCache{client: client, ttl: ttl, logger: logger}
}

// Get returns the cached device id. Errors are logged and reported as misses.
func (c *DeviceCache) Get(ctx context.Context, externalID string) (int64, bool) {
	val, err := c.client.Get(ctx, keyPrefix+externalID).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("device cache get failed", zap.String("external_id", externalID), zap.Error(err))
		}
		return 0, false
	}

	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		c.logger.Warn("device cache holds a malformed id", zap.String("external_id", externalID), zap.String("value", val))
		return 0, false
	}
	return id, true
}

// Set caches a resolved device id
func (c *DeviceCache) Set(ctx context.Context, externalID string, deviceID int64) {
	if err := c.client.Set(ctx, keyPrefix+externalID, strconv.FormatInt(deviceID, 10), c.ttl).Err(); err != nil {
		c.logger.Warn("device cache set failed", zap.String("external_id", externalID), zap.Error(err))
	}
}

// Delete removes one cached device id
func (c *DeviceCache) Delete(ctx context.Context, externalID string) {
	if err := c.client.Del(ctx, keyPrefix+externalID).Err(); err != nil {
		c.logger.Warn("device cache delete failed", zap.String("external_id", externalID), zap.Error(err))
	}
}

// Flush removes every cached device id
func (c *DeviceCache) Flush(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, keyPrefix+"*", 200).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

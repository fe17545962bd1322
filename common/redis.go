package common

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/go-redis/redis/v8"

	"github.com/fluxgate/fluxgate/common/config"
	"github.com/fluxgate/fluxgate/common/logger"
)

var RDB redis.Cmdable

var redisEnabled atomic.Bool

func IsRedisEnabled() bool {
	return redisEnabled.Load()
}

func InitRedisClient() (err error) {
	if config.RedisConnString == "" {
		redisEnabled.Store(false)
		logger.Logger.Info("REDIS_CONN_STRING not set, Redis is not enabled")
		return nil
	}
	if config.RedisMasterName == "" {
		opt, err := redis.ParseURL(config.RedisConnString)
		if err != nil {
			return errors.Wrap(err, "parse Redis connection string")
		}
		RDB = redis.NewClient(opt)
	} else {
		logger.Logger.Info("Redis sentinel mode enabled")
		RDB = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:      strings.Split(config.RedisConnString, ","),
			Password:   config.RedisPassword,
			MasterName: config.RedisMasterName,
		})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err = RDB.Ping(ctx).Result(); err != nil {
		return errors.Wrap(err, "redis ping test")
	}
	redisEnabled.Store(true)
	logger.Logger.Info("Redis is enabled")
	return nil
}

func RedisSet(ctx context.Context, key string, value string, expiration time.Duration) error {
	if RDB == nil {
		return errors.New("redis not initialized")
	}
	if err := RDB.Set(ctx, key, value, expiration).Err(); err != nil {
		return errors.Wrapf(err, "failed to set redis key: %s", key)
	}
	return nil
}

func RedisGet(ctx context.Context, key string) (string, error) {
	if RDB == nil {
		return "", errors.New("redis not initialized")
	}
	val, err := RDB.Get(ctx, key).Result()
	if err != nil {
		return "", errors.Wrapf(err, "failed to get redis key: %s", key)
	}
	return val, nil
}

func RedisDel(ctx context.Context, key string) error {
	if RDB == nil {
		return errors.New("redis not initialized")
	}
	if err := RDB.Del(ctx, key).Err(); err != nil {
		return errors.Wrapf(err, "failed to delete redis key: %s", key)
	}
	return nil
}

// RedisIsNil reports whether err means the key was absent.
func RedisIsNil(err error) bool {
	return errors.Is(err, redis.Nil)
}

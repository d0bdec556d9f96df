package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCache Redis缓存实现
type redisCache struct {
	client *redis.Client
	prefix string
	owned  bool
}

// NewRedisClient 创建并探活 Redis 客户端
func NewRedisClient(config RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisCache 创建Redis缓存
func NewRedisCache(config RedisConfig) (Cache, error) {
	client, err := NewRedisClient(config)
	if err != nil {
		return nil, err
	}
	return &redisCache{client: client, prefix: config.KeyPrefix, owned: true}, nil
}

// NewRedisCacheWithClient 复用已有客户端，Close 不会关闭它
func NewRedisCacheWithClient(client *redis.Client, prefix string) Cache {
	return &redisCache{client: client, prefix: prefix}
}

func (rc *redisCache) Get(ctx context.Context, key string) (string, bool) {
	val, err := rc.client.Get(ctx, rc.prefix+key).Result()
	if err != nil {
		return "", false
	}
	return val, true
}

func (rc *redisCache) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if expiration < 0 {
		expiration = 0
	}
	return rc.client.Set(ctx, rc.prefix+key, value, expiration).Err()
}

func (rc *redisCache) Delete(ctx context.Context, key string) error {
	err := rc.client.Del(ctx, rc.prefix+key).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func (rc *redisCache) Close() error {
	if !rc.owned {
		return nil
	}
	return rc.client.Close()
}

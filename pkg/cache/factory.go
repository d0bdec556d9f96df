package cache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// NewCache 创建缓存实例，redis 类型会在前面叠加一层本地 LRU
func NewCache(config Config) (Cache, error) {
	if config.Local.DefaultExpiration <= 0 {
		config.Local = DefaultLocalConfig()
	}
	switch strings.ToLower(config.Type) {
	case "", "gocache":
		return NewGoCache(config.Local), nil
	case "lru", "local":
		return NewLRUCache(config.Local), nil
	case "redis":
		distributed, err := NewRedisCache(config.Redis)
		if err != nil {
			return nil, err
		}
		local := config.Local
		local.DefaultExpiration = time.Minute
		return NewLayeredCache(NewLRUCache(local), distributed, local.DefaultExpiration), nil
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", config.Type)
	}
}

// NewLayeredCache 创建分层缓存（本地缓存 + 分布式缓存）
func NewLayeredCache(local, distributed Cache, localExpiration time.Duration) Cache {
	return &layeredCache{local: local, distributed: distributed, localExpiration: localExpiration}
}

// layeredCache 分层缓存实现
type layeredCache struct {
	local           Cache
	distributed     Cache
	localExpiration time.Duration
}

// Get 从本地缓存获取，如果没有则从分布式缓存获取并回填本地缓存
func (lc *layeredCache) Get(ctx context.Context, key string) (string, bool) {
	if value, exists := lc.local.Get(ctx, key); exists {
		return value, true
	}
	if value, exists := lc.distributed.Get(ctx, key); exists {
		_ = lc.local.Set(ctx, key, value, lc.localExpiration)
		return value, true
	}
	return "", false
}

// Set 同时设置到本地和分布式缓存
func (lc *layeredCache) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if err := lc.distributed.Set(ctx, key, value, expiration); err != nil {
		return err
	}
	return lc.local.Set(ctx, key, value, lc.localExpiration)
}

// Delete 从两个缓存层删除
func (lc *layeredCache) Delete(ctx context.Context, key string) error {
	if err := lc.local.Delete(ctx, key); err != nil {
		return err
	}
	return lc.distributed.Delete(ctx, key)
}

func (lc *layeredCache) Close() error {
	if err := lc.local.Close(); err != nil {
		return err
	}
	return lc.distributed.Close()
}

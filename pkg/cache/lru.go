package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// lruCache 固定容量的 LRU，所有条目共用同一 TTL
type lruCache struct {
	lru *expirable.LRU[string, string]
}

// NewLRUCache 创建基于 golang-lru 的本地缓存
func NewLRUCache(config LocalConfig) Cache {
	size := config.MaxSize
	if size <= 0 {
		size = 1000
	}
	return &lruCache{lru: expirable.NewLRU[string, string](size, nil, config.DefaultExpiration)}
}

func (lc *lruCache) Get(ctx context.Context, key string) (string, bool) {
	return lc.lru.Get(key)
}

// Set 单条 expiration 不生效，使用构造时的 TTL
func (lc *lruCache) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	lc.lru.Add(key, value)
	return nil
}

func (lc *lruCache) Delete(ctx context.Context, key string) error {
	lc.lru.Remove(key)
	return nil
}

func (lc *lruCache) Close() error {
	lc.lru.Purge()
	return nil
}

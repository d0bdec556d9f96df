package cache

import (
	"context"
	"time"
)

// Cache 缓存接口
type Cache interface {
	// Get 获取缓存值
	Get(ctx context.Context, key string) (string, bool)

	// Set 设置缓存值，expiration<=0 使用实现的默认过期时间
	Set(ctx context.Context, key string, value string, expiration time.Duration) error

	// Delete 删除缓存
	Delete(ctx context.Context, key string) error

	// Close 关闭缓存连接
	Close() error
}

// Config 缓存配置
type Config struct {
	// 缓存类型: "gocache"、"lru" 或 "redis"
	Type string `json:"type" env:"CACHE_TYPE" default:"gocache"`

	// Redis配置
	Redis RedisConfig `json:"redis"`

	// 本地缓存配置
	Local LocalConfig `json:"local"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr         string        `json:"addr" env:"REDIS_ADDR" default:"localhost:6379"`
	Password     string        `json:"password" env:"REDIS_PASSWORD"`
	DB           int           `json:"db" env:"REDIS_DB" default:"0"`
	PoolSize     int           `json:"pool_size" env:"REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `json:"min_idle_conns" env:"REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `json:"dial_timeout" default:"5s"`
	ReadTimeout  time.Duration `json:"read_timeout" default:"3s"`
	WriteTimeout time.Duration `json:"write_timeout" default:"3s"`
	// 键前缀，多服务共用一个库时区分命名空间
	KeyPrefix string `json:"key_prefix" default:"tourguard:"`
}

// LocalConfig 本地缓存配置
type LocalConfig struct {
	// 最大缓存项数（仅 lru 生效）
	MaxSize int `json:"max_size" default:"1000"`

	// 默认过期时间
	DefaultExpiration time.Duration `json:"default_expiration" default:"5m"`

	// 清理间隔（仅 gocache 生效）
	CleanupInterval time.Duration `json:"cleanup_interval" default:"10m"`
}

// DefaultLocalConfig 默认本地缓存配置
func DefaultLocalConfig() LocalConfig {
	return LocalConfig{
		MaxSize:           1000,
		DefaultExpiration: 5 * time.Minute,
		CleanupInterval:   10 * time.Minute,
	}
}

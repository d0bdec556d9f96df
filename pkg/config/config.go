package config

import (
	"TourGuard/pkg/logger"
	"TourGuard/pkg/util"
	"fmt"
	"log"
	"os"
	"time"
)

// config/config.go
type Config struct {
	DBDriver       string `env:"DB_DRIVER"`
	DSN            string `env:"DSN"`
	Log            logger.LogConfig
	Addr           string `env:"ADDR"`
	Mode           string `env:"MODE"`
	APIPrefix      string `env:"API_PREFIX"`
	CORSOrigins    string `env:"CORS_ORIGIN"`
	JWTSecret      string `env:"JWT_SECRET"`
	JWTExpireHours int    `env:"JWT_EXPIRE_HOURS"`
	// 设置后 SOS 上报需携带 X-Integration-Key / X-Integration-Secret
	IntegrationKey   string `env:"INTEGRATION_KEY"`
	DisableAdminAuth bool   `env:"DISABLE_ADMIN_AUTH"`

	RateLimit RateLimitConfig
	Redis     RedisConfig
	CacheType string `env:"CACHE_TYPE"`

	ExternalUserPassword string `env:"EXTERNAL_USER_PASSWORD"`
	AdminEmail           string `env:"ADMIN_EMAIL"`
	AdminPassword        string `env:"ADMIN_PASSWORD"`
	AdminName            string `env:"ADMIN_NAME"`

	// 待处理 SOS 指标刷新的 cron 表达式
	MetricsRefreshSchedule string `env:"METRICS_REFRESH_SCHEDULE"`
}

// RateLimitConfig SOS 上报限流
type RateLimitConfig struct {
	Window          time.Duration `env:"SOS_RATE_WINDOW"`
	Max             int64         `env:"SOS_RATE_MAX"`
	CleanupInterval time.Duration `env:"SOS_RATE_CLEANUP"`
	Store           string        `env:"SOS_RATE_STORE"` // memory|redis
}

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB"`
}

const devJWTSecret = "tourguard-dev-secret"

var GlobalConfig *Config

func Load() error {
	// 1. 根据环境加载 .env 文件
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development" // 默认使用开发环境
	}
	err := util.LoadEnv(env)
	if err != nil {
		log.Printf("Failed to load .env file: %v", err)
	}

	// 2. 加载全局配置
	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return err
	}
	GlobalConfig = cfg
	return nil
}

// FromEnv 从环境变量构造配置并补齐默认值
func FromEnv() *Config {
	cfg := &Config{
		DBDriver:       util.GetEnvOr("DB_DRIVER", util.DriverSQLite),
		DSN:            util.GetEnvOr("DSN", "file:tourguard.db"),
		Addr:           util.GetEnvOr("ADDR", ":8000"),
		Mode:           util.GetEnvOr("MODE", "debug"),
		APIPrefix:      util.GetEnvOr("API_PREFIX", "/api"),
		CORSOrigins:    util.GetEnvOr("CORS_ORIGIN", "*"),
		JWTSecret:      util.GetEnv("JWT_SECRET"),
		JWTExpireHours: int(util.GetIntEnv("JWT_EXPIRE_HOURS")),
		IntegrationKey: util.GetEnv("INTEGRATION_KEY"),
		Log: logger.LogConfig{
			Level:      util.GetEnv("LOG_LEVEL"),
			Filename:   util.GetEnv("LOG_FILENAME"),
			MaxSize:    int(util.GetIntEnv("LOG_MAX_SIZE")),
			MaxAge:     int(util.GetIntEnv("LOG_MAX_AGE")),
			MaxBackups: int(util.GetIntEnv("LOG_MAX_BACKUPS")),
		},
		DisableAdminAuth: util.GetBoolEnv("DISABLE_ADMIN_AUTH"),
		RateLimit: RateLimitConfig{
			Window:          util.GetDurationEnv("SOS_RATE_WINDOW", 10*time.Second),
			Max:             util.GetIntEnv("SOS_RATE_MAX"),
			CleanupInterval: util.GetDurationEnv("SOS_RATE_CLEANUP", time.Minute),
			Store:           util.GetEnvOr("SOS_RATE_STORE", "memory"),
		},
		Redis: RedisConfig{
			Addr:     util.GetEnvOr("REDIS_ADDR", "localhost:6379"),
			Password: util.GetEnv("REDIS_PASSWORD"),
			DB:       int(util.GetIntEnv("REDIS_DB")),
		},
		CacheType:              util.GetEnvOr("CACHE_TYPE", "gocache"),
		ExternalUserPassword:   util.GetEnvOr("EXTERNAL_USER_PASSWORD", "external-user-no-login"),
		AdminEmail:             util.GetEnv("ADMIN_EMAIL"),
		AdminPassword:          util.GetEnv("ADMIN_PASSWORD"),
		AdminName:              util.GetEnvOr("ADMIN_NAME", "Administrator"),
		MetricsRefreshSchedule: util.GetEnvOr("METRICS_REFRESH_SCHEDULE", "@every 30s"),
	}
	if cfg.RateLimit.Max <= 0 {
		cfg.RateLimit.Max = 1
	}
	if cfg.JWTExpireHours <= 0 {
		cfg.JWTExpireHours = 24
	}
	if cfg.JWTSecret == "" && cfg.Mode != "release" {
		cfg.JWTSecret = devJWTSecret
	}
	return cfg
}

// Validate 校验启动所需配置
func (c *Config) Validate() error {
	if c.JWTSecret == "" && !c.DisableAdminAuth {
		return fmt.Errorf("JWT_SECRET is required in %s mode", c.Mode)
	}
	switch c.RateLimit.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported SOS_RATE_STORE: %s", c.RateLimit.Store)
	}
	switch c.DBDriver {
	case util.DriverSQLite, util.DriverMySQL, util.DriverPostgres, "postgres":
	default:
		return fmt.Errorf("unsupported DB_DRIVER: %s", c.DBDriver)
	}
	if c.AdminEmail != "" && c.AdminPassword == "" {
		return fmt.Errorf("ADMIN_PASSWORD is required when ADMIN_EMAIL is set")
	}
	return nil
}

// UsesDevSecret 是否使用了内置开发密钥
func (c *Config) UsesDevSecret() bool {
	return c.JWTSecret == devJWTSecret
}

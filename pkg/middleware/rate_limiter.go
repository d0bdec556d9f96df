package middleware

import (
	"TourGuard/pkg/errors"
	"TourGuard/pkg/logger"
	"TourGuard/pkg/response"
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// RateLimiterConfig 固定窗口限流配置
//
// 每个上报者在 Window 内最多放行 Max 次，窗口从该上报者的首个请求开始计时。
type RateLimiterConfig struct {
	Window          time.Duration `json:"window"`
	Max             int64         `json:"max"`
	CleanupInterval time.Duration `json:"cleanup_interval"` // 仅内存 store
	Prefix          string        `json:"prefix"`
	AddHeaders      bool          `json:"add_headers"`
}

// DefaultRateLimiterConfig 10 秒 1 次
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Window:          10 * time.Second,
		Max:             1,
		CleanupInterval: time.Minute,
		Prefix:          "sos_rate",
		AddHeaders:      true,
	}
}

// Decision 准入结果
type Decision struct {
	Allowed    bool
	RetryAfter int // 秒，仅拒绝时有效
	Remaining  int64
	Limit      int64
}

// MetricsObserver 指标上报接口
type MetricsObserver interface {
	OnAllow(key string)
	OnDeny(key string)
}

// KeyFunc 从请求中提取限流键，返回空串表示交给后续处理器校验
type KeyFunc func(c *gin.Context) string

// RateLimiter 面向实例的限流器
type RateLimiter struct {
	cfg      RateLimiterConfig
	limiter  *limiter.Limiter
	observer MetricsObserver
	mu       sync.RWMutex
}

// NewMemoryStore 进程内 store，过期窗口按 CleanupInterval 清理
func NewMemoryStore(cfg RateLimiterConfig) limiter.Store {
	return memory.NewStoreWithOptions(limiter.StoreOptions{
		Prefix:          cfg.Prefix,
		CleanUpInterval: cfg.CleanupInterval,
	})
}

// NewRedisStore 多实例共享窗口
func NewRedisStore(client *redis.Client, cfg RateLimiterConfig) (limiter.Store, error) {
	return sredis.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix:   cfg.Prefix,
		MaxRetry: 3,
	})
}

// NewRateLimiter 构造函数，store 为空时使用内存 store
func NewRateLimiter(cfg RateLimiterConfig, store limiter.Store) *RateLimiter {
	def := DefaultRateLimiterConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Max <= 0 {
		cfg.Max = def.Max
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if store == nil {
		store = NewMemoryStore(cfg)
	}
	return &RateLimiter{
		cfg:     cfg,
		limiter: limiter.New(store, limiter.Rate{Period: cfg.Window, Limit: cfg.Max}),
	}
}

// WithObserver 配置指标观察者
func (l *RateLimiter) WithObserver(observer MetricsObserver) *RateLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observer = observer
	return l
}

// Config 当前配置
func (l *RateLimiter) Config() RateLimiterConfig {
	return l.cfg
}

// Admit 对上报者做一次准入判断，放行会消耗窗口额度
func (l *RateLimiter) Admit(ctx context.Context, key string) (Decision, error) {
	if key == "" {
		return Decision{}, errors.InvalidRequest("Reporter identity is required")
	}
	lctx, err := l.limiter.Get(ctx, key)
	if err != nil {
		return Decision{}, errors.Wrap(err, "rate limit store unavailable")
	}
	d := Decision{Allowed: !lctx.Reached, Remaining: lctx.Remaining, Limit: lctx.Limit}
	if lctx.Reached {
		d.RetryAfter = l.retryAfter(time.Unix(lctx.Reset, 0))
		l.report(false, key)
	} else {
		l.report(true, key)
	}
	return d, nil
}

// retryAfter 距离窗口结束的秒数，向上取整并限制在 [1, Window]
func (l *RateLimiter) retryAfter(reset time.Time) int {
	sec := int(math.Ceil(time.Until(reset).Seconds()))
	maxSec := int(math.Ceil(l.cfg.Window.Seconds()))
	if sec > maxSec {
		sec = maxSec
	}
	if sec < 1 {
		sec = 1
	}
	return sec
}

func (l *RateLimiter) report(allowed bool, key string) {
	l.mu.RLock()
	obs := l.observer
	l.mu.RUnlock()
	if obs == nil {
		return
	}
	if allowed {
		obs.OnAllow(key)
	} else {
		obs.OnDeny(key)
	}
}

// Middleware 返回 Gin 中间件，store 故障时放行
func (l *RateLimiter) Middleware(keyFn KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := keyFn(c)
		if key == "" {
			c.Next()
			return
		}
		d, err := l.Admit(c.Request.Context(), key)
		if err != nil {
			logger.Warn("rate limiter unavailable, admitting request", zap.String("key", key), zap.Error(err))
			c.Next()
			return
		}
		if l.cfg.AddHeaders {
			setStandardHeaders(c, d)
		}
		if !d.Allowed {
			response.Fail(c, errors.RateLimited(d.RetryAfter))
			return
		}
		c.Next()
	}
}

func setStandardHeaders(c *gin.Context, d Decision) {
	c.Header("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
}

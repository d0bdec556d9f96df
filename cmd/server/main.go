package main

import (
	"context"
	stderrors "errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	handlers "TourGuard/internal/handler"
	"TourGuard/internal/models"
	"TourGuard/internal/services"
	"TourGuard/pkg/auth"
	"TourGuard/pkg/cache"
	"TourGuard/pkg/config"
	constants "TourGuard/pkg/constant"
	"TourGuard/pkg/logger"
	"TourGuard/pkg/metrics"
	"TourGuard/pkg/middleware"
	"TourGuard/pkg/scheduler"
	"TourGuard/pkg/util"
	"TourGuard/pkg/websocket"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	addr := flag.String("addr", "", "listen address, overrides ADDR")
	flag.Parse()

	// 1. 配置与日志
	if err := config.Load(); err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg := config.GlobalConfig
	if *addr != "" {
		cfg.Addr = *addr
	}
	if err := logger.Init(&cfg.Log, cfg.Mode); err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()
	if cfg.UsesDevSecret() {
		logger.Warn("JWT_SECRET not set, using built-in development secret")
	}
	mode := auth.ResolveMode(cfg.DisableAdminAuth)

	// 2. 数据库
	db, err := util.InitDatabase(cfg.DBDriver, cfg.DSN, cfg.Mode == "debug")
	if err != nil {
		logger.Fatal("init database failed", zap.Error(err))
	}
	if err := models.AutoMigrate(db); err != nil {
		logger.Fatal("migrate failed", zap.Error(err))
	}
	if err := seedAdmin(db, cfg); err != nil {
		logger.Fatal("seed admin failed", zap.Error(err))
	}

	// 3. 基础组件
	m := metrics.NewMetrics()
	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Window:          cfg.RateLimit.Window,
		Max:             cfg.RateLimit.Max,
		CleanupInterval: cfg.RateLimit.CleanupInterval,
		AddHeaders:      true,
	}, nil)
	if cfg.RateLimit.Store == "redis" {
		store, err := newRedisLimiterStore(cfg, rateLimiter.Config())
		if err != nil {
			logger.Fatal("init redis rate limit store failed", zap.Error(err))
		}
		rateLimiter = middleware.NewRateLimiter(rateLimiter.Config(), store)
	}
	rateLimiter.WithObserver(m)

	nameCache, err := cache.NewCache(cache.Config{
		Type:  cfg.CacheType,
		Redis: redisConfig(cfg),
		Local: cache.DefaultLocalConfig(),
	})
	if err != nil {
		logger.Fatal("init cache failed", zap.Error(err))
	}
	defer nameCache.Close()

	hub := websocket.NewHub(websocket.LoadConfigFromEnv()).WithObserver(m)
	defer hub.Close()

	jwtManager := auth.NewJWTManager(cfg.JWTSecret, time.Duration(cfg.JWTExpireHours)*time.Hour)

	// 4. 业务服务
	identity, err := services.NewIdentityResolver(db, cfg.ExternalUserPassword)
	if err != nil {
		logger.Fatal("init identity resolver failed", zap.Error(err))
	}
	sosService := services.NewSOSService(db, identity, hub, m)
	admins := services.NewAdminDirectory(db, nameCache)
	wsHandler := websocket.NewHandler(hub, mode, jwtManager).
		WithDeviceChannel(cfg.IntegrationKey, sosService.DeviceHandlers(rateLimiter))

	// 5. 定时刷新待处理数量
	cr := scheduler.NewCron(time.UTC, 10*time.Second)
	if _, err := cr.Add("sos-pending-gauge", cfg.MetricsRefreshSchedule, scheduler.FuncJob(func(ctx context.Context) {
		if err := sosService.RefreshPending(ctx); err != nil {
			logger.Warn("refresh pending sos failed", zap.Error(err))
		}
	})); err != nil {
		logger.Fatal("schedule metrics refresh failed", zap.Error(err))
	}
	cr.Start()
	defer cr.Stop()

	// 6. 路由
	gin.SetMode(ginMode(cfg.Mode))
	engine := gin.New()
	engine.Use(logger.GinLogger(), logger.GinRecovery(true), metrics.MonitorMiddleware(m))
	handlers.NewHandlers(handlers.Options{
		DB:             db,
		APIPrefix:      cfg.APIPrefix,
		SOS:            sosService,
		Admins:         admins,
		JWT:            jwtManager,
		Mode:           mode,
		Limiter:        rateLimiter,
		IntegrationKey: cfg.IntegrationKey,
		WS:             wsHandler,
		Metrics:        m,
	}).Register(engine)

	// websocket 连接升级后由读写泵自行刷新 deadline
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           middleware.CORS(cfg.CORSOrigins)(engine),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", cfg.Addr), zap.String("authMode", mode.String()))
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	// 7. 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	logger.Info("server exited")
}

func redisConfig(cfg *config.Config) cache.RedisConfig {
	return cache.RedisConfig{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		KeyPrefix:    "tourguard:",
	}
}

func newRedisLimiterStore(cfg *config.Config, rl middleware.RateLimiterConfig) (limiter.Store, error) {
	client, err := cache.NewRedisClient(redisConfig(cfg))
	if err != nil {
		return nil, err
	}
	return middleware.NewRedisStore(client, rl)
}

// seedAdmin 库中没有管理员且配置了 ADMIN_EMAIL 时创建一个
func seedAdmin(db *gorm.DB, cfg *config.Config) error {
	if cfg.AdminEmail == "" {
		return nil
	}
	n, err := models.CountAdmins(db)
	if err != nil || n > 0 {
		return err
	}
	hash, err := auth.HashPassword(cfg.AdminPassword)
	if err != nil {
		return err
	}
	admin := &models.User{
		Name:         cfg.AdminName,
		Email:        cfg.AdminEmail,
		PasswordHash: hash,
		Role:         constants.RoleAdmin,
	}
	if err := models.CreateUser(db, admin); err != nil {
		return err
	}
	logger.Info("seeded admin account", zap.String("email", admin.Email))
	return nil
}

func ginMode(mode string) string {
	switch mode {
	case gin.ReleaseMode, gin.TestMode:
		return mode
	}
	return gin.DebugMode
}

package handlers

import (
	"TourGuard/internal/services"
	"TourGuard/pkg/auth"
	"TourGuard/pkg/metrics"
	"TourGuard/pkg/middleware"
	"TourGuard/pkg/websocket"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// SOS 路由的两个挂载点
var sosBases = []string{"/sos", "/sos-alerts"}

type Handlers struct {
	db             *gorm.DB
	apiPrefix      string
	sos            *services.SOSService
	admins         *services.AdminDirectory
	jwt            *auth.JWTManager
	mode           auth.Mode
	limiter        *middleware.RateLimiter
	integrationKey string
	ws             *websocket.Handler
	metrics        *metrics.Metrics
}

// Options 路由依赖，Metrics 与 WS 可为空
type Options struct {
	DB             *gorm.DB
	APIPrefix      string
	SOS            *services.SOSService
	Admins         *services.AdminDirectory
	JWT            *auth.JWTManager
	Mode           auth.Mode
	Limiter        *middleware.RateLimiter
	IntegrationKey string
	WS             *websocket.Handler
	Metrics        *metrics.Metrics
}

func NewHandlers(opts Options) *Handlers {
	registerValidators()
	return &Handlers{
		db:             opts.DB,
		apiPrefix:      opts.APIPrefix,
		sos:            opts.SOS,
		admins:         opts.Admins,
		jwt:            opts.JWT,
		mode:           opts.Mode,
		limiter:        opts.Limiter,
		integrationKey: opts.IntegrationKey,
		ws:             opts.WS,
		metrics:        opts.Metrics,
	}
}

func (h *Handlers) Register(engine *gin.Engine) {
	if h.metrics != nil {
		engine.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}
	if h.ws != nil {
		websocket.RegisterRoutes(engine, h.ws)
	}

	r := engine.Group(h.apiPrefix)
	// Register System Module Routes
	h.registerSystemRoutes(r)

	// Register Business Module Routes
	h.registerAuthRoutes(r)
	h.registerSOSRoutes(r)
	h.registerUserRoutes(r)
}

func (h *Handlers) registerSystemRoutes(r *gin.RouterGroup) {
	r.GET("/health", h.HealthCheck)
}

// Auth Module
func (h *Handlers) registerAuthRoutes(r *gin.RouterGroup) {
	r.POST("/auth/login", h.handleLogin)
}

// SOS Module
func (h *Handlers) registerSOSRoutes(r *gin.RouterGroup) {
	requireAuth := middleware.RequireAuth(h.mode, h.jwt)
	for _, base := range sosBases {
		g := r.Group(base)
		{
			// 上报无需登录；只有通过集成密钥校验的请求才占用上报者的限流窗口
			submit := []gin.HandlerFunc{
				middleware.LimitBody(middleware.MaxSOSBodyBytes),
				middleware.IntegrationKeyMiddleware(h.integrationKey),
			}
			if h.limiter != nil {
				submit = append(submit, h.limiter.Middleware(middleware.ReporterKeyFromBody))
			}
			submit = append(submit, h.handleCreateSOS)
			g.POST("", submit...)

			g.GET("", requireAuth, h.handleListSOS)
			g.GET("/:id", requireAuth, h.handleGetSOS)
			g.PATCH("/:id", requireAuth, middleware.RequireAdmin(), h.handleUpdateSOSStatus)
		}
	}
}

// User Module
func (h *Handlers) registerUserRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id", middleware.RequireAuth(h.mode, h.jwt), middleware.RequireAdmin(), h.handleGetUser)
}

package websocket

import (
	"TourGuard/pkg/auth"
	constants "TourGuard/pkg/constant"
	"TourGuard/pkg/errors"
	"TourGuard/pkg/middleware"
	"TourGuard/pkg/response"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler WebSocket HTTP处理器
type Handler struct {
	hub            *Hub
	mode           auth.Mode
	authenticator  auth.Authenticator
	integrationKey string
	deviceHandlers map[string]MessageHandler
}

// NewHandler 创建新的WebSocket处理器
func NewHandler(hub *Hub, mode auth.Mode, authenticator auth.Authenticator) *Handler {
	return &Handler{
		hub:           hub,
		mode:          mode,
		authenticator: authenticator,
	}
}

// WithDeviceChannel 开启设备上行通道
func (h *Handler) WithDeviceChannel(integrationKey string, handlers map[string]MessageHandler) *Handler {
	h.integrationKey = integrationKey
	h.deviceHandlers = handlers
	return h
}

// RegisterRoutes 统一注册路由
func RegisterRoutes(r gin.IRouter, handler *Handler) {
	r.GET(RouteWebSocketAdmin, handler.HandleAdmin)
	if handler.deviceHandlers != nil {
		r.GET(RouteWebSocketDevice, handler.HandleDevice)
	}
	// 连接统计仅管理员可见
	r.GET(RouteWebSocketStats, middleware.RequireAuth(handler.mode, handler.authenticator), middleware.RequireAdmin(), handler.GetStats)
	r.GET(RouteWebSocketHealth, handler.HealthCheck)
}

// HandleAdmin 管理端观察者，握手前完成认证，失败时不升级
func (h *Handler) HandleAdmin(c *gin.Context) {
	p, err := middleware.AuthenticateRequest(h.mode, h.authenticator, c.Request)
	if err != nil {
		response.Fail(c, err)
		return
	}
	if p.Role != constants.RoleAdmin {
		response.Fail(c, errors.Forbidden("Admin access required"))
		return
	}

	HandleWebSocket(h.hub, c.Writer, c.Request, AcceptOptions{
		UserID: p.UserID,
		Role:   p.Role,
		Groups: []string{constants.AdminGroup},
		Metadata: map[string]interface{}{
			"email": p.Email,
		},
	})
}

// HandleDevice 设备端上报通道，不加入任何广播组
func (h *Handler) HandleDevice(c *gin.Context) {
	if err := middleware.CheckIntegrationKey(h.integrationKey, c.Request.Header); err != nil {
		response.Fail(c, err)
		return
	}
	HandleWebSocket(h.hub, c.Writer, c.Request, AcceptOptions{
		Role:     "device",
		Handlers: h.deviceHandlers,
		Metadata: map[string]interface{}{
			"ip": c.ClientIP(),
		},
	})
}

// GetStats 获取WebSocket统计信息
func (h *Handler) GetStats(c *gin.Context) {
	stats := GetConfigSummary(h.hub.config)
	stats["total_connections"] = h.hub.GetConnectionCount()
	stats["admin_connections"] = h.hub.GetGroupConnections(constants.AdminGroup)
	c.JSON(http.StatusOK, stats)
}

// HealthCheck WebSocket健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	if h.hub.ctx.Err() != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unhealthy",
			"error":   ErrHubClosed,
			"details": h.hub.ctx.Err().Error(),
		})
		return
	}

	totalConnections := h.hub.GetConnectionCount()
	maxConnections := h.hub.config.MaxConnections

	status := "healthy"
	if totalConnections >= maxConnections*9/10 { // 90%以上认为警告
		status = "warning"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":            status,
		"total_connections": totalConnections,
		"max_connections":   maxConnections,
		"connection_usage":  float64(totalConnections) / float64(maxConnections) * 100,
		"hub_running":       true,
		"timestamp":         time.Now().Unix(),
	})
}

package middleware

import (
	"TourGuard/pkg/auth"
	constants "TourGuard/pkg/constant"
	"TourGuard/pkg/errors"
	"TourGuard/pkg/response"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// TokenFromRequest 优先读取 Authorization 头，其次 token 查询参数（浏览器 WebSocket 无法带头）
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, err := auth.ExtractToken(h); err == nil {
			return tok
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// AuthenticateRequest 认证请求，失败返回 Unauthorized
func AuthenticateRequest(mode auth.Mode, a auth.Authenticator, r *http.Request) (*auth.Principal, error) {
	if mode == auth.DisabledForDevelopment {
		return mode.Authenticate(a, "")
	}
	token := TokenFromRequest(r)
	if token == "" {
		return nil, errors.Unauthorized("Authentication required")
	}
	p, err := mode.Authenticate(a, token)
	if err != nil {
		return nil, errors.Unauthorized("Invalid or expired token")
	}
	return p, nil
}

// RequireAuth 要求有效令牌
func RequireAuth(mode auth.Mode, a auth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := AuthenticateRequest(mode, a, c.Request)
		if err != nil {
			response.Fail(c, err)
			return
		}
		c.Set(constants.PrincipalField, p)
		c.Next()
	}
}

// RequireAdmin 必须在 RequireAuth 之后
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		p := CurrentPrincipal(c)
		if p == nil {
			response.Fail(c, errors.Unauthorized("Authentication required"))
			return
		}
		if p.Role != constants.RoleAdmin {
			response.Fail(c, errors.Forbidden("Admin access required"))
			return
		}
		c.Next()
	}
}

// CurrentPrincipal 取出已认证身份
func CurrentPrincipal(c *gin.Context) *auth.Principal {
	v, ok := c.Get(constants.PrincipalField)
	if !ok {
		return nil
	}
	p, _ := v.(*auth.Principal)
	return p
}

package middleware

import (
	constants "TourGuard/pkg/constant"
	"TourGuard/pkg/errors"
	"TourGuard/pkg/response"
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// CheckIntegrationKey 未配置密钥时不校验
func CheckIntegrationKey(expected string, h http.Header) error {
	if expected == "" {
		return nil
	}
	provided := h.Get(constants.HeaderIntegrationKey)
	if provided == "" {
		provided = h.Get(constants.HeaderIntegrationSecret)
	}
	if provided == "" {
		return errors.InvalidRequest("Integration key is missing")
	}
	if subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
		return errors.InvalidRequest("Invalid integration key")
	}
	return nil
}

// IntegrationKeyMiddleware 外部集成方的共享密钥校验
func IntegrationKeyMiddleware(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := CheckIntegrationKey(expected, c.Request.Header); err != nil {
			response.Fail(c, err)
			return
		}
		c.Next()
	}
}

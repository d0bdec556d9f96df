package response

import (
	"TourGuard/pkg/errors"
	"TourGuard/pkg/logger"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Success 200 {success: true, data}
func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

// Created 201，直接返回资源
func Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, data)
}

// Fail 按错误码输出 {error}，限流附带 retryAfter 与 Retry-After 头
func Fail(c *gin.Context, err error) {
	c.AbortWithStatusJSON(Render(c, err))
}

// Render 计算错误响应的状态码与响应体
func Render(c *gin.Context, err error) (int, gin.H) {
	e, ok := errors.As(err)
	if !ok {
		e = errors.Internal(err)
	}
	status := e.HTTPStatus()
	body := gin.H{"error": e.Error()}
	if e.Code == errors.CodeRateLimited {
		body["retryAfter"] = e.RetryAfter
		if c != nil {
			c.Header("Retry-After", strconv.Itoa(e.RetryAfter))
		}
	}
	if status >= http.StatusInternalServerError {
		path := ""
		if c != nil {
			path = c.Request.URL.Path
		}
		logger.Error("request failed", zap.String("path", path), zap.Error(errors.Cause(err)), zap.String("stack", e.Stack))
	}
	return status, body
}

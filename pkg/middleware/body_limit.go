package middleware

import (
	"TourGuard/pkg/errors"
	"TourGuard/pkg/response"
	"net/http"

	"github.com/gin-gonic/gin"
)

// MaxSOSBodyBytes SOS 上报请求体上限
const MaxSOSBodyBytes int64 = 64 << 10

// LimitBody 限制请求体大小
//
// 声明的 Content-Length 超限直接返回 413；未声明长度的请求在读取超限时得到 *http.MaxBytesError。
func LimitBody(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > limit {
			response.Fail(c, errors.RequestTooLarge(limit))
			return
		}
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}

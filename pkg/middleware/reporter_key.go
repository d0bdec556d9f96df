package middleware

import (
	constants "TourGuard/pkg/constant"
	"bytes"
	"io"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
)

type reporterRef struct {
	UserID string `json:"userId"`
	User   *struct {
		ExternalID string `json:"externalId"`
	} `json:"user"`
}

// ReporterKey 组装限流键：内部用户直接用 userId，外部用户加 ext: 前缀
func ReporterKey(userID, externalID string) string {
	userID = strings.TrimSpace(userID)
	externalID = strings.TrimSpace(externalID)
	if userID != "" {
		return userID
	}
	if externalID != "" {
		return constants.ExternalReporterPrefix + externalID
	}
	return ""
}

// ReporterKeyFromBody 读取 JSON 请求体中的上报者标识，读完后还原请求体
//
// 读取不设上限，路由上需先挂 LimitBody。
func ReporterKeyFromBody(c *gin.Context) string {
	if c.Request.Body == nil {
		return ""
	}
	b, err := io.ReadAll(c.Request.Body)
	_ = c.Request.Body.Close()
	if err != nil {
		// 读取失败（如超过 LimitBody 上限）时把同一个错误留给后续处理器
		c.Request.Body = io.NopCloser(io.MultiReader(bytes.NewReader(b), errReader{err}))
		return ""
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(b))
	if len(b) == 0 {
		return ""
	}
	var ref reporterRef
	if err := json.Unmarshal(b, &ref); err != nil {
		return ""
	}
	ext := ""
	if ref.User != nil {
		ext = ref.User.ExternalID
	}
	key := ReporterKey(ref.UserID, ext)
	if key != "" {
		c.Set(constants.ReporterKeyField, key)
	}
	return key
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

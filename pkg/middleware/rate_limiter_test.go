package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"TourGuard/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingObserver struct{ allow, deny int32 }

func (o *countingObserver) OnAllow(string) { atomic.AddInt32(&o.allow, 1) }
func (o *countingObserver) OnDeny(string)  { atomic.AddInt32(&o.deny, 1) }

func TestAdmitOncePerWindow(t *testing.T) {
	obs := &countingObserver{}
	rl := NewRateLimiter(RateLimiterConfig{Window: 10 * time.Second, Max: 1}, nil).WithObserver(obs)
	ctx := context.Background()

	d, err := rl.Admit(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = rl.Admit(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.GreaterOrEqual(t, d.RetryAfter, 1)
	assert.LessOrEqual(t, d.RetryAfter, 10)

	// 不同上报者互不影响
	d, err = rl.Admit(ctx, "ext:device-9")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	assert.Equal(t, int32(2), atomic.LoadInt32(&obs.allow))
	assert.Equal(t, int32(1), atomic.LoadInt32(&obs.deny))
}

func TestAdmitWindowExpires(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Window: time.Second, Max: 1}, nil)
	ctx := context.Background()

	d, _ := rl.Admit(ctx, "k")
	require.True(t, d.Allowed)
	d, _ = rl.Admit(ctx, "k")
	require.False(t, d.Allowed)
	assert.Equal(t, 1, d.RetryAfter)

	time.Sleep(1200 * time.Millisecond)
	d, err := rl.Admit(ctx, "k")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestAdmitEmptyKey(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig(), nil)
	_, err := rl.Admit(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidRequest))
}

func TestAdmitConcurrentSingleWinner(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Window: 10 * time.Second, Max: 1}, nil)
	var allowed int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d, err := rl.Admit(context.Background(), "same"); err == nil && d.Allowed {
				atomic.AddInt32(&allowed, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), allowed)
}

func TestRateLimiterMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(RateLimiterConfig{Window: 10 * time.Second, Max: 1, AddHeaders: true}, nil)

	var seenBody string
	r := gin.New()
	r.POST("/sos", rl.Middleware(ReporterKeyFromBody), func(c *gin.Context) {
		b, _ := io.ReadAll(c.Request.Body)
		seenBody = string(b)
		c.Status(http.StatusCreated)
	})

	body := `{"user":{"externalId":"abc"},"latitude":1,"longitude":2}`
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sos", strings.NewReader(body)))
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, body, seenBody, "body must reach the handler intact")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sos", strings.NewReader(body)))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var resp struct {
		Error      string `json:"error"`
		RetryAfter int    `json:"retryAfter"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Error)
	assert.GreaterOrEqual(t, resp.RetryAfter, 1)

	// 没有上报者标识的请求交给处理器校验
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sos", strings.NewReader(`{"latitude":1}`)))
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestReporterKey(t *testing.T) {
	assert.Equal(t, "u-1", ReporterKey("u-1", ""))
	assert.Equal(t, "u-1", ReporterKey("u-1", "ext"))
	assert.Equal(t, "ext:dev", ReporterKey("", "dev"))
	assert.Equal(t, "", ReporterKey(" ", ""))
}

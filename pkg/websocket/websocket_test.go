package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"TourGuard/pkg/auth"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConn(id, userID string, groups ...string) *Connection {
	g := make(map[string]bool)
	for _, name := range groups {
		g[name] = true
	}
	return &Connection{
		ID:       id,
		UserID:   userID,
		Send:     make(chan []byte, 256),
		Groups:   g,
		Metadata: make(map[string]interface{}),
	}
}

func recv(t *testing.T, conn *Connection) Message {
	t.Helper()
	select {
	case data, ok := <-conn.Send:
		require.True(t, ok, "send channel closed")
		var m Message
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	case <-time.After(time.Second):
		t.Fatalf("no message for %s", conn.ID)
	}
	return Message{}
}

func assertNoMessage(t *testing.T, conn *Connection) {
	t.Helper()
	select {
	case data := <-conn.Send:
		t.Fatalf("unexpected message for %s: %s", conn.ID, data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNewHub(t *testing.T) {
	hub := NewHub(nil)
	assert.NotNil(t, hub)
	assert.Equal(t, int64(100000), hub.config.MaxConnections)
	assert.Equal(t, 30*time.Second, hub.config.HeartbeatInterval)

	hub.Close()
	hub.Close()
	assert.Error(t, hub.Publish("admin", "sos:new", nil))
}

func TestHubConnectionManagement(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	conn := newTestConn("test_conn_1", "test_user_1")
	require.NoError(t, hub.Register(conn))

	assert.Equal(t, int64(1), hub.GetConnectionCount())
	assert.Equal(t, 1, hub.GetUserConnections("test_user_1"))

	hub.Unregister(conn)
	hub.Unregister(conn)

	assert.Equal(t, int64(0), hub.GetConnectionCount())
	assert.Equal(t, 0, hub.GetUserConnections("test_user_1"))
	_, ok := <-conn.Send
	assert.False(t, ok, "send channel should be closed")
}

func TestHubConnectionLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	hub := NewHub(cfg)
	defer hub.Close()

	require.NoError(t, hub.Register(newTestConn("a", "u1")))
	assert.Error(t, hub.Register(newTestConn("b", "u2")))
	assert.Equal(t, int64(1), hub.GetConnectionCount())
}

func TestHubGroupManagement(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	conn1 := newTestConn("test_conn_1", "test_user_1")
	conn2 := newTestConn("test_conn_2", "test_user_2")
	require.NoError(t, hub.Register(conn1))
	require.NoError(t, hub.Register(conn2))

	conn1.JoinGroup("test_group")
	conn2.JoinGroup("test_group")
	assert.Equal(t, 2, hub.GetGroupConnections("test_group"))

	conn1.LeaveGroup("test_group")
	assert.Equal(t, 1, hub.GetGroupConnections("test_group"))
	assert.False(t, conn1.IsInGroup("test_group"))

	hub.Unregister(conn2)
	assert.Equal(t, 0, hub.GetGroupConnections("test_group"))
}

func TestPublishReachesOnlyGroupMembers(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	admin := newTestConn("admin_1", "a1", "admin")
	device := newTestConn("device_1", "")
	require.NoError(t, hub.Register(admin))
	require.NoError(t, hub.Register(device))

	require.NoError(t, hub.Publish("admin", "sos:new", map[string]string{"id": "e1"}))

	m := recv(t, admin)
	assert.Equal(t, "sos:new", m.Type)
	assert.Equal(t, map[string]interface{}{"id": "e1"}, m.Data)
	assert.NotZero(t, m.Timestamp)
	assertNoMessage(t, device)
}

func TestPublishPreservesOrderPerConnection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ShardCount = 4
	hub := NewHub(cfg)
	defer hub.Close()

	conns := make([]*Connection, 8)
	for i := range conns {
		conns[i] = newTestConn("conn_"+string(rune('a'+i)), "admin", "admin")
		require.NoError(t, hub.Register(conns[i]))
	}

	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, hub.Publish("admin", "sos:update", i))
	}
	for _, c := range conns {
		for i := 0; i < n; i++ {
			m := recv(t, c)
			assert.Equal(t, float64(i), m.Data, "out of order on %s", c.ID)
		}
	}
}

func TestPublishSnapshotExcludesLateJoiner(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	early := newTestConn("early", "a1", "admin")
	require.NoError(t, hub.Register(early))
	require.NoError(t, hub.Publish("admin", "sos:new", "first"))

	late := newTestConn("late", "a2", "admin")
	require.NoError(t, hub.Register(late))
	require.NoError(t, hub.Publish("admin", "sos:new", "second"))

	assert.Equal(t, "first", recv(t, early).Data)
	assert.Equal(t, "second", recv(t, early).Data)
	assert.Equal(t, "second", recv(t, late).Data)
	assertNoMessage(t, late)
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	slow := newTestConn("slow", "a1", "admin")
	slow.Send = make(chan []byte, 1)
	fast := newTestConn("fast", "a2", "admin")
	require.NoError(t, hub.Register(slow))
	require.NoError(t, hub.Register(fast))

	for i := 0; i < 3; i++ {
		require.NoError(t, hub.Publish("admin", "sos:new", i))
	}
	for i := 0; i < 3; i++ {
		assert.Equal(t, float64(i), recv(t, fast).Data)
	}
	assert.Equal(t, float64(0), recv(t, slow).Data)
	assertNoMessage(t, slow)
}

func TestPublishDuringDisconnect(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		c := newTestConn("churn_"+string(rune('A'+i)), "a", "admin")
		require.NoError(t, hub.Register(c))
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = hub.Publish("admin", "sos:update", "x")
		}()
		go func() {
			defer wg.Done()
			hub.Unregister(c)
		}()
	}
	wg.Wait()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), hub.GetConnectionCount())
}

func TestHeartbeatTimeoutUnregisters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.ConnectionTimeout = 50 * time.Millisecond
	hub := NewHub(cfg)
	defer hub.Close()

	conn := newTestConn("idle", "a1", "admin")
	require.NoError(t, hub.Register(conn))
	assert.Eventually(t, func() bool { return hub.GetConnectionCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestConnectionMessageHandling(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	conn := newTestConn("device", "")
	conn.handlers = map[string]MessageHandler{
		"echo": func(ctx context.Context, c *Connection, data []byte) *Message {
			return &Message{Type: "echoed", Data: string(data)}
		},
	}
	require.NoError(t, hub.Register(conn))

	reply := conn.handleMessage(context.Background(), []byte(`{"type":"ping"}`))
	require.NotNil(t, reply)
	assert.Equal(t, MessageTypePong, reply.Type)

	reply = conn.handleMessage(context.Background(), []byte(`{"type":"echo","data":{"a":1}}`))
	require.NotNil(t, reply)
	assert.Equal(t, "echoed", reply.Type)
	assert.Equal(t, `{"a":1}`, reply.Data)

	reply = conn.handleMessage(context.Background(), []byte(`{"type":"nope"}`))
	require.NotNil(t, reply)
	assert.Equal(t, MessageTypeError, reply.Type)

	reply = conn.handleMessage(context.Background(), []byte(`not json`))
	require.NotNil(t, reply)
	assert.Equal(t, MessageTypeError, reply.Type)
}

func newWSServer(t *testing.T, mode auth.Mode, jm *auth.JWTManager, deviceHandlers map[string]MessageHandler) (*Hub, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := NewHub(nil)
	h := NewHandler(hub, mode, jm)
	if deviceHandlers != nil {
		h.WithDeviceChannel("dev-key", deviceHandlers)
	}
	r := gin.New()
	RegisterRoutes(r, h)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})
	return hub, srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestAdminHandshakeRejectsBeforeUpgrade(t *testing.T) {
	jm := auth.NewJWTManager("secret", time.Hour)
	hub, srv := newWSServer(t, auth.Enforced, jm, nil)

	_, resp, err := gws.DefaultDialer.Dial(wsURL(srv, RouteWebSocketAdmin), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = gws.DefaultDialer.Dial(wsURL(srv, RouteWebSocketAdmin+"?token=garbage"), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	userTok, _ := jm.GenerateToken(auth.Principal{UserID: "u1", Role: "user"})
	header := http.Header{"Authorization": []string{"Bearer " + userTok}}
	_, resp, err = gws.DefaultDialer.Dial(wsURL(srv, RouteWebSocketAdmin), header)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	assert.Equal(t, int64(0), hub.GetConnectionCount())
}

func TestAdminReceivesBroadcast(t *testing.T) {
	jm := auth.NewJWTManager("secret", time.Hour)
	hub, srv := newWSServer(t, auth.Enforced, jm, nil)

	tok, _ := jm.GenerateToken(auth.Principal{UserID: "a1", Role: "admin"})
	ws, _, err := gws.DefaultDialer.Dial(wsURL(srv, RouteWebSocketAdmin+"?token="+tok), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.Eventually(t, func() bool { return hub.GetGroupConnections("admin") == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, hub.Publish("admin", "sos:new", map[string]string{"id": "e1"}))

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m Message
	require.NoError(t, ws.ReadJSON(&m))
	assert.Equal(t, "sos:new", m.Type)

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool { return hub.GetConnectionCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestDeviceChannel(t *testing.T) {
	handlers := map[string]MessageHandler{
		"sos:trigger": func(ctx context.Context, c *Connection, data []byte) *Message {
			return &Message{Type: "sos:ack", Data: json.RawMessage(data)}
		},
	}
	hub, srv := newWSServer(t, auth.Enforced, auth.NewJWTManager("secret", time.Hour), handlers)

	_, resp, err := gws.DefaultDialer.Dial(wsURL(srv, RouteWebSocketDevice), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	header := http.Header{"X-Integration-Key": []string{"dev-key"}}
	ws, _, err := gws.DefaultDialer.Dial(wsURL(srv, RouteWebSocketDevice), header)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]interface{}{"type": "sos:trigger", "data": map[string]interface{}{"latitude": 1.5}}))
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m Message
	require.NoError(t, ws.ReadJSON(&m))
	assert.Equal(t, "sos:ack", m.Type)
	assert.Equal(t, map[string]interface{}{"latitude": 1.5}, m.Data)

	// 设备连接不在管理组内
	assert.Equal(t, 0, hub.GetGroupConnections("admin"))
}

func TestWebSocketHandlerStats(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	handler := NewHandler(hub, auth.Enforced, auth.NewJWTManager("s", time.Hour))

	w := httptest.NewRecorder()
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/ws/stats", nil)

	handler.GetStats(c)

	assert.Equal(t, http.StatusOK, w.Code)
	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Contains(t, response, "total_connections")
	assert.Contains(t, response, "admin_connections")
}

func TestStatsRouteRequiresAdmin(t *testing.T) {
	jm := auth.NewJWTManager("secret", time.Hour)
	_, srv := newWSServer(t, auth.Enforced, jm, nil)

	get := func(path, token string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusUnauthorized, get(RouteWebSocketStats, "").StatusCode)

	userTok, _ := jm.GenerateToken(auth.Principal{UserID: "u1", Role: "user"})
	assert.Equal(t, http.StatusForbidden, get(RouteWebSocketStats, userTok).StatusCode)

	adminTok, _ := jm.GenerateToken(auth.Principal{UserID: "a1", Role: "admin"})
	resp := get(RouteWebSocketStats, adminTok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Contains(t, stats, "admin_connections")

	// 健康检查不需要令牌
	assert.Equal(t, http.StatusOK, get(RouteWebSocketHealth, "").StatusCode)
}

func TestConfigValidation(t *testing.T) {
	assert.NoError(t, ValidateConfig(DefaultConfig()))

	invalidConfig := &Config{
		MaxConnections:    0,
		HeartbeatInterval: 60 * time.Second,
		ConnectionTimeout: 30 * time.Second,
		MessageBufferSize: 0,
		MessageQueueSize:  0,
	}
	assert.Error(t, ValidateConfig(invalidConfig))

	bad := DefaultConfig()
	bad.HeartbeatInterval = bad.ConnectionTimeout
	assert.Error(t, ValidateConfig(bad))
}

func TestConfigLoading(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, int64(100000), config.MaxConnections)

	clonedConfig := CloneConfig(config)
	clonedConfig.MaxConnections = 5
	assert.Equal(t, int64(100000), config.MaxConnections)

	t.Setenv(EnvWebSocketShardCount, "3")
	t.Setenv(EnvWebSocketDropOnFull, "false")
	loaded := LoadConfigFromEnv()
	assert.Equal(t, 3, loaded.ShardCount)
	assert.False(t, loaded.DropOnFull)

	// 心跳不小于超时，整体回退默认值
	t.Setenv(EnvWebSocketHeartbeatInterval, "120")
	t.Setenv(EnvWebSocketConnectionTimeout, "60")
	fallback := LoadConfigFromEnv()
	assert.Equal(t, DefaultConfig().ShardCount, fallback.ShardCount)
	assert.True(t, fallback.DropOnFull)
}

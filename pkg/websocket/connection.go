package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const writeWait = 10 * time.Second

// AcceptOptions 升级后连接的身份与能力
type AcceptOptions struct {
	UserID   string
	Role     string
	Groups   []string
	Handlers map[string]MessageHandler
	Metadata map[string]interface{}
}

// newUpgrader 根据配置创建WebSocket升级器
func newUpgrader(cfg *Config) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		// 跨域由外层 CORS 与令牌认证控制
		CheckOrigin:       func(r *http.Request) bool { return true },
		EnableCompression: cfg.EnableCompression,
	}
}

// HandleWebSocket 升级连接并注册到 Hub，调用方需在此之前完成认证
func HandleWebSocket(hub *Hub, w http.ResponseWriter, r *http.Request, opts AcceptOptions) {
	upgrader := newUpgrader(hub.config)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Errorf("WebSocket升级失败: %v", err)
		return
	}

	if hub.config.EnableCompression {
		conn.EnableWriteCompression(true)
		if hub.config.CompressionLevel != 0 {
			_ = conn.SetCompressionLevel(hub.config.CompressionLevel)
		}
	}

	connection := newConnection(hub, conn, opts)
	if err := hub.Register(connection); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	go connection.writePump()
	go connection.readPump()
}

func newConnection(hub *Hub, conn *websocket.Conn, opts AcceptOptions) *Connection {
	groups := make(map[string]bool, len(opts.Groups))
	for _, g := range opts.Groups {
		groups[g] = true
	}
	metadata := opts.Metadata
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	return &Connection{
		ID:       generateConnectionID(),
		UserID:   opts.UserID,
		Role:     opts.Role,
		Conn:     conn,
		Send:     make(chan []byte, hub.config.MessageBufferSize),
		Hub:      hub,
		LastPing: time.Now(),
		Groups:   groups,
		Metadata: metadata,
		handlers: opts.Handlers,
	}
}

// generateConnectionID 生成唯一的连接ID
func generateConnectionID() string {
	return "conn_" + uuid.NewString()
}

// readPump 读取消息的协程
func (c *Connection) readPump() {
	defer func() {
		c.Hub.Unregister(c)
		_ = c.Conn.Close()
	}()

	c.Conn.SetReadLimit(int64(c.Hub.config.MaxMessageSize))
	_ = c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.ConnectionTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.touch()
		return c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.ConnectionTimeout))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.Warnf("WebSocket读取错误: %v", err)
			}
			return
		}
		c.touch()
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.ConnectionTimeout))

		if reply := c.handleMessage(c.Hub.ctx, message); reply != nil {
			if err := c.SendMessage(reply); err != nil {
				logrus.Warnf("连接 %s 回复失败: %v", c.ID, err)
			}
		}
	}
}

// writePump 发送消息的协程，每条消息一个帧
func (c *Connection) writePump() {
	interval := c.Hub.config.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(time.Duration(float64(interval) * 0.9))
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理接收到的消息
func (c *Connection) handleMessage(ctx context.Context, raw []byte) *Message {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return errorMessage(ErrInvalidMessageData, nil)
	}

	if msg.Type == MessageTypePing {
		return &Message{Type: MessageTypePong}
	}

	handler, ok := c.handlers[msg.Type]
	if !ok {
		logrus.Debugf("连接 %s 未知的消息类型: %s", c.ID, msg.Type)
		return errorMessage(ErrInvalidMessageType, map[string]interface{}{"type": msg.Type})
	}
	return handler(ctx, c, msg.Data)
}

func errorMessage(text string, extra map[string]interface{}) *Message {
	data := map[string]interface{}{"error": text}
	for k, v := range extra {
		data[k] = v
	}
	return &Message{Type: MessageTypeError, Data: data}
}

// ErrorReply 构造错误回复，extra 会并入 data
func ErrorReply(text string, extra map[string]interface{}) *Message {
	return errorMessage(text, extra)
}

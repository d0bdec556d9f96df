package websocket

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// inboundMessage 客户端上行消息，data 延迟到具体处理器解析
type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MessageHandler 处理一种上行消息，返回值会回写给发送方，nil 表示不回复
type MessageHandler func(ctx context.Context, conn *Connection, data []byte) *Message

// Observer 连接与广播的指标上报
type Observer interface {
	ConnectionOpened()
	ConnectionClosed()
	RecordBroadcast(topic string)
}

// Connection 表示一个WebSocket连接
type Connection struct {
	ID       string
	UserID   string
	Role     string
	Conn     *websocket.Conn
	Send     chan []byte
	Hub      *Hub
	LastPing time.Time
	mu       sync.RWMutex
	closed   bool
	Groups   map[string]bool
	Metadata map[string]interface{}
	handlers map[string]MessageHandler
}

// Hub 管理所有WebSocket连接
type Hub struct {
	// 注册的连接
	connections map[string]*Connection
	// 组到连接ID的映射
	groupConnections map[string]map[string]bool
	// 连接计数
	connectionCount int64
	// 配置
	config *Config
	// 互斥锁
	mu sync.RWMutex
	// 上下文
	ctx    context.Context
	cancel context.CancelFunc

	// 每个分片一个 FIFO 队列和一个 worker，保证同一连接上的消息顺序
	shardCount int
	shardJobs  []chan broadcastJob

	observer  Observer
	closeOnce sync.Once
}

type broadcastJob struct {
	data    []byte
	targets []*Connection
}

// Config WebSocket配置
type Config struct {
	// 最大连接数
	MaxConnections int64
	// 心跳间隔
	HeartbeatInterval time.Duration
	// 连接超时时间
	ConnectionTimeout time.Duration
	// 单连接发送缓冲区大小
	MessageBufferSize int
	// 读缓冲区大小
	ReadBufferSize int
	// 写缓冲区大小
	WriteBufferSize int
	// 最大消息大小
	MaxMessageSize int
	// 是否启用压缩
	EnableCompression bool
	// 每个分片的广播队列长度
	MessageQueueSize int
	// 分片数量
	ShardCount int
	// 发送缓冲区满时是否丢弃
	DropOnFull bool
	// 压缩等级（-2..9）
	CompressionLevel int
	// 慢消费者策略：背压触发时直接断开
	CloseOnBackpressure bool
	// 发送阻塞超时（用于非 DropOnFull 模式）
	SendTimeout time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxConnections:      DefaultMaxConnections,
		HeartbeatInterval:   DefaultHeartbeatInterval * time.Second,
		ConnectionTimeout:   DefaultConnectionTimeout * time.Second,
		MessageBufferSize:   DefaultMessageBufferSize,
		ReadBufferSize:      DefaultReadBufferSize,
		WriteBufferSize:     DefaultWriteBufferSize,
		MaxMessageSize:      DefaultMaxMessageSize,
		EnableCompression:   true,
		MessageQueueSize:    DefaultMessageQueueSize,
		ShardCount:          16,
		DropOnFull:          true,
		CompressionLevel:    -2,
		CloseOnBackpressure: false,
		SendTimeout:         50 * time.Millisecond,
	}
}

// NewHub 创建新的Hub实例
func NewHub(config *Config) *Hub {
	if config == nil {
		config = DefaultConfig()
	}
	config = CloneConfig(config)
	if config.ShardCount <= 0 {
		config.ShardCount = 1
	}
	if config.MessageQueueSize <= 0 {
		config.MessageQueueSize = DefaultMessageQueueSize
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval * time.Second
	}
	if config.ConnectionTimeout <= 0 {
		config.ConnectionTimeout = DefaultConnectionTimeout * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	hub := &Hub{
		connections:      make(map[string]*Connection),
		groupConnections: make(map[string]map[string]bool),
		config:           config,
		ctx:              ctx,
		cancel:           cancel,
		shardCount:       config.ShardCount,
	}

	hub.shardJobs = make([]chan broadcastJob, hub.shardCount)
	for i := 0; i < hub.shardCount; i++ {
		hub.shardJobs[i] = make(chan broadcastJob, config.MessageQueueSize)
		go hub.shardWorker(hub.shardJobs[i])
	}

	go hub.run()
	return hub
}

// WithObserver 配置指标观察者，需在接入连接前调用
func (h *Hub) WithObserver(o Observer) *Hub {
	h.observer = o
	return h
}

// Config 返回配置副本
func (h *Hub) Config() *Config {
	return CloneConfig(h.config)
}

// run Hub主循环，只负责心跳检查
func (h *Hub) run() {
	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.checkHeartbeats()
		}
	}
}

// Register 注册连接，超过上限返回错误
func (h *Hub) Register(conn *Connection) error {
	if h.ctx.Err() != nil {
		return fmt.Errorf(ErrHubClosed)
	}

	h.mu.Lock()
	if atomic.LoadInt64(&h.connectionCount) >= h.config.MaxConnections {
		h.mu.Unlock()
		logrus.Warnf("达到最大连接数限制: %d", h.config.MaxConnections)
		return fmt.Errorf(ErrConnectionLimitExceeded)
	}

	conn.Hub = h
	if conn.Groups == nil {
		conn.Groups = make(map[string]bool)
	}
	if conn.LastPing.IsZero() {
		conn.LastPing = time.Now()
	}
	h.connections[conn.ID] = conn
	atomic.AddInt64(&h.connectionCount, 1)

	conn.mu.RLock()
	for group := range conn.Groups {
		h.addToGroupLocked(group, conn.ID)
	}
	conn.mu.RUnlock()
	h.mu.Unlock()

	if h.observer != nil {
		h.observer.ConnectionOpened()
	}
	logrus.Infof("WebSocket连接已注册: %s, 用户: %s, 当前连接数: %d",
		conn.ID, conn.UserID, atomic.LoadInt64(&h.connectionCount))
	return nil
}

// Unregister 注销连接并关闭发送通道，可重复调用
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	if _, exists := h.connections[conn.ID]; !exists {
		h.mu.Unlock()
		return
	}
	delete(h.connections, conn.ID)
	atomic.AddInt64(&h.connectionCount, -1)

	conn.mu.RLock()
	for group := range conn.Groups {
		h.removeFromGroupLocked(group, conn.ID)
	}
	conn.mu.RUnlock()
	h.mu.Unlock()

	conn.close()
	if h.observer != nil {
		h.observer.ConnectionClosed()
	}
	logrus.Infof("WebSocket连接已注销: %s, 当前连接数: %d",
		conn.ID, atomic.LoadInt64(&h.connectionCount))
}

func (h *Hub) addToGroupLocked(group, connID string) {
	if h.groupConnections[group] == nil {
		h.groupConnections[group] = make(map[string]bool)
	}
	h.groupConnections[group][connID] = true
}

func (h *Hub) removeFromGroupLocked(group, connID string) {
	if h.groupConnections[group] != nil {
		delete(h.groupConnections[group], connID)
		if len(h.groupConnections[group]) == 0 {
			delete(h.groupConnections, group)
		}
	}
}

// Publish 向组内当前成员推送消息。成员在调用时快照，之后加入的连接收不到本条消息。
// 投递是尽力而为的：缓冲区满的连接会丢弃该消息。
func (h *Hub) Publish(group, topic string, payload interface{}) error {
	if h.ctx.Err() != nil {
		return fmt.Errorf(ErrHubClosed)
	}

	data, err := json.Marshal(&Message{Type: topic, Data: payload, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		logrus.Errorf("消息序列化失败: %v", err)
		return err
	}

	perShard := make([][]*Connection, h.shardCount)
	h.mu.RLock()
	for connID := range h.groupConnections[group] {
		if conn, ok := h.connections[connID]; ok {
			sh := h.shardIndex(connID)
			perShard[sh] = append(perShard[sh], conn)
		}
	}
	h.mu.RUnlock()

	for sh, targets := range perShard {
		if len(targets) == 0 {
			continue
		}
		select {
		case h.shardJobs[sh] <- broadcastJob{data: data, targets: targets}:
		default:
			logrus.Warnf("分片 %d 广播队列已满，%s 消息被丢弃 (%d 个连接)", sh, topic, len(targets))
		}
	}

	if h.observer != nil {
		h.observer.RecordBroadcast(topic)
	}
	return nil
}

// shardWorker 按入队顺序投递
func (h *Hub) shardWorker(jobs chan broadcastJob) {
	for {
		select {
		case <-h.ctx.Done():
			return
		case job := <-jobs:
			for _, conn := range job.targets {
				h.trySend(conn, job.data)
			}
		}
	}
}

// checkHeartbeats 检查心跳
func (h *Hub) checkHeartbeats() {
	now := time.Now()
	var stale []*Connection
	h.mu.RLock()
	for _, conn := range h.connections {
		conn.mu.RLock()
		last := conn.LastPing
		conn.mu.RUnlock()
		if now.Sub(last) > h.config.ConnectionTimeout {
			stale = append(stale, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range stale {
		logrus.Warnf("连接 %s 心跳超时，准备关闭", conn.ID)
		if conn.Conn != nil {
			// readPump 退出后会注销连接
			_ = conn.Conn.Close()
		} else {
			h.Unregister(conn)
		}
	}
}

// GetConnectionCount 获取当前连接数
func (h *Hub) GetConnectionCount() int64 {
	return atomic.LoadInt64(&h.connectionCount)
}

// GetUserConnections 获取用户的连接数
func (h *Hub) GetUserConnections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, conn := range h.connections {
		if conn.UserID == userID {
			n++
		}
	}
	return n
}

// GetGroupConnections 获取组的连接数
func (h *Hub) GetGroupConnections(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groupConnections[group])
}

// Close 关闭Hub
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.cancel()

		h.mu.RLock()
		conns := make([]*Connection, 0, len(h.connections))
		for _, conn := range h.connections {
			conns = append(conns, conn)
		}
		h.mu.RUnlock()

		for _, conn := range conns {
			if conn.Conn != nil {
				_ = conn.Conn.Close()
			}
			h.Unregister(conn)
		}
		logrus.Info("WebSocket Hub已关闭")
	})
}

// shardIndex 计算分片索引
func (h *Hub) shardIndex(id string) int {
	if h.shardCount <= 1 {
		return 0
	}
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(id))
	return int(hasher.Sum32() % uint32(h.shardCount))
}

// trySend 背压策略
func (h *Hub) trySend(conn *Connection, data []byte) {
	var timeout time.Duration
	if !h.config.DropOnFull {
		timeout = h.config.SendTimeout
		if timeout <= 0 {
			timeout = 50 * time.Millisecond
		}
	}
	if conn.enqueue(data, timeout) {
		return
	}
	if conn.isClosed() {
		return
	}
	logrus.Warnf("连接 %s 发送缓冲区已满，消息被丢弃", conn.ID)
	if h.config.CloseOnBackpressure && conn.Conn != nil {
		_ = conn.Conn.Close()
	}
}

// enqueue 写入发送缓冲区，连接已关闭时返回 false。读锁保证不会向已关闭的通道写入。
func (c *Connection) enqueue(data []byte, timeout time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	if timeout <= 0 {
		select {
		case c.Send <- data:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case c.Send <- data:
		return true
	case <-t.C:
		return false
	}
}

func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

func (c *Connection) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.LastPing = time.Now()
	c.mu.Unlock()
}

// SendMessage 发送消息给当前连接
func (c *Connection) SendMessage(message *Message) error {
	if message.Timestamp == 0 {
		message.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	if !c.enqueue(data, 0) {
		return fmt.Errorf(ErrSendBufferFull)
	}
	return nil
}

// JoinGroup 加入组
func (c *Connection) JoinGroup(groupName string) {
	c.mu.Lock()
	c.Groups[groupName] = true
	c.mu.Unlock()

	if c.Hub == nil {
		return
	}
	c.Hub.mu.Lock()
	if _, ok := c.Hub.connections[c.ID]; ok {
		c.Hub.addToGroupLocked(groupName, c.ID)
	}
	c.Hub.mu.Unlock()
}

// LeaveGroup 离开组
func (c *Connection) LeaveGroup(groupName string) {
	c.mu.Lock()
	delete(c.Groups, groupName)
	c.mu.Unlock()

	if c.Hub == nil {
		return
	}
	c.Hub.mu.Lock()
	c.Hub.removeFromGroupLocked(groupName, c.ID)
	c.Hub.mu.Unlock()
}

// IsInGroup 检查是否在指定组中
func (c *Connection) IsInGroup(groupName string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Groups[groupName]
}

// GetGroups 获取连接所属的组
func (c *Connection) GetGroups() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	groups := make([]string, 0, len(c.Groups))
	for group := range c.Groups {
		groups = append(groups, group)
	}
	return groups
}

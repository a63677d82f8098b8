package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/Hrithick25/smartcollar/internal/classifier"
	"github.com/Hrithick25/smartcollar/internal/notify"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// 推送给浏览器的消息类型
const (
	MessageStatusUpdate = "status_update"
	MessageHealthAlert  = "health_alert"
	MessageSubscribed   = "subscribed"
	MessageUnsubscribed = "unsubscribed"
	MessageError        = "error"
	MessagePong         = "pong"
)

// WSMessage 服务端消息
type WSMessage struct {
	Type      string      `json:"type"`
	DogID     string      `json:"dog_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Hub 管理 WebSocket 连接及其订阅的狗
// 同时实现 notify.Sink，接收分发器的状态变化
type Hub struct {
	status  StatusReader
	origins []string
	logger  *zap.Logger

	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once

	// clients 客户端 -> 订阅的 dog_id 集合
	mu      sync.RWMutex
	clients map[*Client]map[string]bool
	closed  bool

	statsMu sync.Mutex
	stats   HubStats

	upgrader websocket.Upgrader
}

// HubStats 推送统计
type HubStats struct {
	TotalClients int64 `json:"total_clients"`
	Sent         int64 `json:"sent"`
	Dropped      int64 `json:"dropped"`
}

// NewHub 创建 Hub；allowedOrigins 为空或包含 "*" 时不校验 Origin
func NewHub(status StatusReader, allowedOrigins []string, logger *zap.Logger) *Hub {
	h := &Hub{
		status:     status,
		origins:    allowedOrigins,
		logger:     logger,
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]map[string]bool),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Name notify.Sink
func (h *Hub) Name() string { return "websocket" }

// Run 处理注销，ctx 结束时关闭所有连接
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")

	statsTicker := time.NewTicker(30 * time.Second)
	defer statsTicker.Stop()

	defer h.stopOnce.Do(func() { close(h.done) })

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			h.logger.Info("WebSocket hub stopped")
			return

		case c := <-h.unregister:
			h.removeClient(c)

		case <-statsTicker.C:
			stats := h.Stats()
			h.logger.Info("WebSocket stats",
				zap.Int("clients", h.ClientCount()),
				zap.Int64("total_clients", stats.TotalClients),
				zap.Int64("sent", stats.Sent),
				zap.Int64("dropped", stats.Dropped),
			)
		}
	}
}

// ServeHTTP 升级为 WebSocket 连接
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade websocket", zap.Error(err))
		return
	}

	c := newClient(h, conn, remoteAddr(r))
	if !h.addClient(c) {
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// Handle 把事件推送给订阅了该狗的客户端
// Critical 告警推送给全部客户端
func (h *Hub) Handle(_ context.Context, e notify.Event) error {
	h.deliver(e.DogID, WSMessage{
		Type:      MessageStatusUpdate,
		DogID:     e.DogID,
		Data:      e.Status,
		Timestamp: e.At,
	}, false)

	if e.IsAlert() {
		broadcast := e.Entry.Kind == classifier.KindTransition && e.Entry.Label == classifier.LabelCritical
		h.deliver(e.DogID, WSMessage{
			Type:      MessageHealthAlert,
			DogID:     e.DogID,
			Data:      e.Entry,
			Timestamp: e.At,
		}, broadcast)
	}

	return nil
}

func (h *Hub) deliver(dogID string, msg WSMessage, all bool) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal websocket message", zap.Error(err))
		return
	}

	var slow []*Client
	var sent, dropped int64

	h.mu.RLock()
	for c, subs := range h.clients {
		if !all && !subs[dogID] {
			continue
		}
		select {
		case c.send <- payload:
			sent++
		default:
			dropped++
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	h.statsMu.Lock()
	h.stats.Sent += sent
	h.stats.Dropped += dropped
	h.statsMu.Unlock()

	// 发送缓冲已满的客户端直接断开
	for _, c := range slow {
		h.logger.Warn("Dropping slow websocket client", zap.String("client_id", c.id))
		h.removeClient(c)
	}
}

// subscribe 记录订阅并返回当前状态（如果有）
func (h *Hub) subscribe(c *Client, dogID string) (interface{}, bool) {
	h.mu.Lock()
	subs, ok := h.clients[c]
	if ok {
		subs[dogID] = true
	}
	h.mu.Unlock()
	if !ok {
		return nil, false
	}

	h.logger.Debug("Client subscribed", zap.String("client_id", c.id), zap.String("dog_id", dogID))

	if h.status == nil {
		return nil, true
	}
	if st, found := h.status.Status(dogID); found {
		return st, true
	}
	return nil, true
}

func (h *Hub) unsubscribe(c *Client, dogID string) {
	h.mu.Lock()
	if subs, ok := h.clients[c]; ok {
		delete(subs, dogID)
	}
	h.mu.Unlock()
}

// reply 只发给单个客户端
func (h *Hub) reply(c *Client, msg WSMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// addClient 在启动读写协程之前登记，保证首条订阅指令能找到客户端
func (h *Hub) addClient(c *Client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = make(map[string]bool)
	count := len(h.clients)
	h.mu.Unlock()

	h.statsMu.Lock()
	h.stats.TotalClients++
	h.statsMu.Unlock()

	h.logger.Info("WebSocket client connected",
		zap.String("client_id", c.id),
		zap.String("remote_addr", c.remoteAddr),
		zap.Int("clients", count),
	)
	return true
}

// removeClient 注销客户端并关闭发送通道（幂等）
func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.logger.Info("WebSocket client disconnected",
			zap.String("client_id", c.id),
			zap.Int("clients", count),
		)
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount 订阅了某只狗的连接数
func (h *Hub) SubscriberCount(dogID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.clients {
		if subs[dogID] {
			n++
		}
	}
	return n
}

// Stats 推送统计快照
func (h *Hub) Stats() HubStats {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	return h.stats
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.origins) == 0 {
		return true
	}
	for _, o := range h.origins {
		if o == "*" || o == origin {
			return true
		}
	}
	h.logger.Warn("Rejected websocket origin", zap.String("origin", origin))
	return false
}

// remoteAddr 优先取代理头
func remoteAddr(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

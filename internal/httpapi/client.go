package httpapi

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// 写超时
	writeWait = 10 * time.Second

	// 读超时，收到 pong 后顺延
	pongWait = 60 * time.Second

	// ping 间隔，必须小于 pongWait
	pingPeriod = (pongWait * 9) / 10

	// 客户端消息只有订阅指令
	maxMessageSize = 4 * 1024

	sendBufferSize = 256
)

// ClientMessage 客户端指令：{"action":"subscribe","dog_id":"..."}
type ClientMessage struct {
	Action string `json:"action"`
	DogID  string `json:"dog_id"`
}

// Client 单个 WebSocket 连接
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	id         string
	remoteAddr string
}

func newClient(hub *Hub, conn *websocket.Conn, remoteAddr string) *Client {
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBufferSize),
		id:         uuid.New().String(),
		remoteAddr: remoteAddr,
	}
}

// readPump 读取客户端指令，连接断开时注销
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("WebSocket read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
		c.handleMessage(message)
	}
}

// writePump 把发送通道里的消息写到连接，并定期 ping
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// hub 关闭了通道
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// 每条消息一个帧，浏览器端直接 JSON.parse
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(message []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.hub.reply(c, WSMessage{Type: MessageError, Error: "invalid message format", Timestamp: time.Now()})
		return
	}

	switch msg.Action {
	case "subscribe":
		if msg.DogID == "" {
			c.hub.reply(c, WSMessage{Type: MessageError, Error: "dog_id is required", Timestamp: time.Now()})
			return
		}
		current, ok := c.hub.subscribe(c, msg.DogID)
		if !ok {
			return
		}
		c.hub.reply(c, WSMessage{Type: MessageSubscribed, DogID: msg.DogID, Data: current, Timestamp: time.Now()})
	case "unsubscribe":
		c.hub.unsubscribe(c, msg.DogID)
		c.hub.reply(c, WSMessage{Type: MessageUnsubscribed, DogID: msg.DogID, Timestamp: time.Now()})
	case "ping":
		c.hub.reply(c, WSMessage{Type: MessagePong, Timestamp: time.Now()})
	default:
		c.hub.reply(c, WSMessage{Type: MessageError, Error: "unknown action: " + msg.Action, Timestamp: time.Now()})
	}
}

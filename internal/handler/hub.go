package handler

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fmc-chatbot-go/internal/model"
	"fmc-chatbot-go/pkg/log"
)

const writeWait = 10 * time.Second

// 推送给前端的事件类型。
const (
	EventMessageAdded    = "message-added"
	EventAIResponseReady = "ai-response-ready"
	EventError           = "error"
)

// Event 是通过 WebSocket 推送给前端的消息。
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

type hubConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *hubConn) send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Hub 按会话端维护 WebSocket 连接，实现 service.Notifier。
// 同一个会话端可以有多个连接（例如多个标签页），事件会推送给所有连接。
type Hub struct {
	mu    sync.RWMutex
	conns map[string]map[*hubConn]struct{}
}

// NewHub 创建一个新的 Hub。
func NewHub() *Hub {
	return &Hub{conns: make(map[string]map[*hubConn]struct{})}
}

func (h *Hub) register(sessionID string, conn *websocket.Conn) *hubConn {
	hc := &hubConn{conn: conn}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[sessionID] == nil {
		h.conns[sessionID] = make(map[*hubConn]struct{})
	}
	h.conns[sessionID][hc] = struct{}{}
	return hc
}

func (h *Hub) unregister(sessionID string, hc *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.conns[sessionID]; ok {
		delete(set, hc)
		if len(set) == 0 {
			delete(h.conns, sessionID)
		}
	}
}

// Connections 返回会话端当前的连接数。
func (h *Hub) Connections(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[sessionID])
}

func (h *Hub) MessageAdded(sessionID string, reply model.ChatReply) {
	h.broadcast(sessionID, Event{Type: EventMessageAdded, Data: reply})
}

func (h *Hub) AIResponseReady(sessionID string, reply model.ChatReply) {
	h.broadcast(sessionID, Event{Type: EventAIResponseReady, Data: reply})
}

func (h *Hub) broadcast(sessionID string, event Event) {
	event.Timestamp = time.Now().UnixMilli()
	payload, err := json.Marshal(event)
	if err != nil {
		log.Errorf("[Hub] 序列化事件失败: %v", err)
		return
	}

	h.mu.RLock()
	targets := make([]*hubConn, 0, len(h.conns[sessionID]))
	for hc := range h.conns[sessionID] {
		targets = append(targets, hc)
	}
	h.mu.RUnlock()

	for _, hc := range targets {
		if err := hc.send(payload); err != nil {
			log.Warnf("[Hub] 推送事件失败，关闭连接: %v", err)
			h.unregister(sessionID, hc)
			_ = hc.conn.Close()
		}
	}
}

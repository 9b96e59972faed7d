package bridge

import (
	"encoding/json"
	"log/slog"
	"sync"

	"sudooom.im.client/internal/metrics"
)

// FrameType 推送帧类型
type FrameType string

const (
	FrameChats    FrameType = "chats"
	FrameMessages FrameType = "messages"
	FrameCall     FrameType = "call"
	FrameIncoming FrameType = "incoming"
	FrameError    FrameType = "error"
)

// Frame 推送给界面的一帧
type Frame struct {
	Type FrameType `json:"type"`
	Data any       `json:"data"`
}

// Hub 管理所有 websocket 连接，按用户分组
type Hub struct {
	clients map[*client]struct{}
	byUser  map[string]map[*client]struct{}
	mu      sync.RWMutex
}

// NewHub 创建连接管理器
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		byUser:  make(map[string]map[*client]struct{}),
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c] = struct{}{}
	if _, ok := h.byUser[c.uid]; !ok {
		h.byUser[c.uid] = make(map[*client]struct{})
	}
	h.byUser[c.uid][c] = struct{}{}
	metrics.BridgeConnections.Set(float64(len(h.clients)))
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	if conns, ok := h.byUser[c.uid]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.byUser, c.uid)
		}
	}
	metrics.BridgeConnections.Set(float64(len(h.clients)))
}

func (h *Hub) userClients(uid string) []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns := make([]*client, 0, len(h.byUser[uid]))
	for c := range h.byUser[uid] {
		conns = append(conns, c)
	}
	return conns
}

// Publish 推送给某个用户的所有连接
func (h *Hub) Publish(uid string, typ FrameType, data any) {
	conns := h.userClients(uid)
	if len(conns) == 0 {
		return
	}
	payload, err := encodeFrame(typ, data)
	if err != nil {
		slog.Error("Failed to encode frame", "type", typ, "uid", uid, "error", err)
		return
	}
	for _, c := range conns {
		c.send(payload)
	}
}

// CloseUser 断开某个用户的所有连接
func (h *Hub) CloseUser(uid string) {
	for _, c := range h.userClients(uid) {
		c.close()
	}
}

// CloseAll 断开全部连接
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.close()
	}
}

// Count 当前连接数
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func encodeFrame(typ FrameType, data any) ([]byte, error) {
	return json.Marshal(Frame{Type: typ, Data: data})
}

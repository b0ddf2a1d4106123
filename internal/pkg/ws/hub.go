package ws

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Hub 按任务记录事件流 WebSocket 连接
type Hub struct {
	// 同一任务可以有多个观察者（多标签页、分享链接等）
	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex
}

type Client struct {
	JobID string
	Conn  *websocket.Conn
	mu    sync.Mutex // 写锁，防止并发写入
}

func NewClient(jobID string, conn *websocket.Conn) *Client {
	return &Client{JobID: jobID, Conn: conn}
}

// WriteJSON 串行写入一条消息
func (c *Client) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteJSON(v)
}

// WritePing 心跳
func (c *Client) WritePing() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close 发送关闭帧后断开
func (c *Client) Close(reason string) {
	c.mu.Lock()
	_ = c.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(writeWait))
	c.mu.Unlock()
	_ = c.Conn.Close()
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[client.JobID] == nil {
		h.clients[client.JobID] = make(map[*Client]struct{})
	}
	h.clients[client.JobID][client] = struct{}{}

	total := 0
	for _, conns := range h.clients {
		total += len(conns)
	}
	log.Printf("Job %s stream connected, job_conns: %d, total: %d", client.JobID, len(h.clients[client.JobID]), total)
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.clients[client.JobID]; ok {
		delete(conns, client)
		if len(conns) == 0 {
			delete(h.clients, client.JobID)
		}
	}
	log.Printf("Job %s stream disconnected", client.JobID)
}

// CloseJob 断开某任务的全部连接，任务删除时调用
func (h *Hub) CloseJob(jobID, reason string) int {
	h.mu.Lock()
	conns := h.clients[jobID]
	delete(h.clients, jobID)
	h.mu.Unlock()

	for c := range conns {
		c.Close(reason)
	}
	return len(conns)
}

// Watching 任务是否有人在观察
func (h *Hub) Watching(jobID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns, ok := h.clients[jobID]
	return ok && len(conns) > 0
}

// ConnectionCount 获取在线连接数
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, conns := range h.clients {
		total += len(conns)
	}
	return total
}

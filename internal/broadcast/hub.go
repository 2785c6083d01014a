package broadcast

import (
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shell-cache/shell-cache/internal/logging"
	"github.com/shell-cache/shell-cache/internal/metrics"
)

// DefaultQueueSize 是每个客户端出站队列的容量。
const DefaultQueueSize = 32

// ClientTypeWindow 是唯一支持的客户端类型。
const ClientTypeWindow = "window"

// Client 是一个已连接的页面。出站消息写入 outbox，由传输层（SSE）消费。
type Client struct {
	ID          string
	URL         string
	Type        string
	ConnectedAt time.Time

	mu         sync.Mutex
	focused    bool
	generation string

	outbox chan Message
}

// Outbox returns the channel the transport drains. It is closed on Disconnect.
func (c *Client) Outbox() <-chan Message {
	return c.outbox
}

// ClientInfo 是 Client 的只读快照。
type ClientInfo struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Type        string    `json:"type"`
	Focused     bool      `json:"focused"`
	Generation  string    `json:"generation,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

func (c *Client) info() ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientInfo{
		ID:          c.ID,
		URL:         c.URL,
		Type:        c.Type,
		Focused:     c.focused,
		Generation:  c.generation,
		ConnectedAt: c.ConnectedAt,
	}
}

// Hub 维护已连接客户端并负责消息扇出。投递是 fire-and-forget：
// 队列已满或没有客户端时消息被丢弃，只记 debug 日志。
type Hub struct {
	logger    *logrus.Logger
	metrics   *metrics.Metrics
	queueSize int

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub constructs a hub. queueSize<=0 uses DefaultQueueSize.
func NewHub(logger *logrus.Logger, m *metrics.Metrics, queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Hub{
		logger:    logger,
		metrics:   m,
		queueSize: queueSize,
		clients:   make(map[string]*Client),
	}
}

// Connect 注册一个新客户端并返回其句柄。
func (h *Hub) Connect(url, clientType string) *Client {
	if clientType == "" {
		clientType = ClientTypeWindow
	}
	client := &Client{
		ID:          uuid.NewString(),
		URL:         url,
		Type:        clientType,
		ConnectedAt: time.Now().UTC(),
		outbox:      make(chan Message, h.queueSize),
	}

	h.mu.Lock()
	h.clients[client.ID] = client
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.ConnectedClients(count)
	h.logger.WithFields(logging.ClientFields("client_connect", client.ID, "")).
		WithField("url", url).Debug("client connected")
	return client
}

// Disconnect 移除客户端并关闭其出站队列，返回客户端此前是否存在。
func (h *Hub) Disconnect(id string) bool {
	h.mu.Lock()
	client, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
		close(client.outbox)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.metrics.ConnectedClients(count)
		h.logger.WithFields(logging.ClientFields("client_disconnect", id, "")).Debug("client disconnected")
	}
	return ok
}

// Get returns the client with the given id.
func (h *Hub) Get(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[id]
	return client, ok
}

// Clients 返回按连接时间排序的客户端快照。
func (h *Hub) Clients() []ClientInfo {
	h.mu.RLock()
	result := make([]ClientInfo, 0, len(h.clients))
	for _, client := range h.clients {
		result = append(result, client.info())
	}
	h.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].ConnectedAt.Equal(result[j].ConnectedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].ConnectedAt.Before(result[j].ConnectedAt)
	})
	return result
}

// Post 向单个客户端投递消息，返回是否成功入队。
func (h *Hub) Post(id string, msg Message) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[id]
	if !ok {
		return false
	}
	return h.enqueue(client, msg)
}

// PostAll 向全部客户端投递消息，返回成功入队的数量。
func (h *Hub) PostAll(msg Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.clients) == 0 {
		h.logger.WithFields(logging.ClientFields("broadcast", "", string(msg.Type))).
			Debug("no clients connected, message dropped")
		return 0
	}
	delivered := 0
	for _, client := range h.clients {
		if h.enqueue(client, msg) {
			delivered++
		}
	}
	return delivered
}

// enqueue 必须在持有 h.mu 读锁时调用，保证 outbox 未被关闭。
func (h *Hub) enqueue(client *Client, msg Message) bool {
	select {
	case client.outbox <- msg:
		h.metrics.Message("out", string(msg.Type))
		return true
	default:
		h.logger.WithFields(logging.ClientFields("broadcast", client.ID, string(msg.Type))).
			Debug("client queue full, message dropped")
		return false
	}
}

// Claim 让全部已连接客户端改由 generation 提供服务，并通知它们控制者已切换。
// 返回被接管的客户端数量。
func (h *Hub) Claim(generation string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		client.mu.Lock()
		client.generation = generation
		client.mu.Unlock()
		h.enqueue(client, Message{Type: TypeControllerChanged, Generation: generation})
	}
	return len(h.clients)
}

// Focus 把 id 标记为唯一获得焦点的客户端并发送 focus-requested。
func (h *Hub) Focus(id string, url string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	target, ok := h.clients[id]
	if !ok {
		return false
	}
	for _, client := range h.clients {
		client.mu.Lock()
		client.focused = client == target
		client.mu.Unlock()
	}
	h.enqueue(target, Message{Type: TypeFocusRequested, ClientID: id, URL: url})
	return true
}

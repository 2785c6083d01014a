// Package notify 实现通知面：收到推送时展示一条通知并广播给客户端，
// 点击通知时聚焦已有客户端或在应用根路径打开新客户端。
package notify

import (
	"context"
	"io"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shell-cache/shell-cache/internal/broadcast"
	"github.com/shell-cache/shell-cache/internal/events"
	"github.com/shell-cache/shell-cache/internal/logging"
)

// Notification 是一条已展示的通知。
type Notification struct {
	Tag     string    `json:"tag"`
	Title   string    `json:"title"`
	Body    string    `json:"body"`
	Icon    string    `json:"icon,omitempty"`
	Badge   string    `json:"badge,omitempty"`
	Vibrate []int     `json:"vibrate,omitempty"`
	ShownAt time.Time `json:"shown_at"`
}

// Options 是通知的固定展示参数。
type Options struct {
	Title       string
	DefaultBody string
	Icon        string
	Badge       string
	Tag         string
	Vibrate     []int
	// Root 是点击通知且没有已连接客户端时打开的地址。
	Root *url.URL
}

// Clients 是 Notifier 依赖的广播能力，由 *broadcast.Hub 实现。
type Clients interface {
	PostAll(msg broadcast.Message) int
	Clients() []broadcast.ClientInfo
	Focus(id string, url string) bool
}

// Notifier 记录已展示的通知。相同 tag 的新通知替换旧通知。
type Notifier struct {
	opts    Options
	clients Clients
	logger  *logrus.Logger

	mu    sync.Mutex
	shown map[string]Notification
}

func New(opts Options, clients Clients, logger *logrus.Logger) *Notifier {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Notifier{
		opts:    opts,
		clients: clients,
		logger:  logger,
		shown:   make(map[string]Notification),
	}
}

// Register 把推送与点击处理函数注册到 router。
func (n *Notifier) Register(router *events.Router) error {
	if err := router.HandlePush(n.Push); err != nil {
		return err
	}
	return router.HandleNotificationClick(n.Click)
}

// Push 以 payload 文本作为正文展示通知，payload 为空时使用默认正文。
func (n *Notifier) Push(_ context.Context, payload []byte) error {
	body := string(payload)
	if len(payload) == 0 {
		body = n.opts.DefaultBody
	}
	note := Notification{
		Tag:     n.opts.Tag,
		Title:   n.opts.Title,
		Body:    body,
		Icon:    n.opts.Icon,
		Badge:   n.opts.Badge,
		Vibrate: append([]int(nil), n.opts.Vibrate...),
		ShownAt: time.Now().UTC(),
	}

	n.mu.Lock()
	n.shown[note.Tag] = note
	n.mu.Unlock()

	delivered := n.clients.PostAll(broadcast.Message{
		Type:    broadcast.TypeNotification,
		Tag:     note.Tag,
		Title:   note.Title,
		Body:    note.Body,
		Icon:    note.Icon,
		Badge:   note.Badge,
		Vibrate: note.Vibrate,
	})
	n.logger.WithFields(logrus.Fields{
		"action":    "push",
		"tag":       note.Tag,
		"delivered": delivered,
	}).Info("notification shown")
	return nil
}

// Click 关闭通知，然后聚焦第一个已连接的窗口客户端；没有客户端时返回在根路径打开。
func (n *Notifier) Click(_ context.Context, click events.Click) (events.ClickOutcome, error) {
	tag := click.Tag
	if tag == "" {
		tag = n.opts.Tag
	}
	n.mu.Lock()
	delete(n.shown, tag)
	n.mu.Unlock()

	root := ""
	if n.opts.Root != nil {
		root = n.opts.Root.String()
	}

	for _, client := range n.clients.Clients() {
		if client.Type != broadcast.ClientTypeWindow {
			continue
		}
		if n.clients.Focus(client.ID, root) {
			n.logger.WithFields(logging.ClientFields("notification_click", client.ID, string(broadcast.TypeFocusRequested))).
				WithField("tag", tag).Info("focused existing client")
			return events.ClickOutcome{Action: events.ClickFocus, ClientID: client.ID}, nil
		}
	}

	n.logger.WithFields(logrus.Fields{
		"action": "notification_click",
		"tag":    tag,
		"url":    root,
	}).Info("no client connected, opening root")
	return events.ClickOutcome{Action: events.ClickOpen, URL: root}, nil
}

// Shown 返回当前仍在展示的通知，按 tag 排序。
func (n *Notifier) Shown() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notification, 0, len(n.shown))
	for _, note := range n.shown {
		out = append(out, note)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

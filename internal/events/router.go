// Package events 提供显式的事件路由对象：按消息类型、同步标签、推送与通知点击
// 分别维护处理函数表，在启动时注入各组件，避免进程级全局注册。
package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/shell-cache/shell-cache/internal/broadcast"
)

var (
	// ErrDuplicateHandler indicates a key already has a handler registered.
	ErrDuplicateHandler = errors.New("handler already registered")
	// ErrNoHandler indicates dispatch found no handler for the event.
	ErrNoHandler = errors.New("no handler registered")
	// ErrHandlerPanic wraps a recovered handler panic.
	ErrHandlerPanic = errors.New("handler panic")
)

// SyncEvent 是一次后台触发（一次性或周期性）。
type SyncEvent struct {
	Tag      string
	Periodic bool
}

// Click 描述一次通知点击。
type Click struct {
	Tag    string
	Action string
}

// ClickOutcome 报告点击的处理结果：聚焦已有客户端，或在 URL 处打开新客户端。
type ClickOutcome struct {
	Action   string `json:"action"`
	ClientID string `json:"client_id,omitempty"`
	URL      string `json:"url,omitempty"`
}

const (
	ClickFocus = "focus"
	ClickOpen  = "open"
)

type (
	MessageHandler func(ctx context.Context, clientID string, msg broadcast.Message) error
	SyncHandler    func(ctx context.Context, event SyncEvent) error
	PushHandler    func(ctx context.Context, payload []byte) error
	ClickHandler   func(ctx context.Context, click Click) (ClickOutcome, error)
)

// Router 持有全部事件处理表，可并发调用。
type Router struct {
	logger *logrus.Logger

	mu       sync.RWMutex
	messages map[broadcast.MessageType]MessageHandler
	syncs    map[string]SyncHandler
	push     PushHandler
	click    ClickHandler
}

// NewRouter constructs an empty router.
func NewRouter(logger *logrus.Logger) *Router {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Router{
		logger:   logger,
		messages: make(map[broadcast.MessageType]MessageHandler),
		syncs:    make(map[string]SyncHandler),
	}
}

// HandleMessage 为入站消息类型注册处理函数，类型会先做别名规范化。
func (r *Router) HandleMessage(msgType broadcast.MessageType, h MessageHandler) error {
	key := broadcast.NormalizeType(string(msgType))
	if key == "" || h == nil {
		return errors.New("message type and handler required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.messages[key]; exists {
		return fmt.Errorf("%w: message %s", ErrDuplicateHandler, key)
	}
	r.messages[key] = h
	return nil
}

// HandleSync 为同步标签注册处理函数。
func (r *Router) HandleSync(tag string, h SyncHandler) error {
	key := normalizeTag(tag)
	if key == "" || h == nil {
		return errors.New("sync tag and handler required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.syncs[key]; exists {
		return fmt.Errorf("%w: sync %s", ErrDuplicateHandler, key)
	}
	r.syncs[key] = h
	return nil
}

// RemoveSync drops the handler for tag and reports whether one existed.
func (r *Router) RemoveSync(tag string) bool {
	key := normalizeTag(tag)
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.syncs[key]
	delete(r.syncs, key)
	return ok
}

// HandlePush registers the single push handler.
func (r *Router) HandlePush(h PushHandler) error {
	if h == nil {
		return errors.New("push handler required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.push != nil {
		return fmt.Errorf("%w: push", ErrDuplicateHandler)
	}
	r.push = h
	return nil
}

// HandleNotificationClick registers the single notification-click handler.
func (r *Router) HandleNotificationClick(h ClickHandler) error {
	if h == nil {
		return errors.New("click handler required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.click != nil {
		return fmt.Errorf("%w: notification click", ErrDuplicateHandler)
	}
	r.click = h
	return nil
}

// DispatchMessage 把入站消息交给对应处理函数。
func (r *Router) DispatchMessage(ctx context.Context, clientID string, msg broadcast.Message) error {
	msg.Type = broadcast.NormalizeType(string(msg.Type))
	r.mu.RLock()
	h := r.messages[msg.Type]
	r.mu.RUnlock()
	if h == nil {
		return r.missing("message", string(msg.Type))
	}
	return r.invoke("message", string(msg.Type), func() error {
		return h(ctx, clientID, msg)
	})
}

// DispatchSync 触发同步标签对应的处理函数。
func (r *Router) DispatchSync(ctx context.Context, event SyncEvent) error {
	event.Tag = normalizeTag(event.Tag)
	r.mu.RLock()
	h := r.syncs[event.Tag]
	r.mu.RUnlock()
	if h == nil {
		return r.missing("sync", event.Tag)
	}
	return r.invoke("sync", event.Tag, func() error {
		return h(ctx, event)
	})
}

// DispatchPush hands a push payload to the push handler.
func (r *Router) DispatchPush(ctx context.Context, payload []byte) error {
	r.mu.RLock()
	h := r.push
	r.mu.RUnlock()
	if h == nil {
		return r.missing("push", "")
	}
	return r.invoke("push", "", func() error {
		return h(ctx, payload)
	})
}

// DispatchClick hands a notification click to the click handler.
func (r *Router) DispatchClick(ctx context.Context, click Click) (ClickOutcome, error) {
	r.mu.RLock()
	h := r.click
	r.mu.RUnlock()
	if h == nil {
		return ClickOutcome{}, r.missing("notification_click", click.Tag)
	}
	var outcome ClickOutcome
	err := r.invoke("notification_click", click.Tag, func() error {
		var err error
		outcome, err = h(ctx, click)
		return err
	})
	return outcome, err
}

// Snapshot 描述当前注册情况，供状态接口展示。
type Snapshot struct {
	Messages          []string `json:"messages"`
	Syncs             []string `json:"syncs"`
	Push              bool     `json:"push"`
	NotificationClick bool     `json:"notification_click"`
}

// Snapshot returns the registered handler keys in sorted order.
func (r *Router) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		Messages:          make([]string, 0, len(r.messages)),
		Syncs:             make([]string, 0, len(r.syncs)),
		Push:              r.push != nil,
		NotificationClick: r.click != nil,
	}
	for key := range r.messages {
		snap.Messages = append(snap.Messages, string(key))
	}
	for key := range r.syncs {
		snap.Syncs = append(snap.Syncs, key)
	}
	sort.Strings(snap.Messages)
	sort.Strings(snap.Syncs)
	return snap
}

func (r *Router) missing(kind, key string) error {
	r.logger.WithFields(logrus.Fields{
		"action": "dispatch",
		"kind":   kind,
		"key":    key,
	}).Warn("event handler missing")
	return fmt.Errorf("%w: %s %s", ErrNoHandler, kind, key)
}

// invoke 执行处理函数，把 panic 转换为错误，避免单个处理函数拖垮调用方。
func (r *Router) invoke(kind, key string, fn func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%w: %s %s: %v", ErrHandlerPanic, kind, key, recovered)
			r.logger.WithFields(logrus.Fields{
				"action": "dispatch",
				"kind":   kind,
				"key":    key,
			}).Error(err.Error())
		}
	}()
	return fn()
}

func normalizeTag(tag string) string {
	return strings.TrimSpace(tag)
}

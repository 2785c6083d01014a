package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType 标识广播通道上的消息种类。
type MessageType string

const (
	// 服务端 → 客户端
	TypeSyncRequested     MessageType = "sync-requested"
	TypeNotification      MessageType = "notification"
	TypeFocusRequested    MessageType = "focus-requested"
	TypeConnected         MessageType = "connected"
	TypeControllerChanged MessageType = "controller-changed"

	// 客户端 → 服务端
	TypeCachePopulate MessageType = "cache-populate-request"
	TypeSkipWait      MessageType = "skip-wait-request"
)

// 旧版页面脚本使用的消息名。
var legacyAliases = map[string]MessageType{
	"SKIP_WAITING": TypeSkipWait,
	"CACHE_URLS":   TypeCachePopulate,
}

// ErrInvalidMessage 表示入站消息无法解析或缺少 type。
var ErrInvalidMessage = errors.New("invalid message")

// Message 是广播通道上传递的 JSON 对象，未使用的字段省略。
type Message struct {
	Type       MessageType `json:"type"`
	Tag        string      `json:"tag,omitempty"`
	URLs       []string    `json:"urls,omitempty"`
	Periodic   bool        `json:"periodic,omitempty"`
	ClientID   string      `json:"client_id,omitempty"`
	Generation string      `json:"generation,omitempty"`
	Title      string      `json:"title,omitempty"`
	Body       string      `json:"body,omitempty"`
	Icon       string      `json:"icon,omitempty"`
	Badge      string      `json:"badge,omitempty"`
	Vibrate    []int       `json:"vibrate,omitempty"`
	URL        string      `json:"url,omitempty"`
}

// NormalizeType maps legacy aliases onto the current message names.
func NormalizeType(raw string) MessageType {
	trimmed := strings.TrimSpace(raw)
	if alias, ok := legacyAliases[trimmed]; ok {
		return alias
	}
	return MessageType(strings.ToLower(trimmed))
}

// ParseMessage 解码客户端发来的消息并规范化 type。
func ParseMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	msg.Type = NormalizeType(string(msg.Type))
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	return msg, nil
}

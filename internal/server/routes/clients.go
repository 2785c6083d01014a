package routes

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/shell-cache/shell-cache/internal/broadcast"
	"github.com/shell-cache/shell-cache/internal/events"
	"github.com/shell-cache/shell-cache/internal/logging"
	"github.com/shell-cache/shell-cache/internal/worker"
)

// DefaultKeepAlive 是 SSE 心跳间隔，写入失败即视为客户端断开。
const DefaultKeepAlive = 15 * time.Second

// HeaderClientID 标识发送入站消息的客户端。
const HeaderClientID = "X-Client-ID"

// RegisterClientRoutes 暴露广播通道：/-/clients/events 以 SSE 推送出站消息，
// /-/clients/messages 接收页面发来的消息。
func RegisterClientRoutes(app *fiber.App, rt *worker.Runtime, logger *logrus.Logger) {
	if app == nil || rt == nil {
		return
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Get("/-/clients/events", func(c fiber.Ctx) error {
		hub := rt.Hub()
		client := hub.Connect(c.Query("url"), c.Query("type"))

		c.Set(fiber.HeaderContentType, "text/event-stream")
		c.Set(fiber.HeaderCacheControl, "no-cache")
		c.Set(fiber.HeaderConnection, "keep-alive")
		c.Set(HeaderClientID, client.ID)

		return c.SendStreamWriter(func(w *bufio.Writer) {
			defer hub.Disconnect(client.ID)
			if err := streamClient(w, client, DefaultKeepAlive); err != nil {
				logger.WithFields(logging.ClientFields("stream", client.ID, "")).
					WithError(err).Debug("client stream closed")
			}
		})
	})

	app.Get("/-/clients", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"clients": rt.Hub().Clients()})
	})

	app.Post("/-/clients/messages", func(c fiber.Ctx) error {
		msg, err := broadcast.ParseMessage(c.Body())
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}
		clientID := strings.TrimSpace(c.Get(HeaderClientID))
		if err := rt.Router().DispatchMessage(c.Context(), clientID, msg); err != nil {
			return writeDispatchError(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"status": "accepted",
			"type":   broadcast.NormalizeType(string(msg.Type)),
		})
	})
}

// streamClient 先写入 connected 事件，再持续转发 outbox，直到 outbox 关闭或写入失败。
func streamClient(w *bufio.Writer, client *broadcast.Client, keepAlive time.Duration) error {
	if err := writeEvent(w, broadcast.Message{Type: broadcast.TypeConnected, ClientID: client.ID}); err != nil {
		return err
	}
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.Outbox():
			if !ok {
				return nil
			}
			if err := writeEvent(w, msg); err != nil {
				return err
			}
		case <-ticker.C:
			if _, err := w.WriteString(": ping\n\n"); err != nil {
				return err
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}
	}
}

// writeEvent 以 "event: <type>" 加单行 JSON data 的形式写出一条 SSE 事件。
func writeEvent(w *bufio.Writer, msg broadcast.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data); err != nil {
		return err
	}
	return w.Flush()
}

func writeDispatchError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, events.ErrNoHandler):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no_handler"})
	case errors.Is(err, worker.ErrNoActiveGeneration):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "no_active_generation"})
	case errors.Is(err, broadcast.ErrInvalidMessage):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "dispatch_failed", "detail": err.Error()})
	}
}

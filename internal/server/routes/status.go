package routes

import (
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/shell-cache/shell-cache/internal/version"
	"github.com/shell-cache/shell-cache/internal/worker"
)

// RegisterStatusRoutes 暴露 /-/status 诊断快照与 /-/metrics Prometheus 指标。
func RegisterStatusRoutes(app *fiber.App, rt *worker.Runtime) {
	if app == nil || rt == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		status, err := rt.Status(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "status_unavailable", "detail": err.Error()})
		}
		return c.JSON(encodeStatus(status, time.Now()))
	})

	app.Get("/-/metrics", adaptor.HTTPHandler(rt.Metrics().Handler()))
}

type statusPayload struct {
	*worker.Status
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	PrimeSize string `json:"prime_size,omitempty"`
}

// encodeStatus 在运行时快照之外补充便于人读的启动时长与预热体积。
func encodeStatus(status *worker.Status, now time.Time) statusPayload {
	payload := statusPayload{
		Status:  status,
		Version: version.Full(),
		Uptime:  strings.TrimSpace(humanize.RelTime(status.StartedAt, now, "", "")),
	}
	if status.Active != nil && status.Active.Report != nil {
		payload.PrimeSize = humanize.Bytes(uint64(status.Active.Report.Bytes))
	}
	return payload
}

package routes

import (
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/shell-cache/shell-cache/internal/events"
	"github.com/shell-cache/shell-cache/internal/worker"
)

// RegisterEventRoutes 暴露后台触发、推送与通知点击入口，以及手动预热与 skip-wait。
func RegisterEventRoutes(app *fiber.App, rt *worker.Runtime) {
	if app == nil || rt == nil {
		return
	}

	app.Post("/-/sync/:tag", func(c fiber.Ctx) error {
		tag := strings.TrimSpace(c.Params("tag"))
		if tag == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "sync_tag_required"})
		}
		if err := rt.Scheduler().Fire(c.Context(), tag); err != nil {
			return writeDispatchError(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "fired", "tag": tag})
	})

	app.Post("/-/push", func(c fiber.Ctx) error {
		payload := append([]byte(nil), c.Body()...)
		if err := rt.Router().DispatchPush(c.Context(), payload); err != nil {
			return writeDispatchError(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"notifications": rt.Notifier().Shown()})
	})

	app.Get("/-/notifications", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"notifications": rt.Notifier().Shown()})
	})

	app.Post("/-/notifications/:tag/click", func(c fiber.Ctx) error {
		click := events.Click{Tag: strings.TrimSpace(c.Params("tag"))}
		if body := c.Body(); len(body) > 0 {
			var payload struct {
				Action string `json:"action"`
			}
			if err := json.Unmarshal(body, &payload); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_click"})
			}
			click.Action = payload.Action
		}
		outcome, err := rt.Router().DispatchClick(c.Context(), click)
		if err != nil {
			return writeDispatchError(c, err)
		}
		return c.JSON(outcome)
	})

	app.Post("/-/populate", func(c fiber.Ctx) error {
		var payload struct {
			URLs []string `json:"urls"`
		}
		if err := json.Unmarshal(c.Body(), &payload); err != nil || len(payload.URLs) == 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "urls_required"})
		}
		result, err := rt.Populate(c.Context(), payload.URLs)
		if err != nil {
			return writeDispatchError(c, err)
		}
		return c.JSON(result)
	})

	app.Post("/-/skip-waiting", func(c fiber.Ctx) error {
		if err := rt.SkipWaiting(c.Context()); err != nil {
			return writeDispatchError(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "accepted"})
	})
}

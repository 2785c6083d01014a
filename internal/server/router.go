package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shell-cache/shell-cache/internal/config"
	"github.com/shell-cache/shell-cache/internal/intercept"
)

// Interceptor 是拦截层依赖的运行时能力，便于测试时注入假实现。
type Interceptor interface {
	Handle(ctx context.Context, req *intercept.Request) (*intercept.Result, error)
	Config() *config.Config
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger      *logrus.Logger
	Interceptor Interceptor
	ListenPort  int
}

const contextKeyRequestID = "_shellcache_request_id"

// NewApp builds a Fiber application that routes every non-diagnostics request
// through the interception policy.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Interceptor == nil {
		return nil, errors.New("interceptor is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	handler := newInterceptHandler(opts.Interceptor, opts.Logger)
	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return handler.serve(c)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID 并写入响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

func getHostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}

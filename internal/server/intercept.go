package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/shell-cache/shell-cache/internal/fetch"
	"github.com/shell-cache/shell-cache/internal/intercept"
	"github.com/shell-cache/shell-cache/internal/logging"
	"github.com/shell-cache/shell-cache/internal/worker"
)

// 拦截结果相关的响应头。
const (
	HeaderSource     = "X-Shell-Cache-Source"
	HeaderGeneration = "X-Shell-Cache-Generation"
)

type interceptHandler struct {
	runtime Interceptor
	logger  *logrus.Logger
}

func newInterceptHandler(runtime Interceptor, logger *logrus.Logger) *interceptHandler {
	return &interceptHandler{runtime: runtime, logger: logger}
}

func (h *interceptHandler) serve(c fiber.Ctx) error {
	started := time.Now()
	requestID := RequestID(c)

	cfg := h.runtime.Config()
	if cfg == nil {
		return writeError(c, fiber.StatusServiceUnavailable, "not_deployed")
	}
	targets, err := NewTargets(cfg.App)
	if err != nil {
		return writeError(c, fiber.StatusServiceUnavailable, "not_deployed")
	}

	uri := c.Request().URI()
	host := getHostHeader(c)
	target, err := targets.Resolve(host, forwardedScheme(c), string(uri.Path()), string(uri.QueryString()))
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"action":     "resolve_target",
			"host":       host,
			"request_id": requestID,
		}).WithError(err).Warn("target unresolved")
		return writeError(c, fiber.StatusBadRequest, "invalid_target")
	}

	req := &intercept.Request{
		Method:   c.Method(),
		URL:      target,
		Header:   fiberHeadersAsHTTP(c),
		Body:     append([]byte(nil), c.Body()...),
		Navigate: isNavigation(c),
	}
	crossOrigin := !targets.Local(host) && strings.TrimSpace(host) != ""

	res, err := h.runtime.Handle(c.Context(), req)
	if err != nil {
		h.logResult(req, "", "", 0, crossOrigin, requestID, started, err)
		switch {
		case fetch.IsNetworkError(err):
			return writeError(c, fiber.StatusBadGateway, "network_failure")
		case errors.Is(err, worker.ErrNotDeployed):
			return writeError(c, fiber.StatusServiceUnavailable, "not_deployed")
		default:
			return writeError(c, fiber.StatusInternalServerError, "intercept_failed")
		}
	}

	resp := res.Response
	copyResponseHeaders(c, resp.Header)
	c.Set(HeaderSource, string(res.Source))
	if res.Generation != "" {
		c.Set(HeaderGeneration, res.Generation)
	}
	h.logResult(req, string(res.Source), res.Generation, resp.Status, crossOrigin, requestID, started, nil)
	c.Status(resp.Status)
	if req.Method == http.MethodHead {
		return nil
	}
	return c.Send(resp.Body)
}

func (h *interceptHandler) logResult(
	req *intercept.Request,
	source string,
	generation string,
	status int,
	crossOrigin bool,
	requestID string,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(generation, req.Method, req.URL.String(), source, crossOrigin)
	fields["action"] = "intercept"
	fields["status"] = status
	fields["navigate"] = req.Navigate
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("intercept_failed")
		return
	}
	h.logger.WithFields(fields).Info("intercept_complete")
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

// isNavigation 以 Sec-Fetch-Mode: navigate 识别页面导航请求。
func isNavigation(c fiber.Ctx) bool {
	return strings.EqualFold(strings.TrimSpace(c.Get("Sec-Fetch-Mode")), "navigate")
}

func forwardedScheme(c fiber.Ctx) string {
	if proto := c.Get(fiber.HeaderXForwardedProto); proto != "" {
		if idx := strings.IndexByte(proto, ','); idx >= 0 {
			proto = proto[:idx]
		}
		return strings.TrimSpace(proto)
	}
	return "https"
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if fetch.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}

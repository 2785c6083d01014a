// Package trigger 产生后台同步事件：通过接口触发的一次性事件，以及按配置间隔
// 周期触发的事件。事件经 events.Router 分发。
package trigger

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shell-cache/shell-cache/internal/events"
)

// Dispatcher 是 Scheduler 依赖的分发能力，由 *events.Router 实现。
type Dispatcher interface {
	DispatchSync(ctx context.Context, event events.SyncEvent) error
}

type periodic struct {
	tag      string
	interval time.Duration
}

// Scheduler 管理一次性与周期性触发。Every 需在 Run 之前调用。
type Scheduler struct {
	dispatcher Dispatcher
	logger     *logrus.Logger

	mu       sync.Mutex
	periodic []periodic
	running  bool
}

// New constructs a scheduler.
func New(dispatcher Dispatcher, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Scheduler{dispatcher: dispatcher, logger: logger}
}

// Fire 立即触发一次 tag。没有处理函数时返回 events.ErrNoHandler。
func (s *Scheduler) Fire(ctx context.Context, tag string) error {
	return s.dispatch(ctx, events.SyncEvent{Tag: tag})
}

// Every 注册周期触发。
func (s *Scheduler) Every(tag string, interval time.Duration) error {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return errors.New("periodic tag required")
	}
	if interval <= 0 {
		return errors.New("periodic interval must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already running")
	}
	s.periodic = append(s.periodic, periodic{tag: tag, interval: interval})
	return nil
}

// Tags returns the registered periodic tags.
func (s *Scheduler) Tags() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.periodic))
	for _, p := range s.periodic {
		out = append(out, p.tag)
	}
	return out
}

// Run 为每个周期触发启动 ticker，阻塞直到 ctx 取消。
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.running = true
	entries := append([]periodic(nil), s.periodic...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range entries {
		wg.Add(1)
		go func(p periodic) {
			defer wg.Done()
			s.loop(ctx, p)
		}(p)
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, p periodic) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	s.logger.WithFields(logrus.Fields{
		"action":   "periodic_sync",
		"tag":      p.tag,
		"interval": p.interval.String(),
	}).Info("periodic trigger scheduled")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.dispatch(ctx, events.SyncEvent{Tag: p.tag, Periodic: true})
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, event events.SyncEvent) error {
	err := s.dispatcher.DispatchSync(ctx, event)
	fields := logrus.Fields{
		"action":   "sync_trigger",
		"tag":      event.Tag,
		"periodic": event.Periodic,
	}
	switch {
	case err == nil:
		s.logger.WithFields(fields).Debug("sync dispatched")
	case errors.Is(err, events.ErrNoHandler):
		s.logger.WithFields(fields).Info("sync tag ignored")
	default:
		s.logger.WithFields(fields).WithError(err).Warn("sync handler failed")
	}
	return err
}

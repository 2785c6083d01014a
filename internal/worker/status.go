package worker

import (
	"context"
	"time"

	"github.com/shell-cache/shell-cache/internal/broadcast"
	"github.com/shell-cache/shell-cache/internal/events"
	"github.com/shell-cache/shell-cache/internal/lifecycle"
)

// GenerationStatus 描述一个由管理器驱动的代际。
type GenerationStatus struct {
	Generation string                 `json:"generation"`
	State      lifecycle.State        `json:"state"`
	Report     *lifecycle.PrimeReport `json:"prime_report,omitempty"`
	Failed     []string               `json:"prime_failed,omitempty"`
}

// Status 是运行时的诊断快照。
type Status struct {
	Active      *GenerationStatus      `json:"active,omitempty"`
	Pending     *GenerationStatus      `json:"pending,omitempty"`
	Generations []string               `json:"generations"`
	Clients     []broadcast.ClientInfo `json:"clients"`
	Handlers    events.Snapshot        `json:"handlers"`
	Periodic    []string               `json:"periodic"`
	StartedAt   time.Time              `json:"started_at"`
}

// Status 汇总当前代际、存储中的代际列表、已连接客户端与事件注册情况。
func (rt *Runtime) Status(ctx context.Context) (*Status, error) {
	rt.mu.Lock()
	active, pending := rt.active, rt.pending
	rt.mu.Unlock()

	gens, err := rt.store.Generations(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{
		Active:      generationStatus(active),
		Pending:     generationStatus(pending),
		Generations: gens,
		Clients:     rt.hub.Clients(),
		Handlers:    rt.router.Snapshot(),
		Periodic:    rt.scheduler.Tags(),
		StartedAt:   rt.started,
	}, nil
}

func generationStatus(m *lifecycle.Manager) *GenerationStatus {
	if m == nil {
		return nil
	}
	report := m.Report()
	return &GenerationStatus{
		Generation: m.Generation(),
		State:      m.State(),
		Report:     report,
		Failed:     report.FailedURLs(),
	}
}

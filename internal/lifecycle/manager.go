// Package lifecycle 管理单个缓存代际从安装、激活到被替换的全过程。
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/shell-cache/shell-cache/internal/cache"
	"github.com/shell-cache/shell-cache/internal/fetch"
	"github.com/shell-cache/shell-cache/internal/logging"
	"github.com/shell-cache/shell-cache/internal/metrics"
)

// State 是代际所处的生命周期阶段。
type State string

const (
	StateInstalling State = "installing"
	StateActive     State = "active"
	StateSuperseded State = "superseded"
)

// DefaultPrimeConcurrency limits concurrent manifest fetches during install.
const DefaultPrimeConcurrency = 4

var (
	// ErrSuperseded 表示代际已被更新的代际取代，不能再激活。
	ErrSuperseded = errors.New("generation superseded")
	// ErrInstallFailed 表示安装阶段无法打开代际，激活被拒绝。
	ErrInstallFailed = errors.New("generation install failed")
)

// Claimer 接管已连接的客户端，使其改由 generation 提供服务。
type Claimer interface {
	Claim(generation string) int
}

// Options 描述一个代际管理器的依赖。
type Options struct {
	Generation  string
	Manifest    []*url.URL
	Origin      *url.URL
	VaryHeaders []string
	Concurrency int

	Store   cache.Store
	Fetcher fetch.Fetcher
	Claimer Claimer
	Logger  *logrus.Logger
	Metrics *metrics.Metrics

	// OnActivate 在代际进入 active 后、清理旧代际之前调用，用于切换请求使用的代际。
	OnActivate func(bucket cache.Bucket)
}

// Manager 驱动单个代际的状态机，方法可并发调用。
type Manager struct {
	opts Options

	mu          sync.Mutex
	state       State
	bucket      cache.Bucket
	report      *PrimeReport
	installErr  error
	skipWaiting bool
	installing  bool

	installed  chan struct{}
	activateMu sync.Mutex
}

// New validates options and returns a manager in the installing state.
func New(opts Options) (*Manager, error) {
	if opts.Generation == "" {
		return nil, errors.New("generation is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultPrimeConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}
	return &Manager{
		opts:      opts,
		state:     StateInstalling,
		installed: make(chan struct{}),
	}, nil
}

func (m *Manager) Generation() string {
	return m.opts.Generation
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Bucket 返回代际句柄，安装完成前为 nil。
func (m *Manager) Bucket() cache.Bucket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bucket
}

// Report returns the prime report of the finished install, or nil.
func (m *Manager) Report() *PrimeReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.report
}

// Installed 在安装结束（无论成功与否）后关闭。
func (m *Manager) Installed() <-chan struct{} {
	return m.installed
}

// Install 创建代际并尽力预热清单。单个条目失败只记入 PrimeReport，
// 只有代际无法打开时才返回错误。重复调用返回首次的结果。
func (m *Manager) Install(ctx context.Context) (*PrimeReport, error) {
	m.mu.Lock()
	if m.installing {
		m.mu.Unlock()
		select {
		case <-m.installed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return m.Report(), m.installError()
	}
	m.installing = true
	m.mu.Unlock()

	log := m.opts.Logger.WithFields(logging.GenerationFields("install", m.opts.Generation, string(StateInstalling)))
	log.Info("installing generation")

	bucket, err := m.opts.Store.Open(ctx, m.opts.Generation)
	if err != nil {
		err = fmt.Errorf("%w: open %s: %v", ErrInstallFailed, m.opts.Generation, err)
		m.finishInstall(nil, nil, err)
		log.WithError(err).Error("install failed")
		return nil, err
	}

	report := m.prime(ctx, bucket)
	m.finishInstall(bucket, report, nil)

	entry := log.WithFields(logrus.Fields{
		"primed":  len(report.Primed),
		"skipped": len(report.Skipped),
		"failed":  len(report.Failed),
		"size":    humanize.Bytes(uint64(report.Bytes)),
	})
	if len(report.Failed) > 0 {
		entry.WithError(report.Err()).Warn("install finished with prime failures")
	} else {
		entry.Info("install finished")
	}

	m.mu.Lock()
	skip := m.skipWaiting
	m.mu.Unlock()
	if skip {
		if err := m.Activate(ctx); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (m *Manager) finishInstall(bucket cache.Bucket, report *PrimeReport, err error) {
	m.mu.Lock()
	m.bucket = bucket
	m.report = report
	m.installErr = err
	m.mu.Unlock()
	close(m.installed)
}

func (m *Manager) installError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.installErr
}

// prime 并发获取同源清单条目并写入代际；跨域条目跳过。
func (m *Manager) prime(ctx context.Context, bucket cache.Bucket) *PrimeReport {
	report := &PrimeReport{Generation: m.opts.Generation, StartedAt: time.Now().UTC()}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Concurrency)
	for _, target := range m.opts.Manifest {
		if target == nil {
			continue
		}
		if m.opts.Origin != nil && !fetch.SameOrigin(m.opts.Origin, target) {
			m.opts.Metrics.PrimeEntry("skipped")
			m.opts.Logger.WithFields(logging.GenerationFields("prime", m.opts.Generation, string(StateInstalling))).
				WithField("target", target.String()).Info("cross-origin manifest entry skipped")
			mu.Lock()
			report.Skipped = append(report.Skipped, target.String())
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			size, err := m.primeOne(gctx, bucket, target)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				m.opts.Metrics.PrimeEntry("failed")
				report.Failed = append(report.Failed, PrimeError{URL: target.String(), Err: err})
				m.opts.Logger.WithFields(logging.GenerationFields("prime", m.opts.Generation, string(StateInstalling))).
					WithField("target", target.String()).WithError(err).Warn("prime failed")
				return nil
			}
			m.opts.Metrics.PrimeEntry("stored")
			report.Primed = append(report.Primed, target.String())
			report.Bytes += size
			return nil
		})
	}
	_ = g.Wait()
	report.sort()
	report.FinishedAt = time.Now().UTC()
	return report
}

func (m *Manager) primeOne(ctx context.Context, bucket cache.Bucket, target *url.URL) (int64, error) {
	resp, err := m.opts.Fetcher.Fetch(ctx, &fetch.Request{Method: http.MethodGet, URL: target})
	if err != nil {
		return 0, err
	}
	if err := cache.Eligible(resp); err != nil {
		return 0, err
	}
	id := cache.NewIdentity(http.MethodGet, target, nil, m.opts.VaryHeaders)
	if err := bucket.Put(ctx, id, resp); err != nil {
		return 0, err
	}
	return resp.Size(), nil
}

// Activate 等待安装结束后把代际切换为 active：先通过 OnActivate 切换服务代际，
// 再删除其他全部代际，最后接管已连接的客户端。已激活时直接返回。
func (m *Manager) Activate(ctx context.Context) error {
	select {
	case <-m.installed:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := m.installError(); err != nil {
		return err
	}

	m.activateMu.Lock()
	defer m.activateMu.Unlock()

	m.mu.Lock()
	switch m.state {
	case StateActive:
		m.mu.Unlock()
		return nil
	case StateSuperseded:
		m.mu.Unlock()
		return ErrSuperseded
	}
	m.state = StateActive
	bucket := m.bucket
	m.mu.Unlock()

	log := m.opts.Logger.WithFields(logging.GenerationFields("activate", m.opts.Generation, string(StateActive)))
	if m.opts.OnActivate != nil {
		m.opts.OnActivate(bucket)
	}
	m.opts.Metrics.ActiveGeneration(m.opts.Generation)

	deleted, err := m.evictOthers(ctx)
	if err != nil {
		log.WithError(err).Warn("evict old generations failed")
	}

	claimed := 0
	if m.opts.Claimer != nil {
		claimed = m.opts.Claimer.Claim(m.opts.Generation)
	}
	log.WithFields(logrus.Fields{
		"deleted": deleted,
		"claimed": claimed,
	}).Info("generation activated")
	return nil
}

func (m *Manager) evictOthers(ctx context.Context) ([]string, error) {
	gens, err := m.opts.Store.Generations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	var (
		deleted []string
		errs    []error
	)
	for _, gen := range gens {
		if gen == m.opts.Generation {
			continue
		}
		ok, err := m.opts.Store.Delete(ctx, gen)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", gen, err))
			continue
		}
		if ok {
			deleted = append(deleted, gen)
		}
	}
	return deleted, errors.Join(errs...)
}

// SkipWaiting 强制尽快激活：安装已结束则立即激活，否则在安装结束时激活。
func (m *Manager) SkipWaiting(ctx context.Context) error {
	m.mu.Lock()
	m.skipWaiting = true
	m.mu.Unlock()

	select {
	case <-m.installed:
		return m.Activate(ctx)
	default:
		m.opts.Logger.WithFields(logging.GenerationFields("skip_waiting", m.opts.Generation, string(StateInstalling))).
			Info("activation deferred until install finishes")
		return nil
	}
}

// Supersede 标记代际已被替换，之后的 Activate 返回 ErrSuperseded。
func (m *Manager) Supersede() {
	m.mu.Lock()
	prev := m.state
	m.state = StateSuperseded
	m.mu.Unlock()
	if prev != StateSuperseded {
		m.opts.Logger.WithFields(logging.GenerationFields("supersede", m.opts.Generation, string(StateSuperseded))).
			Info("generation superseded")
	}
}

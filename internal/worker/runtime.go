// Package worker 把存储、拦截策略、生命周期、广播通道、触发器与通知面组装为
// 一个可重复部署的运行时。
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shell-cache/shell-cache/internal/broadcast"
	"github.com/shell-cache/shell-cache/internal/cache"
	"github.com/shell-cache/shell-cache/internal/config"
	"github.com/shell-cache/shell-cache/internal/events"
	"github.com/shell-cache/shell-cache/internal/fetch"
	"github.com/shell-cache/shell-cache/internal/intercept"
	"github.com/shell-cache/shell-cache/internal/lifecycle"
	"github.com/shell-cache/shell-cache/internal/logging"
	"github.com/shell-cache/shell-cache/internal/metrics"
	"github.com/shell-cache/shell-cache/internal/notify"
	"github.com/shell-cache/shell-cache/internal/trigger"
)

var (
	// ErrNotDeployed 表示尚未调用 Deploy。
	ErrNotDeployed = errors.New("runtime not deployed")
	// ErrNoActiveGeneration 表示当前没有激活的代际，无法写入缓存。
	ErrNoActiveGeneration = errors.New("no active generation")
)

// Options 描述 Runtime 的依赖。Fetcher 为空时按配置构造 HTTP fetcher。
type Options struct {
	Config  *config.Config
	Store   cache.Store
	Fetcher fetch.Fetcher
	Logger  *logrus.Logger
	Metrics *metrics.Metrics
}

// Runtime 持有进程内唯一的一组组件。Deploy 可重复调用以切换缓存代际。
type Runtime struct {
	logger  *logrus.Logger
	metrics *metrics.Metrics
	store   cache.Store
	fetcher fetch.Fetcher
	client  *http.Client

	hub       *broadcast.Hub
	router    *events.Router
	scheduler *trigger.Scheduler
	notifier  *notify.Notifier
	tasks     *intercept.Tasks

	current atomic.Pointer[bucketRef]
	policy  atomic.Pointer[intercept.Policy]

	mu      sync.Mutex
	cfg     *config.Config
	active  *lifecycle.Manager
	pending *lifecycle.Manager
	started time.Time
}

type bucketRef struct {
	bucket cache.Bucket
}

// New 构建运行时并注册全部事件处理函数。此时尚未部署任何代际，请求直接透传。
func New(opts Options) (*Runtime, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	cfg := opts.Config

	rt := &Runtime{
		logger:  opts.Logger,
		metrics: opts.Metrics,
		store:   opts.Store,
		fetcher: opts.Fetcher,
		client:  fetch.NewUpstreamClient(cfg.Global.UpstreamTimeout.DurationValue()),
		hub:     broadcast.NewHub(opts.Logger, opts.Metrics, 0),
		router:  events.NewRouter(opts.Logger),
		tasks:   intercept.NewTasks(context.Background()),
		cfg:     cfg,
		started: time.Now().UTC(),
	}
	rt.scheduler = trigger.New(rt.router, opts.Logger)
	rt.notifier = notify.New(notifyOptions(cfg), rt.hub, opts.Logger)

	if err := rt.registerHandlers(cfg); err != nil {
		return nil, err
	}
	return rt, nil
}

func notifyOptions(cfg *config.Config) notify.Options {
	root, err := cfg.App.ResolveURL("./")
	if err != nil {
		root = cfg.App.OriginURL()
	}
	return notify.Options{
		Title:       cfg.Notification.Title,
		DefaultBody: cfg.Notification.DefaultBody,
		Icon:        cfg.Notification.Icon,
		Badge:       cfg.Notification.Badge,
		Tag:         cfg.Notification.Tag,
		Vibrate:     cfg.Notification.Vibrate,
		Root:        root,
	}
}

func (rt *Runtime) registerHandlers(cfg *config.Config) error {
	if err := rt.router.HandleMessage(broadcast.TypeCachePopulate, rt.handlePopulate); err != nil {
		return err
	}
	if err := rt.router.HandleMessage(broadcast.TypeSkipWait, rt.handleSkipWait); err != nil {
		return err
	}
	for _, tag := range cfg.Sync.SyncTags() {
		if err := rt.router.HandleSync(tag, rt.broadcastSync); err != nil {
			return err
		}
	}
	for _, p := range cfg.Sync.Periodic {
		if err := rt.scheduler.Every(p.Tag, p.Interval.DurationValue()); err != nil {
			return fmt.Errorf("periodic sync %s: %w", p.Tag, err)
		}
	}
	return rt.notifier.Register(rt.router)
}

// Deploy 安装 cfg.App.CacheVersion 对应的代际：打开并预热清单，AutoActivate 为真时随即激活，
// 否则等待 skip-wait-request。代际与清单均未变化时只刷新拦截策略参数。
func (rt *Runtime) Deploy(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	manifest, err := resolveManifest(cfg)
	if err != nil {
		return err
	}
	fallback, err := cfg.App.ResolveURL(cfg.App.Fallback)
	if err != nil {
		return fmt.Errorf("resolve fallback: %w", err)
	}
	origin := cfg.App.OriginURL()
	fetcher := rt.fetcherFor(origin)

	policy, err := intercept.New(intercept.Options{
		Origin:            origin,
		Fallback:          fallback,
		CacheCrossOrigin:  cfg.App.CacheCrossOrigin,
		VaryHeaders:       cfg.App.VaryHeaders,
		RevalidateTimeout: cfg.Global.RevalidateTimeout.DurationValue(),
		Fetcher:           fetcher,
		Current:           rt.currentBucket,
		Tasks:             rt.tasks,
		Logger:            rt.logger,
		Metrics:           rt.metrics,
	})
	if err != nil {
		return fmt.Errorf("build intercept policy: %w", err)
	}

	rt.mu.Lock()
	prevCfg := rt.cfg
	rt.cfg = cfg
	rt.policy.Store(policy)
	if err := rt.reconcileSyncTags(cfg); err != nil {
		rt.mu.Unlock()
		return err
	}
	if !rt.needsInstall(prevCfg, cfg) {
		rt.mu.Unlock()
		rt.logger.WithFields(logging.GenerationFields("deploy", cfg.App.CacheVersion, "unchanged")).
			Info("generation unchanged, policy refreshed")
		return nil
	}

	var manager *lifecycle.Manager
	manager, err = lifecycle.New(lifecycle.Options{
		Generation:  cfg.App.CacheVersion,
		Manifest:    manifest,
		Origin:      origin,
		VaryHeaders: cfg.App.VaryHeaders,
		Concurrency: cfg.Global.PrimeConcurrency,
		Store:       rt.store,
		Fetcher:     fetcher,
		Claimer:     rt.hub,
		Logger:      rt.logger,
		Metrics:     rt.metrics,
		OnActivate: func(bucket cache.Bucket) {
			rt.onActivate(manager, bucket)
		},
	})
	if err != nil {
		rt.mu.Unlock()
		return err
	}
	if rt.pending != nil {
		rt.pending.Supersede()
	}
	rt.pending = manager
	rt.mu.Unlock()

	if _, err := manager.Install(ctx); err != nil {
		rt.clearPending(manager)
		return fmt.Errorf("install %s: %w", cfg.App.CacheVersion, err)
	}
	if !cfg.App.AutoActivate {
		rt.logger.WithFields(logging.GenerationFields("deploy", cfg.App.CacheVersion, string(manager.State()))).
			Info("waiting for skip-wait-request")
		return nil
	}
	if err := manager.Activate(ctx); err != nil && !errors.Is(err, lifecycle.ErrSuperseded) {
		return fmt.Errorf("activate %s: %w", cfg.App.CacheVersion, err)
	}
	return nil
}

// reconcileSyncTags 让一次性同步标签跟随重新部署：移除配置中已删除的标签，注册新增的标签。
// 周期性调度仍在启动时固定。
func (rt *Runtime) reconcileSyncTags(cfg *config.Config) error {
	wanted := cfg.Sync.SyncTags()
	for _, tag := range rt.router.Snapshot().Syncs {
		if slices.Contains(wanted, tag) {
			continue
		}
		if rt.router.RemoveSync(tag) {
			rt.logger.WithFields(logrus.Fields{"action": "sync_removed", "tag": tag}).Info("sync tag dropped")
		}
	}
	for _, tag := range wanted {
		err := rt.router.HandleSync(tag, rt.broadcastSync)
		if err != nil && !errors.Is(err, events.ErrDuplicateHandler) {
			return fmt.Errorf("sync %s: %w", tag, err)
		}
	}
	return nil
}

// needsInstall 判断是否需要新的代际管理器。调用方持有 rt.mu。
func (rt *Runtime) needsInstall(prev, next *config.Config) bool {
	latest := rt.pending
	if latest == nil {
		latest = rt.active
	}
	if latest == nil || prev == nil {
		return true
	}
	if latest.Generation() != next.App.CacheVersion {
		return true
	}
	return !slices.Equal(prev.App.Manifest, next.App.Manifest)
}

func (rt *Runtime) fetcherFor(origin *url.URL) fetch.Fetcher {
	if rt.fetcher != nil {
		return rt.fetcher
	}
	return fetch.NewHTTPFetcher(rt.client, origin)
}

func resolveManifest(cfg *config.Config) ([]*url.URL, error) {
	out := make([]*url.URL, 0, len(cfg.App.Manifest))
	for _, raw := range cfg.App.Manifest {
		u, err := cfg.App.ResolveURL(raw)
		if err != nil {
			return nil, fmt.Errorf("resolve manifest entry %q: %w", raw, err)
		}
		out = append(out, u)
	}
	return out, nil
}

// onActivate 把请求切换到新代际并替换旧的管理器。
func (rt *Runtime) onActivate(manager *lifecycle.Manager, bucket cache.Bucket) {
	rt.mu.Lock()
	old := rt.active
	rt.active = manager
	if rt.pending == manager {
		rt.pending = nil
	}
	rt.current.Store(&bucketRef{bucket: bucket})
	rt.mu.Unlock()

	if old != nil && old != manager {
		old.Supersede()
	}
}

func (rt *Runtime) clearPending(manager *lifecycle.Manager) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.pending == manager {
		rt.pending = nil
	}
}

func (rt *Runtime) currentBucket() cache.Bucket {
	ref := rt.current.Load()
	if ref == nil {
		return nil
	}
	return ref.bucket
}

// Handle 把请求交给当前拦截策略。
func (rt *Runtime) Handle(ctx context.Context, req *intercept.Request) (*intercept.Result, error) {
	policy := rt.policy.Load()
	if policy == nil {
		return nil, ErrNotDeployed
	}
	return policy.Handle(ctx, req)
}

// SkipWaiting 强制待激活的代际立即接管；没有待激活代际时什么也不做。
func (rt *Runtime) SkipWaiting(ctx context.Context) error {
	rt.mu.Lock()
	pending := rt.pending
	rt.mu.Unlock()
	if pending == nil {
		return nil
	}
	return pending.SkipWaiting(ctx)
}

// Run 驱动周期触发器，阻塞直到 ctx 取消。
func (rt *Runtime) Run(ctx context.Context) {
	rt.scheduler.Run(ctx)
}

// Close 取消进行中的后台任务，未完成的写入被放弃。
func (rt *Runtime) Close() {
	rt.tasks.Close()
}

func (rt *Runtime) Hub() *broadcast.Hub { return rt.hub }
func (rt *Runtime) Router() *events.Router { return rt.router }
func (rt *Runtime) Scheduler() *trigger.Scheduler { return rt.scheduler }
func (rt *Runtime) Notifier() *notify.Notifier { return rt.notifier }
func (rt *Runtime) Tasks() *intercept.Tasks { return rt.tasks }
func (rt *Runtime) Metrics() *metrics.Metrics { return rt.metrics }
func (rt *Runtime) Store() cache.Store { return rt.store }
func (rt *Runtime) Policy() *intercept.Policy { return rt.policy.Load() }
func (rt *Runtime) StartedAt() time.Time { return rt.started }

// Config returns the most recently deployed configuration.
func (rt *Runtime) Config() *config.Config {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.cfg
}

package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shell-cache/shell-cache/internal/broadcast"
	"github.com/shell-cache/shell-cache/internal/cache"
	"github.com/shell-cache/shell-cache/internal/config"
	"github.com/shell-cache/shell-cache/internal/events"
	"github.com/shell-cache/shell-cache/internal/fetch"
	"github.com/shell-cache/shell-cache/internal/intercept"
	"github.com/shell-cache/shell-cache/internal/lifecycle"
)

const origin = "https://reader.example.com"

func TestDeployNewVersionEvictsPreviousGeneration(t *testing.T) {
	rt, store, _ := newTestRuntime(t, testConfig("G1"))
	ctx := context.Background()

	if err := rt.Deploy(ctx, testConfig("G1")); err != nil {
		t.Fatalf("deploy G1 failed: %v", err)
	}
	if err := rt.Deploy(ctx, testConfig("G2")); err != nil {
		t.Fatalf("deploy G2 failed: %v", err)
	}

	gens, err := store.Generations(ctx)
	if err != nil {
		t.Fatalf("generations failed: %v", err)
	}
	if len(gens) != 1 || gens[0] != "G2" {
		t.Fatalf("expected exactly {G2}, got %v", gens)
	}

	status, err := rt.Status(ctx)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Active == nil || status.Active.Generation != "G2" || status.Active.State != lifecycle.StateActive {
		t.Fatalf("unexpected active generation: %+v", status.Active)
	}
	if status.Pending != nil {
		t.Fatalf("no generation should be pending: %+v", status.Pending)
	}
	if len(status.Active.Report.Skipped) != 1 {
		t.Fatalf("cross-origin manifest entry should be skipped: %+v", status.Active.Report)
	}
}

func TestDeployPrimesManifestAndServesFromCache(t *testing.T) {
	rt, _, fetcher := newTestRuntime(t, testConfig("v1"))
	ctx := context.Background()
	if err := rt.Deploy(ctx, testConfig("v1")); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}

	fetcher.goOffline()
	res, err := rt.Handle(ctx, getRequest(t, origin+"/index.html"))
	if err != nil {
		t.Fatalf("primed entry should be served offline: %v", err)
	}
	if res.Source != intercept.SourceCache || res.Generation != "v1" {
		t.Fatalf("unexpected result: %s %s", res.Source, res.Generation)
	}
	rt.Tasks().Wait()

	nav := getRequest(t, origin+"/library/7")
	nav.Navigate = true
	res, err = rt.Handle(ctx, nav)
	if err != nil {
		t.Fatalf("navigation should fall back to the shell: %v", err)
	}
	if res.Source != intercept.SourceFallback || string(res.Response.Body) != origin+"/index.html" {
		t.Fatalf("unexpected fallback: %s %q", res.Source, res.Response.Body)
	}
}

func TestRedeploySameVersionKeepsGeneration(t *testing.T) {
	rt, _, fetcher := newTestRuntime(t, testConfig("v1"))
	ctx := context.Background()
	_ = rt.Deploy(ctx, testConfig("v1"))
	before := fetcher.count()

	cfg := testConfig("v1")
	cfg.App.CacheCrossOrigin = true
	if err := rt.Deploy(ctx, cfg); err != nil {
		t.Fatalf("redeploy failed: %v", err)
	}
	if fetcher.count() != before {
		t.Fatalf("unchanged generation must not be re-primed")
	}
	if !rt.Config().App.CacheCrossOrigin {
		t.Fatalf("policy config should be refreshed")
	}
}

func TestPopulateMessageStoresEveryURL(t *testing.T) {
	rt, _, _ := newTestRuntime(t, testConfig("v1"))
	ctx := context.Background()
	if err := rt.Deploy(ctx, testConfig("v1")); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}

	msg, err := broadcast.ParseMessage([]byte(`{"type":"CACHE_URLS","urls":["./books/a.epub","/books/b.epub"]}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if err := rt.Router().DispatchMessage(ctx, "client-1", msg); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	bucket := rt.currentBucket()
	for _, raw := range []string{origin + "/books/a.epub", origin + "/books/b.epub"} {
		u, _ := url.Parse(raw)
		if _, err := bucket.Get(ctx, cache.GetIdentity(u)); err != nil {
			t.Fatalf("%s should be stored after populate: %v", raw, err)
		}
	}
}

func TestPopulateWithoutActiveGeneration(t *testing.T) {
	rt, _, _ := newTestRuntime(t, testConfig("v1"))
	if _, err := rt.Populate(context.Background(), []string{"/a"}); !errors.Is(err, ErrNoActiveGeneration) {
		t.Fatalf("expected ErrNoActiveGeneration, got %v", err)
	}
}

func TestManualActivationWaitsForSkipWait(t *testing.T) {
	cfg := testConfig("v1")
	cfg.App.AutoActivate = false
	rt, store, _ := newTestRuntime(t, cfg)
	ctx := context.Background()
	if _, err := store.Open(ctx, "v0"); err != nil {
		t.Fatalf("open v0: %v", err)
	}

	if err := rt.Deploy(ctx, cfg); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	res, err := rt.Handle(ctx, getRequest(t, origin+"/index.html"))
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if res.Source != intercept.SourcePassthrough {
		t.Fatalf("requests should pass through before activation, got %s", res.Source)
	}

	client := rt.Hub().Connect(origin+"/", "")
	if err := rt.Router().DispatchMessage(ctx, client.ID, broadcast.Message{Type: "SKIP_WAITING"}); err != nil {
		t.Fatalf("skip wait failed: %v", err)
	}
	status, _ := rt.Status(ctx)
	if status.Active == nil || status.Active.Generation != "v1" {
		t.Fatalf("skip-wait should activate v1: %+v", status)
	}
	if len(status.Generations) != 1 {
		t.Fatalf("old generation should be evicted: %v", status.Generations)
	}
	if status.Clients[0].Generation != "v1" {
		t.Fatalf("connected client should be claimed: %+v", status.Clients[0])
	}
}

func TestSyncTriggerBroadcastsToClients(t *testing.T) {
	rt, _, _ := newTestRuntime(t, testConfig("v1"))
	a := rt.Hub().Connect(origin+"/", "")
	b := rt.Hub().Connect(origin+"/library", "")

	if err := rt.Scheduler().Fire(context.Background(), "sync-library"); err != nil {
		t.Fatalf("fire failed: %v", err)
	}
	for _, c := range []*broadcast.Client{a, b} {
		select {
		case msg := <-c.Outbox():
			if msg.Type != broadcast.TypeSyncRequested || msg.Tag != "sync-library" || msg.Periodic {
				t.Fatalf("unexpected message: %+v", msg)
			}
		case <-time.After(time.Second):
			t.Fatalf("client %s missed sync-requested", c.ID)
		}
	}
	if tags := rt.Scheduler().Tags(); len(tags) != 1 || tags[0] != "library-sync" {
		t.Fatalf("periodic sync should be scheduled: %v", tags)
	}
}

func TestRedeployReconcilesSyncTags(t *testing.T) {
	rt, _, _ := newTestRuntime(t, testConfig("v1"))
	ctx := context.Background()
	if err := rt.Deploy(ctx, testConfig("v1")); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}

	cfg := testConfig("v1")
	cfg.Sync.Tags = []string{"sync-progress"}
	if err := rt.Deploy(ctx, cfg); err != nil {
		t.Fatalf("redeploy failed: %v", err)
	}

	if err := rt.Scheduler().Fire(ctx, "sync-library"); !errors.Is(err, events.ErrNoHandler) {
		t.Fatalf("removed tag should no longer dispatch, got %v", err)
	}
	if err := rt.Scheduler().Fire(ctx, "sync-progress"); err != nil {
		t.Fatalf("added tag should dispatch: %v", err)
	}
	syncs := rt.Router().Snapshot().Syncs
	if len(syncs) != 2 || syncs[0] != "library-sync" || syncs[1] != "sync-progress" {
		t.Fatalf("unexpected sync handlers: %v", syncs)
	}
}

func TestHandleBeforeDeploy(t *testing.T) {
	rt, _, _ := newTestRuntime(t, testConfig("v1"))
	if _, err := rt.Handle(context.Background(), getRequest(t, origin+"/")); !errors.Is(err, ErrNotDeployed) {
		t.Fatalf("expected ErrNotDeployed, got %v", err)
	}
}

func newTestRuntime(t *testing.T, cfg *config.Config) (*Runtime, cache.Store, *stubFetcher) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store := cache.NewMemoryStore()
	fetcher := &stubFetcher{}
	rt, err := New(Options{Config: cfg, Store: store, Fetcher: fetcher, Logger: logger})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	t.Cleanup(rt.Close)
	return rt, store, fetcher
}

func testConfig(version string) *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{
			PrimeConcurrency:  2,
			RevalidateTimeout: config.Duration(time.Second),
		},
		App: config.AppConfig{
			Name:         "EPUB Reader",
			Domain:       "reader.local",
			Origin:       origin,
			CacheVersion: version,
			Manifest:     []string{"./", "./index.html", "./manifest.json", "https://cdn.example.net/jszip.min.js"},
			Fallback:     "./index.html",
			AutoActivate: true,
		},
		Notification: config.NotificationConfig{
			Title:       "EPUB Reader",
			DefaultBody: "New update available!",
			Tag:         "epub-reader-notification",
		},
		Sync: config.SyncConfig{
			Tags:     []string{"sync-library"},
			Periodic: []config.PeriodicSync{{Tag: "library-sync", Interval: config.Duration(12 * time.Hour)}},
		},
	}
}

func getRequest(t *testing.T, raw string) *intercept.Request {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	return &intercept.Request{Method: http.MethodGet, URL: u, Header: http.Header{}}
}

// stubFetcher 对同源地址返回以 URL 为正文的 200 响应，离线后全部失败。
type stubFetcher struct {
	mu      sync.Mutex
	offline bool
	calls   int
}

func (f *stubFetcher) Fetch(_ context.Context, req *fetch.Request) (*cache.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	target := req.URL.String()
	if f.offline || !strings.HasPrefix(target, origin) {
		return nil, &fetch.NetworkError{Method: req.Method, URL: target, Err: errors.New("offline")}
	}
	return &cache.Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte(target), Type: cache.ResponseBasic}, nil
}

func (f *stubFetcher) goOffline() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = true
}

func (f *stubFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

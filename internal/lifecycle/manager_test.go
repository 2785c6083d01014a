package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shell-cache/shell-cache/internal/cache"
	"github.com/shell-cache/shell-cache/internal/fetch"
)

const origin = "https://reader.example.com"

func TestActivateLeavesOnlyNewGeneration(t *testing.T) {
	store := cache.NewMemoryStore()
	ctx := context.Background()
	old, _ := store.Open(ctx, "G1")
	_ = old.Put(ctx, cache.GetIdentity(mustURL(t, origin+"/index.html")), okResp("old"))

	claimer := &recordingClaimer{}
	var switched cache.Bucket
	m := newManager(t, store, okFetcher(), func(o *Options) {
		o.Generation = "G2"
		o.Claimer = claimer
		o.OnActivate = func(b cache.Bucket) { switched = b }
	})

	if _, err := m.Install(ctx); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if m.State() != StateInstalling {
		t.Fatalf("install alone must not activate, got %s", m.State())
	}
	if err := m.Activate(ctx); err != nil {
		t.Fatalf("activate failed: %v", err)
	}

	gens, err := store.Generations(ctx)
	if err != nil {
		t.Fatalf("generations failed: %v", err)
	}
	if len(gens) != 1 || gens[0] != "G2" {
		t.Fatalf("expected exactly {G2}, got %v", gens)
	}
	if m.State() != StateActive {
		t.Fatalf("expected active state, got %s", m.State())
	}
	if switched == nil || switched.Generation() != "G2" {
		t.Fatalf("OnActivate should receive the new bucket")
	}
	if claimer.generations() != "G2" {
		t.Fatalf("clients should be claimed by G2, got %q", claimer.generations())
	}
	if err := m.Activate(ctx); err != nil {
		t.Fatalf("second activate should be a no-op: %v", err)
	}
}

func TestInstallPrimesSameOriginManifest(t *testing.T) {
	store := cache.NewMemoryStore()
	fetcher := okFetcher()
	m := newManager(t, store, fetcher, func(o *Options) {
		o.Manifest = []*url.URL{
			mustURL(t, origin+"/"),
			mustURL(t, origin+"/index.html"),
			mustURL(t, origin+"/manifest.json"),
			mustURL(t, "https://cdn.example.net/jszip.min.js"),
		}
	})

	report, err := m.Install(context.Background())
	if err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if len(report.Primed) != 3 {
		t.Fatalf("expected 3 primed entries, got %v", report.Primed)
	}
	if len(report.Skipped) != 1 || report.Skipped[0] != "https://cdn.example.net/jszip.min.js" {
		t.Fatalf("cross-origin entry should be skipped, got %v", report.Skipped)
	}
	for _, u := range fetcher.seen() {
		if u == "https://cdn.example.net/jszip.min.js" {
			t.Fatalf("cross-origin entry must not be fetched")
		}
	}
	if _, err := m.Bucket().Get(context.Background(), cache.GetIdentity(mustURL(t, origin+"/index.html"))); err != nil {
		t.Fatalf("primed entry missing: %v", err)
	}
}

func TestInstallIsBestEffort(t *testing.T) {
	store := cache.NewMemoryStore()
	fetcher := okFetcher()
	fetcher.failures = map[string]bool{origin + "/icon.png": true}
	fetcher.status = map[string]int{origin + "/gone.css": http.StatusNotFound}

	m := newManager(t, store, fetcher, func(o *Options) {
		o.Manifest = []*url.URL{
			mustURL(t, origin+"/index.html"),
			mustURL(t, origin+"/icon.png"),
			mustURL(t, origin+"/gone.css"),
		}
	})
	report, err := m.Install(context.Background())
	if err != nil {
		t.Fatalf("prime failures must not fail install: %v", err)
	}
	failed := report.FailedURLs()
	if len(failed) != 2 || failed[0] != origin+"/gone.css" || failed[1] != origin+"/icon.png" {
		t.Fatalf("unexpected failures: %v", failed)
	}
	if !errors.Is(report.Err(), cache.ErrWriteSkipped) {
		t.Fatalf("404 entry should be reported as write skipped: %v", report.Err())
	}
	if !fetch.IsNetworkError(report.Err()) {
		t.Fatalf("network failure should be reported: %v", report.Err())
	}
	if err := m.Activate(context.Background()); err != nil {
		t.Fatalf("activation should proceed after partial priming: %v", err)
	}
}

func TestInstallFailsWhenStoreCannotOpen(t *testing.T) {
	m := newManager(t, failingStore{cache.NewMemoryStore()}, okFetcher(), nil)
	if _, err := m.Install(context.Background()); !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("expected ErrInstallFailed, got %v", err)
	}
	if err := m.Activate(context.Background()); !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("activation after failed install should fail, got %v", err)
	}
}

func TestSkipWaitingBeforeInstallActivatesWhenPrimed(t *testing.T) {
	store := cache.NewMemoryStore()
	release := make(chan struct{})
	fetcher := okFetcher()
	fetcher.gate = release

	m := newManager(t, store, fetcher, func(o *Options) {
		o.Manifest = []*url.URL{mustURL(t, origin+"/index.html")}
	})

	done := make(chan error, 1)
	go func() {
		_, err := m.Install(context.Background())
		done <- err
	}()

	if err := m.SkipWaiting(context.Background()); err != nil {
		t.Fatalf("skip waiting failed: %v", err)
	}
	if m.State() != StateInstalling {
		t.Fatalf("activation must wait for priming")
	}
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("install failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("install did not finish")
	}
	if m.State() != StateActive {
		t.Fatalf("skip waiting should activate after install, got %s", m.State())
	}
}

func TestSkipWaitingAfterInstallActivatesImmediately(t *testing.T) {
	m := newManager(t, cache.NewMemoryStore(), okFetcher(), nil)
	if _, err := m.Install(context.Background()); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if err := m.SkipWaiting(context.Background()); err != nil {
		t.Fatalf("skip waiting failed: %v", err)
	}
	if m.State() != StateActive {
		t.Fatalf("expected active, got %s", m.State())
	}
}

func TestSupersededCannotActivate(t *testing.T) {
	m := newManager(t, cache.NewMemoryStore(), okFetcher(), nil)
	if _, err := m.Install(context.Background()); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	m.Supersede()
	if err := m.Activate(context.Background()); !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
}

func newManager(t *testing.T, store cache.Store, fetcher fetch.Fetcher, mutate func(*Options)) *Manager {
	t.Helper()
	opts := Options{
		Generation: "v1",
		Origin:     mustURL(t, origin),
		Store:      store,
		Fetcher:    fetcher,
	}
	if mutate != nil {
		mutate(&opts)
	}
	m, err := New(opts)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

type stubFetcher struct {
	mu       sync.Mutex
	urls     []string
	failures map[string]bool
	status   map[string]int
	gate     chan struct{}
}

func okFetcher() *stubFetcher {
	return &stubFetcher{}
}

func (f *stubFetcher) Fetch(ctx context.Context, req *fetch.Request) (*cache.Response, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	target := req.URL.String()
	f.mu.Lock()
	f.urls = append(f.urls, target)
	f.mu.Unlock()
	if f.failures[target] {
		return nil, &fetch.NetworkError{Method: req.Method, URL: target, Err: errors.New("offline")}
	}
	status := http.StatusOK
	if s, ok := f.status[target]; ok {
		status = s
	}
	return &cache.Response{Status: status, Header: http.Header{}, Body: []byte(target), Type: cache.ResponseBasic}, nil
}

func (f *stubFetcher) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.urls...)
	sort.Strings(out)
	return out
}

type recordingClaimer struct {
	mu  sync.Mutex
	gen string
}

func (c *recordingClaimer) Claim(generation string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen = generation
	return 0
}

func (c *recordingClaimer) generations() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

type failingStore struct {
	cache.Store
}

func (failingStore) Open(context.Context, string) (cache.Bucket, error) {
	return nil, errors.New("disk full")
}

func okResp(body string) *cache.Response {
	return &cache.Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte(body), Type: cache.ResponseBasic}
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	return u
}

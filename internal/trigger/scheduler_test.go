package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shell-cache/shell-cache/internal/events"
)

type recorder struct {
	mu     sync.Mutex
	events []events.SyncEvent
	hit    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{hit: make(chan struct{}, 16)}
}

func (r *recorder) handler(_ context.Context, e events.SyncEvent) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	select {
	case r.hit <- struct{}{}:
	default:
	}
	return nil
}

func TestFireDispatchesOneShot(t *testing.T) {
	router := events.NewRouter(nil)
	rec := newRecorder()
	_ = router.HandleSync("sync-library", rec.handler)

	s := New(router, nil)
	if err := s.Fire(context.Background(), "sync-library"); err != nil {
		t.Fatalf("fire failed: %v", err)
	}
	if len(rec.events) != 1 || rec.events[0].Periodic {
		t.Fatalf("expected one one-shot event, got %+v", rec.events)
	}
	if err := s.Fire(context.Background(), "unknown"); !errors.Is(err, events.ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler for unknown tag, got %v", err)
	}
}

func TestRunFiresPeriodicUntilCancelled(t *testing.T) {
	router := events.NewRouter(nil)
	rec := newRecorder()
	_ = router.HandleSync("library-sync", rec.handler)

	s := New(router, nil)
	if err := s.Every("library-sync", 10*time.Millisecond); err != nil {
		t.Fatalf("every failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-rec.hit:
		case <-time.After(2 * time.Second):
			t.Fatalf("periodic trigger did not fire")
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, e := range rec.events {
		if !e.Periodic || e.Tag != "library-sync" {
			t.Fatalf("unexpected event: %+v", e)
		}
	}
}

func TestEveryValidatesInput(t *testing.T) {
	s := New(events.NewRouter(nil), nil)
	if err := s.Every("", time.Second); err == nil {
		t.Fatalf("empty tag should be rejected")
	}
	if err := s.Every("x", 0); err == nil {
		t.Fatalf("zero interval should be rejected")
	}
	_ = s.Every("x", time.Hour)
	if tags := s.Tags(); len(tags) != 1 || tags[0] != "x" {
		t.Fatalf("unexpected tags: %v", tags)
	}
}

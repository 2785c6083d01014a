package events

import (
	"context"
	"errors"
	"testing"

	"github.com/shell-cache/shell-cache/internal/broadcast"
)

func TestMessageDispatchUsesNormalisedType(t *testing.T) {
	r := NewRouter(nil)
	var got broadcast.Message
	if err := r.HandleMessage(broadcast.TypeSkipWait, func(_ context.Context, clientID string, msg broadcast.Message) error {
		if clientID != "c1" {
			t.Errorf("unexpected client id %q", clientID)
		}
		got = msg
		return nil
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if err := r.DispatchMessage(context.Background(), "c1", broadcast.Message{Type: "SKIP_WAITING"}); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if got.Type != broadcast.TypeSkipWait {
		t.Fatalf("handler should see normalised type, got %q", got.Type)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRouter(nil)
	noop := func(context.Context, SyncEvent) error { return nil }
	if err := r.HandleSync("sync-library", noop); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if err := r.HandleSync("sync-library", noop); !errors.Is(err, ErrDuplicateHandler) {
		t.Fatalf("expected ErrDuplicateHandler, got %v", err)
	}
	if !r.RemoveSync("sync-library") {
		t.Fatalf("remove should report existing handler")
	}
	if err := r.HandleSync("sync-library", noop); err != nil {
		t.Fatalf("register after remove failed: %v", err)
	}

	push := func(context.Context, []byte) error { return nil }
	_ = r.HandlePush(push)
	if err := r.HandlePush(push); !errors.Is(err, ErrDuplicateHandler) {
		t.Fatalf("expected duplicate push handler error, got %v", err)
	}
}

func TestDispatchWithoutHandler(t *testing.T) {
	r := NewRouter(nil)
	if err := r.DispatchSync(context.Background(), SyncEvent{Tag: "unknown"}); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler, got %v", err)
	}
	if err := r.DispatchPush(context.Background(), nil); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler for push, got %v", err)
	}
	if _, err := r.DispatchClick(context.Background(), Click{}); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler for click, got %v", err)
	}
}

func TestDispatchRecoversPanic(t *testing.T) {
	r := NewRouter(nil)
	_ = r.HandleSync("boom", func(context.Context, SyncEvent) error { panic("kaboom") })

	err := r.DispatchSync(context.Background(), SyncEvent{Tag: "boom"})
	if !errors.Is(err, ErrHandlerPanic) {
		t.Fatalf("expected ErrHandlerPanic, got %v", err)
	}
}

func TestClickOutcomeIsReturned(t *testing.T) {
	r := NewRouter(nil)
	_ = r.HandleNotificationClick(func(_ context.Context, c Click) (ClickOutcome, error) {
		return ClickOutcome{Action: ClickOpen, URL: "https://reader.example.com/" + c.Tag}, nil
	})
	outcome, err := r.DispatchClick(context.Background(), Click{Tag: "x"})
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if outcome.Action != ClickOpen || outcome.URL != "https://reader.example.com/x" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestSnapshot(t *testing.T) {
	r := NewRouter(nil)
	_ = r.HandleMessage(broadcast.TypeCachePopulate, func(context.Context, string, broadcast.Message) error { return nil })
	_ = r.HandleSync("b", func(context.Context, SyncEvent) error { return nil })
	_ = r.HandleSync("a", func(context.Context, SyncEvent) error { return nil })

	snap := r.Snapshot()
	if len(snap.Messages) != 1 || snap.Messages[0] != string(broadcast.TypeCachePopulate) {
		t.Fatalf("unexpected messages: %v", snap.Messages)
	}
	if len(snap.Syncs) != 2 || snap.Syncs[0] != "a" || snap.Syncs[1] != "b" {
		t.Fatalf("syncs should be sorted: %v", snap.Syncs)
	}
	if snap.Push || snap.NotificationClick {
		t.Fatalf("push/click should be unregistered")
	}
}

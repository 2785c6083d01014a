package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.Request("cache")
	m.Request("cache")
	m.StoreWrite("stored")
	m.ActiveGeneration("v1")
	m.ActiveGeneration("v2")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	if !strings.Contains(text, `shell_cache_requests_total{source="cache"} 2`) {
		t.Fatalf("requests counter missing:\n%s", text)
	}
	if !strings.Contains(text, `shell_cache_active_generation{generation="v2"} 1`) {
		t.Fatalf("active generation gauge missing:\n%s", text)
	}
	if strings.Contains(text, `generation="v1"`) {
		t.Fatalf("previous generation should be cleared")
	}
	if !strings.Contains(text, "go_goroutines") {
		t.Fatalf("go collector should be registered")
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Request("network")
	m.StoreWrite("failed")
	m.Revalidation("ok")
	m.PrimeEntry("ok")
	m.Message("out", "sync-requested")
	m.ActiveGeneration("v1")
	m.ConnectedClients(3)
	if m.Registry() != nil {
		t.Fatalf("nil metrics should have nil registry")
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("nil metrics handler should still serve, got %d", rec.Code)
	}
}

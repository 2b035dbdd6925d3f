package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestObserveEndpoint(t *testing.T) {
	r := NewRegistry()
	r.ObserveEndpoint("webhooks.flight", 201, 10*time.Millisecond)
	r.ObserveEndpoint("webhooks.flight", 503, 30*time.Millisecond)
	r.ObserveEndpoint("", 200, time.Millisecond)

	snap := r.Snapshot()
	stat, ok := snap.Endpoints["webhooks.flight"]
	if !ok {
		t.Fatal("expected webhooks.flight stat")
	}
	if stat.Count != 2 || stat.ErrorCount != 1 {
		t.Fatalf("count=%d errors=%d, want 2/1", stat.Count, stat.ErrorCount)
	}
	if stat.MaxMillis != 30 {
		t.Fatalf("max=%d, want 30", stat.MaxMillis)
	}
	if stat.AverageMillis != 20 {
		t.Fatalf("avg=%f, want 20", stat.AverageMillis)
	}
	if stat.LastStatusCode != 503 {
		t.Fatalf("last status=%d, want 503", stat.LastStatusCode)
	}
	if _, ok := snap.Endpoints["unknown"]; !ok {
		t.Fatal("empty route key should fold into unknown")
	}
}

func TestCounters(t *testing.T) {
	r := NewRegistry()
	r.IncRejection("webhooks.flight", "signature_invalid")
	r.IncRejection("webhooks.flight", "signature_invalid")
	r.IncDegraded("ratelimit", "trips.search")
	r.IncReplay("webhooks.flight")
	r.SetGauge("stream_subscribers", 3)

	snap := r.Snapshot()
	if snap.Rejections["webhooks.flight|signature_invalid"] != 2 {
		t.Fatalf("rejections=%v", snap.Rejections)
	}
	if snap.Degraded["ratelimit|trips.search"] != 1 {
		t.Fatalf("degraded=%v", snap.Degraded)
	}
	if snap.Replays["webhooks.flight"] != 1 {
		t.Fatalf("replays=%v", snap.Replays)
	}
	if snap.Gauges["stream_subscribers"] != 3 {
		t.Fatalf("gauges=%v", snap.Gauges)
	}
}

func TestNilRegistryIsSafe(t *testing.T) {
	var r *Registry
	r.ObserveEndpoint("x", 200, time.Millisecond)
	r.IncRejection("x", "y")
	r.IncDegraded("x", "y")
	r.IncReplay("x")
	r.SetGauge("x", 1)
}

func TestConcurrentWrites(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.IncRejection("route", "kind")
				r.ObserveEndpoint("route", 200, time.Millisecond)
			}
		}()
	}
	wg.Wait()
	snap := r.Snapshot()
	if snap.Rejections["route|kind"] != 800 {
		t.Fatalf("rejections=%d, want 800", snap.Rejections["route|kind"])
	}
	if snap.Endpoints["route"].Count != 800 {
		t.Fatalf("count=%d, want 800", snap.Endpoints["route"].Count)
	}
}

func TestHandlerServesJSON(t *testing.T) {
	r := NewRegistry()
	r.IncReplay("webhooks.flight")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp := httptest.NewRecorder()
	r.Handler()(resp, req)

	if ct := resp.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type %q", ct)
	}
	var snap Snapshot
	if err := json.Unmarshal(resp.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Replays["webhooks.flight"] != 1 {
		t.Fatalf("replays=%v", snap.Replays)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.ObserveEndpoint("trips.search", 200, 5*time.Millisecond)
	r.IncRejection("webhooks.flight", "rate_limit_exceeded")
	r.IncDegraded("idempotency", "jobs.refresh")

	req := httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil)
	resp := httptest.NewRecorder()
	r.PrometheusHandler()(resp, req)

	body := resp.Body.String()
	for _, want := range []string{
		`tripguard_endpoint_count{route="trips.search"} 1`,
		`tripguard_rejection_total{route="webhooks.flight",kind="rate_limit_exceeded"} 1`,
		`tripguard_degraded_total{subsystem="idempotency",route="jobs.refresh"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("exposition missing %q:\n%s", want, body)
		}
	}
	if !strings.HasPrefix(resp.Header().Get("Content-Type"), "text/plain") {
		t.Fatalf("content type %q", resp.Header().Get("Content-Type"))
	}
}

func TestSplitKey(t *testing.T) {
	route, kind := splitKey("a|b")
	if route != "a" || kind != "b" {
		t.Fatalf("got %s/%s", route, kind)
	}
	route, kind = splitKey("solo")
	if route != "solo" || kind != "unknown" {
		t.Fatalf("got %s/%s", route, kind)
	}
}

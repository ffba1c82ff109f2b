package handler

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/InfamousMorningstar/guardian/internal/metrics"
	"github.com/InfamousMorningstar/guardian/internal/status"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func newTestRouter(t *testing.T, tracker *status.Tracker, dryRun bool) http.Handler {
	t.Helper()
	var buf bytes.Buffer
	registry := prometheus.NewRegistry()
	metrics.NewCollector(registry)
	h := NewHandler(tracker, newTestLogger(&buf), dryRun)
	return NewRouter(h, registry)
}

func TestHealth_AllLoopsAlive(t *testing.T) {
	tracker := status.NewTracker(nil)
	tracker.RegisterLoop("onboard")
	tracker.RegisterLoop("inactivity")
	tracker.Beat("onboard")
	tracker.RecordUserWelcomed()

	router := newTestRouter(t, tracker, true)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("レスポンスのパースに失敗: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["dry_run"] != true {
		t.Errorf("dry_run = %v, want true", body["dry_run"])
	}
	if body["users_welcomed"] != float64(1) {
		t.Errorf("users_welcomed = %v, want 1", body["users_welcomed"])
	}
	loops, ok := body["loops"].(map[string]any)
	if !ok || len(loops) != 2 {
		t.Errorf("loops = %v", body["loops"])
	}
}

func TestHealth_DeadLoopReturnsDegraded(t *testing.T) {
	tracker := status.NewTracker(nil)
	tracker.RegisterLoop("onboard")
	tracker.RegisterLoop("inactivity")
	tracker.MarkDead("inactivity")

	router := newTestRouter(t, tracker, false)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("レスポンスのパースに失敗: %v", err)
	}
	if body["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", body["status"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	tracker := status.NewTracker(nil)
	router := newTestRouter(t, tracker, false)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("guardian_users_welcomed_total")) {
		t.Error("メトリクス出力に guardian_users_welcomed_total が含まれていない")
	}
}

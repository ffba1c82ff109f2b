// Package handler はヘルスチェックとメトリクス公開のHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/InfamousMorningstar/guardian/internal/metrics"
	"github.com/InfamousMorningstar/guardian/internal/status"
)

// healthResponse は/healthレスポンスのボディ。
type healthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	DryRun        bool    `json:"dry_run"`
	status.Snapshot
}

// Handler はヘルスチェックとメトリクスのHTTPハンドラー。
type Handler struct {
	tracker *status.Tracker
	logger  *slog.Logger
	dryRun  bool
}

// NewHandler はHandlerの新しいインスタンスを生成する。
func NewHandler(tracker *status.Tracker, logger *slog.Logger, dryRun bool) *Handler {
	return &Handler{
		tracker: tracker,
		logger:  logger,
		dryRun:  dryRun,
	}
}

// NewRouter はルーターを構築する。
// GET /health はデーモンの生存情報とカウンタのスナップショットを返す。
// GET /metrics はPrometheus形式のメトリクスを返す。
func NewRouter(h *Handler, gatherer prometheus.Gatherer) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", h.Health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(gatherer))

	return r
}

// Health はデーモンの生存情報を返す。
// いずれかのループゴルーチンが停止している場合はstatusがdegradedになり、
// ステータスコード503を返す。
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	snapshot := h.tracker.Snapshot()

	healthy := true
	for _, loop := range snapshot.Loops {
		if !loop.Alive {
			healthy = false
			break
		}
	}

	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(snapshot.StartTime).Seconds(),
		DryRun:        h.dryRun,
		Snapshot:      snapshot,
	}

	code := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("ヘルスレスポンスの書き込みに失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	usersWelcomed prometheus.Counter
	usersWarned   prometheus.Counter
	usersRemoved  prometheus.Counter
	emailsSent    prometheus.Counter
	emailsFailed  prometheus.Counter
	apiErrors     prometheus.Counter
	stateSaves    prometheus.Counter
	stateLoads    prometheus.Counter
	scanDuration  *prometheus.HistogramVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		usersWelcomed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guardian_users_welcomed_total",
			Help: "オンボーディングされたユーザーの合計数",
		}),
		usersWarned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guardian_users_warned_total",
			Help: "非アクティブ警告を送信したユーザーの合計数",
		}),
		usersRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guardian_users_removed_total",
			Help: "アクセスを剥奪したユーザーの合計数",
		}),
		emailsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guardian_emails_sent_total",
			Help: "送信に成功したメールの合計数",
		}),
		emailsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guardian_emails_failed_total",
			Help: "送信に失敗したメールの合計数",
		}),
		apiErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guardian_api_errors_total",
			Help: "外部APIエラーの合計数",
		}),
		stateSaves: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guardian_state_saves_total",
			Help: "台帳保存の合計数",
		}),
		stateLoads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guardian_state_loads_total",
			Help: "台帳読み込みの合計数",
		}),
		scanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "guardian_scan_duration_seconds",
			Help:    "スキャン1回あたりの所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"loop"}),
	}

	reg.MustRegister(
		c.usersWelcomed,
		c.usersWarned,
		c.usersRemoved,
		c.emailsSent,
		c.emailsFailed,
		c.apiErrors,
		c.stateSaves,
		c.stateLoads,
		c.scanDuration,
	)

	return c
}

// RecordUserWelcomed はオンボーディングを記録する。
func (c *Collector) RecordUserWelcomed() { c.usersWelcomed.Inc() }

// RecordUserWarned は警告送信を記録する。
func (c *Collector) RecordUserWarned() { c.usersWarned.Inc() }

// RecordUserRemoved はアクセス剥奪を記録する。
func (c *Collector) RecordUserRemoved() { c.usersRemoved.Inc() }

// RecordEmailSent はメール送信成功を記録する。
func (c *Collector) RecordEmailSent() { c.emailsSent.Inc() }

// RecordEmailFailed はメール送信失敗を記録する。
func (c *Collector) RecordEmailFailed() { c.emailsFailed.Inc() }

// RecordAPIError は外部APIエラーを記録する。
func (c *Collector) RecordAPIError() { c.apiErrors.Inc() }

// RecordStateSave は台帳保存を記録する。
func (c *Collector) RecordStateSave() { c.stateSaves.Inc() }

// RecordStateLoad は台帳読み込みを記録する。
func (c *Collector) RecordStateLoad() { c.stateLoads.Inc() }

// RecordScanDuration はスキャンの所要時間を記録する。
func (c *Collector) RecordScanDuration(loop string, d time.Duration) {
	c.scanDuration.WithLabelValues(loop).Observe(d.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

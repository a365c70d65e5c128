// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// プロフィール同期エンジンとセッションコントローラーから利用する。
type MetricsCollector interface {
	RecordResolution(outcome string, duration time.Duration)
	RecordProfileRetry()
	RecordProfileRepair(success bool)
	RecordReputationFailure()
	RecordStaleResolution()
	RecordAuthAttempt(operation, outcome string)
	SetActiveSessions(n int)
	RecordHTTPRequest(method, route string, status int, duration time.Duration)
	RecordRateLimited(limit string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	resolutions       *prometheus.CounterVec
	resolutionLatency prometheus.Histogram
	profileRetries    prometheus.Counter
	profileRepairs    *prometheus.CounterVec
	reputationFail    prometheus.Counter
	staleResolutions  prometheus.Counter
	authAttempts      *prometheus.CounterVec
	activeSessions    prometheus.Gauge
	httpRequests      *prometheus.CounterVec
	httpLatency       *prometheus.HistogramVec
	rateLimited       *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratemyrental_profile_resolutions_total",
			Help: "結果別のプロフィール解決数",
		}, []string{"outcome"}),
		resolutionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ratemyrental_profile_resolution_seconds",
			Help:    "プロフィール解決のレイテンシ（秒）。リトライ待機を含む",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}),
		profileRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratemyrental_profile_lookup_retries_total",
			Help: "プロフィール未作成によるリトライの合計数",
		}),
		profileRepairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratemyrental_profile_repairs_total",
			Help: "リトライ上限後に実行したプロフィール修復の合計数",
		}, []string{"result"}),
		reputationFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratemyrental_reputation_read_failures_total",
			Help: "レビュー集計の読み取り失敗の合計数",
		}),
		staleResolutions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratemyrental_stale_resolutions_total",
			Help: "後続イベントにより破棄された解決結果の合計数",
		}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratemyrental_auth_attempts_total",
			Help: "操作・結果別の認証試行数",
		}, []string{"operation", "outcome"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratemyrental_active_sessions",
			Help: "メモリ上に保持しているセッションコントローラー数",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratemyrental_http_requests_total",
			Help: "ルート・ステータス別のHTTPリクエスト数",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ratemyrental_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratemyrental_rate_limited_total",
			Help: "レート制限で拒否したリクエスト数",
		}, []string{"limit"}),
	}

	reg.MustRegister(
		c.resolutions,
		c.resolutionLatency,
		c.profileRetries,
		c.profileRepairs,
		c.reputationFail,
		c.staleResolutions,
		c.authAttempts,
		c.activeSessions,
		c.httpRequests,
		c.httpLatency,
		c.rateLimited,
	)

	return c
}

// RecordResolution はプロフィール解決の結果とレイテンシを記録する。
func (c *Collector) RecordResolution(outcome string, duration time.Duration) {
	c.resolutions.WithLabelValues(outcome).Inc()
	c.resolutionLatency.Observe(duration.Seconds())
}

// RecordProfileRetry はプロフィール再検索を記録する。
func (c *Collector) RecordProfileRetry() {
	c.profileRetries.Inc()
}

// RecordProfileRepair はプロフィール修復の成否を記録する。
func (c *Collector) RecordProfileRepair(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.profileRepairs.WithLabelValues(result).Inc()
}

// RecordReputationFailure はレビュー集計の読み取り失敗を記録する。
func (c *Collector) RecordReputationFailure() {
	c.reputationFail.Inc()
}

// RecordStaleResolution は破棄された解決結果を記録する。
func (c *Collector) RecordStaleResolution() {
	c.staleResolutions.Inc()
}

// RecordAuthAttempt はサインイン・サインアップ等の試行結果を記録する。
func (c *Collector) RecordAuthAttempt(operation, outcome string) {
	c.authAttempts.WithLabelValues(operation, outcome).Inc()
}

// SetActiveSessions は保持中のセッション数を設定する。
func (c *Collector) SetActiveSessions(n int) {
	c.activeSessions.Set(float64(n))
}

// RecordHTTPRequest はHTTPリクエストの件数と処理時間を記録する。
// routeにはパスではなくルートパターンを渡す（ラベルの組み合わせ数を抑えるため）。
func (c *Collector) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpLatency.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordRateLimited はレート制限による拒否を記録する。
func (c *Collector) RecordRateLimited(limit string) {
	c.rateLimited.WithLabelValues(limit).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)

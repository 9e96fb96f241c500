// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 外部呼び出しの結果区分
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層やワーカーから利用する。
type MetricsCollector interface {
	// RecordUpstreamCall は外部API 1回分の結果とレイテンシを記録する。
	// targetは検索エンドポイントのラベル、または中継先を表す"relay"。
	RecordUpstreamCall(target, outcome string, duration time.Duration)
	// RecordUpstreamStatus は外部APIが返したHTTPステータスを記録する。
	RecordUpstreamStatus(target string, statusCode int)
	// RecordSearch は1回のファンアウト検索での成功・失敗件数を記録する。
	RecordSearch(succeeded, failed int)
	// RecordSubmission はフォーム送信の検証結果を記録する。
	RecordSubmission(valid bool)
	// RecordSignIn はサインイン結果を記録する。
	RecordSignIn(provider, result string)
	// RecordCleanup はクリーンアップジョブで削除した件数を記録する。
	RecordCleanup(target string, deleted int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	upstreamCalls   *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	upstreamStatus  *prometheus.CounterVec
	searchRequests  prometheus.Counter
	searchFailures  prometheus.Counter
	submissions     *prometheus.CounterVec
	signIns         *prometheus.CounterVec
	cleanupDeleted  *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		upstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaydash_upstream_calls_total",
			Help: "外部API呼び出しの合計数（呼び出し先・結果別）",
		}, []string{"target", "outcome"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relaydash_upstream_latency_seconds",
			Help:    "外部API呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"target"}),
		upstreamStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaydash_upstream_http_status_total",
			Help: "外部APIのHTTPステータスコード別レスポンス数",
		}, []string{"target", "status_code"}),
		searchRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaydash_search_requests_total",
			Help: "ファンアウト検索リクエストの合計数",
		}),
		searchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaydash_search_endpoint_failures_total",
			Help: "ファンアウト検索で失敗したエンドポイント呼び出しの合計数",
		}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaydash_submissions_total",
			Help: "フォーム送信の合計数（検証結果別）",
		}, []string{"result"}),
		signIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaydash_sign_ins_total",
			Help: "サインインの合計数（プロバイダー・結果別）",
		}, []string{"provider", "result"}),
		cleanupDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaydash_cleanup_deleted_total",
			Help: "クリーンアップジョブで削除したレコード数",
		}, []string{"target"}),
	}

	reg.MustRegister(
		c.upstreamCalls,
		c.upstreamLatency,
		c.upstreamStatus,
		c.searchRequests,
		c.searchFailures,
		c.submissions,
		c.signIns,
		c.cleanupDeleted,
	)

	return c
}

// RecordUpstreamCall は外部API呼び出しの結果とレイテンシを記録する。
func (c *Collector) RecordUpstreamCall(target, outcome string, duration time.Duration) {
	c.upstreamCalls.WithLabelValues(target, outcome).Inc()
	c.upstreamLatency.WithLabelValues(target).Observe(duration.Seconds())
}

// RecordUpstreamStatus は外部APIのHTTPステータスコードを記録する。
func (c *Collector) RecordUpstreamStatus(target string, statusCode int) {
	c.upstreamStatus.WithLabelValues(target, strconv.Itoa(statusCode)).Inc()
}

// RecordSearch はファンアウト検索1回分を記録する。
func (c *Collector) RecordSearch(succeeded, failed int) {
	c.searchRequests.Inc()
	c.searchFailures.Add(float64(failed))
}

// RecordSubmission はフォーム送信の検証結果を記録する。
func (c *Collector) RecordSubmission(valid bool) {
	result := "valid"
	if !valid {
		result = "invalid"
	}
	c.submissions.WithLabelValues(result).Inc()
}

// RecordSignIn はサインイン結果を記録する。
func (c *Collector) RecordSignIn(provider, result string) {
	c.signIns.WithLabelValues(provider, result).Inc()
}

// RecordCleanup はクリーンアップで削除した件数を記録する。
func (c *Collector) RecordCleanup(target string, deleted int64) {
	c.cleanupDeleted.WithLabelValues(target).Add(float64(deleted))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// ワーカーモードで単独のメトリクスサーバーを立てる場合に使用する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// NopCollector は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type NopCollector struct{}

func (NopCollector) RecordUpstreamCall(string, string, time.Duration) {}
func (NopCollector) RecordUpstreamStatus(string, int)                 {}
func (NopCollector) RecordSearch(int, int)                            {}
func (NopCollector) RecordSubmission(bool)                            {}
func (NopCollector) RecordSignIn(string, string)                      {}
func (NopCollector) RecordCleanup(string, int64)                      {}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
var _ MetricsCollector = NopCollector{}

// OutcomeOf は外部呼び出しのエラーを結果区分に変換する。
func OutcomeOf(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeTimeout
	}
	return OutcomeFailure
}

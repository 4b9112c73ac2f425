// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 結果ラベルの値
const (
	OutcomeSuccess   = "success"
	OutcomeInvalid   = "invalid"
	OutcomeNotFound  = "not_found"
	OutcomeDuplicate = "duplicate"
	OutcomeError     = "error"
	OutcomeRefused   = "refused"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層や外部APIクライアントから利用する。
type MetricsCollector interface {
	RecordLicenseIssued(outcome string)
	RecordRedemption(outcome string)
	RecordLookup(outcome string)
	RecordClean(model, outcome string)
	RecordUpstreamLatency(duration time.Duration)
	RecordQuotaRefused()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	licensesIssued  *prometheus.CounterVec
	redemptions     *prometheus.CounterVec
	lookups         *prometheus.CounterVec
	cleans          *prometheus.CounterVec
	upstreamLatency prometheus.Histogram
	quotaRefused    prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		licensesIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promptcleaner_licenses_issued_total",
			Help: "ライセンス発行処理の結果別件数",
		}, []string{"outcome"}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promptcleaner_license_redemptions_total",
			Help: "ライセンス引き換え処理の結果別件数",
		}, []string{"outcome"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promptcleaner_license_lookups_total",
			Help: "メールアドレスによるライセンス照会の結果別件数",
		}, []string{"outcome"}),
		cleans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promptcleaner_clean_requests_total",
			Help: "プロンプトクリーニングのモデル・結果別件数",
		}, []string{"model", "outcome"}),
		upstreamLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "promptcleaner_upstream_latency_seconds",
			Help:    "LLM API呼び出しのレイテンシ（秒）",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}),
		quotaRefused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promptcleaner_quota_refused_total",
			Help: "サーバー側の1日の利用上限により拒否された件数",
		}),
	}

	reg.MustRegister(
		c.licensesIssued,
		c.redemptions,
		c.lookups,
		c.cleans,
		c.upstreamLatency,
		c.quotaRefused,
	)

	return c
}

// RecordLicenseIssued はライセンス発行の結果を記録する。
func (c *Collector) RecordLicenseIssued(outcome string) {
	c.licensesIssued.WithLabelValues(outcome).Inc()
}

// RecordRedemption はライセンス引き換えの結果を記録する。
func (c *Collector) RecordRedemption(outcome string) {
	c.redemptions.WithLabelValues(outcome).Inc()
}

// RecordLookup はライセンス照会の結果を記録する。
func (c *Collector) RecordLookup(outcome string) {
	c.lookups.WithLabelValues(outcome).Inc()
}

// RecordClean はプロンプトクリーニングの結果を記録する。
func (c *Collector) RecordClean(model, outcome string) {
	c.cleans.WithLabelValues(model, outcome).Inc()
}

// RecordUpstreamLatency はLLM API呼び出しのレイテンシを記録する。
func (c *Collector) RecordUpstreamLatency(duration time.Duration) {
	c.upstreamLatency.Observe(duration.Seconds())
}

// RecordQuotaRefused はサーバー側の利用上限による拒否を記録する。
func (c *Collector) RecordQuotaRefused() {
	c.quotaRefused.Inc()
}

// NopCollector は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type NopCollector struct{}

func (NopCollector) RecordLicenseIssued(string) {}
func (NopCollector) RecordRedemption(string) {}
func (NopCollector) RecordLookup(string) {}
func (NopCollector) RecordClean(string, string) {}
func (NopCollector) RecordUpstreamLatency(time.Duration) {}
func (NopCollector) RecordQuotaRefused() {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = NopCollector{}
)

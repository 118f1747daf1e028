// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// コーディネータやワーカーから利用する。
type MetricsCollector interface {
	RecordRunStarted()
	RecordRunDropped()
	RecordRunDuration(duration time.Duration)
	RecordPublished(count int)
	RecordPublishFailed(count int)
	RecordSkipped(reason string, count int)
	RecordFeedBatchFailure()
	RecordChannelFailure(channel string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	runsStarted      prometheus.Counter
	runsDropped      prometheus.Counter
	runDuration      prometheus.Histogram
	published        prometheus.Counter
	publishFailed    prometheus.Counter
	skipped          *prometheus.CounterVec
	feedBatchFailure prometheus.Counter
	channelFailure   *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dealman_runs_started_total",
			Help: "自動配信実行の開始数",
		}),
		runsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dealman_runs_dropped_total",
			Help: "単一実行保証により破棄されたトリガー数",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dealman_run_duration_seconds",
			Help:    "自動配信1回の実行時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dealman_published_total",
			Help: "配信に成功した商品の合計数",
		}),
		publishFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dealman_publish_failed_total",
			Help: "全チャネルで配信に失敗した商品の合計数",
		}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealman_skipped_total",
			Help: "スキップ理由別の商品数",
		}, []string{"reason"}),
		feedBatchFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dealman_feed_batch_failures_total",
			Help: "価格フィードのバッチ取得失敗数",
		}),
		channelFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealman_channel_failures_total",
			Help: "チャネル別の配信失敗数",
		}, []string{"channel"}),
	}

	reg.MustRegister(
		c.runsStarted,
		c.runsDropped,
		c.runDuration,
		c.published,
		c.publishFailed,
		c.skipped,
		c.feedBatchFailure,
		c.channelFailure,
	)

	return c
}

// RecordRunStarted は実行開始を記録する。
func (c *Collector) RecordRunStarted() {
	c.runsStarted.Inc()
}

// RecordRunDropped は単一実行保証によるトリガー破棄を記録する。
func (c *Collector) RecordRunDropped() {
	c.runsDropped.Inc()
}

// RecordRunDuration は実行時間を記録する。
func (c *Collector) RecordRunDuration(duration time.Duration) {
	c.runDuration.Observe(duration.Seconds())
}

// RecordPublished は配信成功商品数を記録する。
func (c *Collector) RecordPublished(count int) {
	c.published.Add(float64(count))
}

// RecordPublishFailed は配信失敗商品数を記録する。
func (c *Collector) RecordPublishFailed(count int) {
	c.publishFailed.Add(float64(count))
}

// RecordSkipped はスキップ理由別の商品数を記録する。
func (c *Collector) RecordSkipped(reason string, count int) {
	c.skipped.WithLabelValues(reason).Add(float64(count))
}

// RecordFeedBatchFailure は価格フィードのバッチ取得失敗を記録する。
func (c *Collector) RecordFeedBatchFailure() {
	c.feedBatchFailure.Inc()
}

// RecordChannelFailure はチャネル別の配信失敗を記録する。
func (c *Collector) RecordChannelFailure(channel string) {
	c.channelFailure.WithLabelValues(channel).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

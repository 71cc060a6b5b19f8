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
// リモートAPIクライアントや公開オーケストレータから利用する。
type MetricsCollector interface {
	RecordRemoteRequest(statusCode int, duration time.Duration)
	RecordRateLimitRetry()
	RecordTransportRetry()
	RecordTokenRefresh()
	RecordChunkUploaded(bytes int)
	RecordJobStarted()
	RecordJobFinished(state string, duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	remoteStatus   *prometheus.CounterVec
	remoteLatency  prometheus.Histogram
	rateLimitRetry prometheus.Counter
	transportRetry prometheus.Counter
	tokenRefresh   prometheus.Counter
	chunksUploaded prometheus.Counter
	chunkBytes     prometheus.Counter
	jobsStarted    prometheus.Counter
	jobsFinished   *prometheus.CounterVec
	jobDuration    prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		remoteStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitepress_remote_requests_total",
			Help: "リモートAPIへのリクエスト数（ステータスコード別、0は通信失敗）",
		}, []string{"status_code"}),
		remoteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sitepress_remote_request_latency_seconds",
			Help:    "リモートAPIリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		rateLimitRetry: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitepress_remote_rate_limit_retries_total",
			Help: "レート制限によるリトライの合計数",
		}),
		transportRetry: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitepress_remote_transport_retries_total",
			Help: "通信失敗によるリトライの合計数",
		}),
		tokenRefresh: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitepress_oauth_token_refresh_total",
			Help: "アクセストークン更新の合計数",
		}),
		chunksUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitepress_upload_chunks_total",
			Help: "分割アップロードで送信したチャンクの合計数",
		}),
		chunkBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitepress_upload_chunk_bytes_total",
			Help: "分割アップロードで送信したバイト数の合計",
		}),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitepress_publication_jobs_started_total",
			Help: "開始された公開ジョブの合計数",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitepress_publication_jobs_finished_total",
			Help: "終了した公開ジョブの合計数（終了状態別）",
		}, []string{"state"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sitepress_publication_job_duration_seconds",
			Help:    "公開ジョブの所要時間（秒）",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}),
	}

	reg.MustRegister(
		c.remoteStatus,
		c.remoteLatency,
		c.rateLimitRetry,
		c.transportRetry,
		c.tokenRefresh,
		c.chunksUploaded,
		c.chunkBytes,
		c.jobsStarted,
		c.jobsFinished,
		c.jobDuration,
	)

	return c
}

// RecordRemoteRequest はリモートAPIリクエストの結果を記録する。
func (c *Collector) RecordRemoteRequest(statusCode int, duration time.Duration) {
	c.remoteStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
	c.remoteLatency.Observe(duration.Seconds())
}

// RecordRateLimitRetry はレート制限によるリトライを記録する。
func (c *Collector) RecordRateLimitRetry() {
	c.rateLimitRetry.Inc()
}

// RecordTransportRetry は通信失敗によるリトライを記録する。
func (c *Collector) RecordTransportRetry() {
	c.transportRetry.Inc()
}

// RecordTokenRefresh はアクセストークンの更新を記録する。
func (c *Collector) RecordTokenRefresh() {
	c.tokenRefresh.Inc()
}

// RecordChunkUploaded は送信済みチャンクを記録する。
func (c *Collector) RecordChunkUploaded(bytes int) {
	c.chunksUploaded.Inc()
	c.chunkBytes.Add(float64(bytes))
}

// RecordJobStarted は公開ジョブの開始を記録する。
func (c *Collector) RecordJobStarted() {
	c.jobsStarted.Inc()
}

// RecordJobFinished は公開ジョブの終了を記録する。
func (c *Collector) RecordJobFinished(state string, duration time.Duration) {
	c.jobsFinished.WithLabelValues(state).Inc()
	c.jobDuration.Observe(duration.Seconds())
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordRemoteRequest(int, time.Duration) {}
func (Nop) RecordRateLimitRetry() {}
func (Nop) RecordTransportRetry() {}
func (Nop) RecordTokenRefresh() {}
func (Nop) RecordChunkUploaded(int) {}
func (Nop) RecordJobStarted() {}
func (Nop) RecordJobFinished(string, time.Duration) {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ハンドシェイク結果のラベル値。
const (
	HandshakeOK           = "ok"
	HandshakeUnauthorized = "unauthorized"
	HandshakeUnavailable  = "unavailable"
	HandshakeTimeout      = "timeout"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ゲートウェイやサービス層から利用する。
type MetricsCollector interface {
	ConnectionOpened()
	ConnectionClosed()
	RecordHandshake(result string)
	RecordMessageSent()
	RecordSendLatency(duration time.Duration)
	RecordBroadcastDeliveries(count int)
	RecordBroadcastDropped()
	RecordActivityFailure()
	RecordActivityDropped()
	RecordHTTPStatus(statusCode int)
	SetStoreAvailable(available bool)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	connectionsActive   prometheus.Gauge
	handshakes          *prometheus.CounterVec
	messagesSent        prometheus.Counter
	sendLatency         prometheus.Histogram
	broadcastDeliveries prometheus.Counter
	broadcastDropped    prometheus.Counter
	activityFailures    prometheus.Counter
	activityDropped     prometheus.Counter
	httpStatus          *prometheus.CounterVec
	storeAvailable      prometheus.Gauge
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_connections_active",
			Help: "認証済みでオープン中の接続数",
		}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_handshakes_total",
			Help: "結果別のハンドシェイク数",
		}, []string{"result"}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_messages_sent_total",
			Help: "永続化に成功したメッセージの合計数",
		}),
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatrelay_send_latency_seconds",
			Help:    "メッセージ送信（永続化から配信まで）のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		broadcastDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_broadcast_deliveries_total",
			Help: "送信バッファへ投入された配信フレームの合計数",
		}),
		broadcastDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_broadcast_dropped_total",
			Help: "送信バッファ溢れで切断された購読者の合計数",
		}),
		activityFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_activity_failures_total",
			Help: "アクティビティ記録の書き込み失敗数",
		}),
		activityDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_activity_dropped_total",
			Help: "キュー溢れで破棄されたアクティビティ数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		storeAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_store_available",
			Help: "データベースが利用可能な場合に1",
		}),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.handshakes,
		c.messagesSent,
		c.sendLatency,
		c.broadcastDeliveries,
		c.broadcastDropped,
		c.activityFailures,
		c.activityDropped,
		c.httpStatus,
		c.storeAvailable,
	)

	return c
}

// ConnectionOpened はオープン中の接続数を1増やす。
func (c *Collector) ConnectionOpened() {
	c.connectionsActive.Inc()
}

// ConnectionClosed はオープン中の接続数を1減らす。
func (c *Collector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

// RecordHandshake はハンドシェイク結果を記録する。
func (c *Collector) RecordHandshake(result string) {
	c.handshakes.WithLabelValues(result).Inc()
}

// RecordMessageSent はメッセージ永続化の成功を記録する。
func (c *Collector) RecordMessageSent() {
	c.messagesSent.Inc()
}

// RecordSendLatency は送信処理のレイテンシを記録する。
func (c *Collector) RecordSendLatency(duration time.Duration) {
	c.sendLatency.Observe(duration.Seconds())
}

// RecordBroadcastDeliveries は配信フレーム数を記録する。
func (c *Collector) RecordBroadcastDeliveries(count int) {
	c.broadcastDeliveries.Add(float64(count))
}

// RecordBroadcastDropped は配信できず切断した購読者を記録する。
func (c *Collector) RecordBroadcastDropped() {
	c.broadcastDropped.Inc()
}

// RecordActivityFailure はアクティビティ書き込み失敗を記録する。
func (c *Collector) RecordActivityFailure() {
	c.activityFailures.Inc()
}

// RecordActivityDropped はアクティビティの破棄を記録する。
func (c *Collector) RecordActivityDropped() {
	c.activityDropped.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// SetStoreAvailable はデータベースの可用性を記録する。
func (c *Collector) SetStoreAvailable(available bool) {
	if available {
		c.storeAvailable.Set(1)
		return
	}
	c.storeAvailable.Set(0)
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

var _ MetricsCollector = Nop{}

func (Nop) ConnectionOpened()               {}
func (Nop) ConnectionClosed()               {}
func (Nop) RecordHandshake(string)          {}
func (Nop) RecordMessageSent()              {}
func (Nop) RecordSendLatency(time.Duration) {}
func (Nop) RecordBroadcastDeliveries(int)   {}
func (Nop) RecordBroadcastDropped()         {}
func (Nop) RecordActivityFailure()          {}
func (Nop) RecordActivityDropped()          {}
func (Nop) RecordHTTPStatus(int)            {}
func (Nop) SetStoreAvailable(bool)          {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

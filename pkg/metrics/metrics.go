// Package metrics は運用向けのPrometheusメトリクスを提供する。
//
// 公開が必須の信号はデッドレター件数とコンシューマ遅延の2つで、
// 補助としてイベントの発行・処理件数とチャネル別の配信件数を持つ。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics はタスクイベントバスの運用メトリクス一式。
type Metrics struct {
	// registry はこのインスタンス専用のレジストリ。
	registry *prometheus.Registry
	// EventsPublished はストリームへ発行されたイベントの累計数。
	EventsPublished prometheus.Counter
	// EventsProcessed は処理済みとして記録されたイベントの累計数。
	EventsProcessed prometheus.Counter
	// DuplicatesSkipped は重複排除により読み飛ばされたイベントの累計数。
	DuplicatesSkipped prometheus.Counter
	// NotificationsDelivered はチャネル別の配信成功の累計数。
	NotificationsDelivered *prometheus.CounterVec
	// NotificationsDeadLettered はデッドレターへ移された通知の累計数。
	NotificationsDeadLettered prometheus.Counter
	// ConsumerLag はコンシューマグループの未処理レコード数。
	ConsumerLag prometheus.Gauge
}

// New は専用レジストリを持つメトリクス一式を生成する。
// テストごとに独立したインスタンスを生成できるよう、グローバルの
// レジストリは使用しない。
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskhub_events_published_total",
			Help: "ストリームへ発行されたイベントの累計数。",
		}),
		EventsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskhub_events_processed_total",
			Help: "処理済みとして記録されたイベントの累計数。",
		}),
		DuplicatesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskhub_events_duplicates_skipped_total",
			Help: "重複排除により読み飛ばされたイベントの累計数。",
		}),
		NotificationsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskhub_notifications_delivered_total",
			Help: "チャネル別の配信成功の累計数。",
		}, []string{"channel"}),
		NotificationsDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskhub_notifications_dead_letter_total",
			Help: "デッドレターへ移された通知の累計数。",
		}),
		ConsumerLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskhub_consumer_lag",
			Help: "コンシューマグループの未処理レコード数。",
		}),
	}

	registry.MustRegister(
		m.EventsPublished,
		m.EventsProcessed,
		m.DuplicatesSkipped,
		m.NotificationsDelivered,
		m.NotificationsDeadLettered,
		m.ConsumerLag,
	)
	return m
}

// Handler はメトリクス公開用のHTTPハンドラを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

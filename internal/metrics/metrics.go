// Package metrics Prometheus 指标注册与埋点。
//
// 全部指标挂在独立 Registry 上, 避免污染默认注册表 (测试可并行)。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 进程内指标集合。
type Metrics struct {
	registry *prometheus.Registry

	EventsIngested   *prometheus.CounterVec // 按事件类型
	EventsDuplicate  prometheus.Counter
	EventsRejected   prometheus.Counter
	RebuildTotal     prometheus.Counter
	RebuildSeconds   prometheus.Histogram
	CyclesTotal      prometheus.Gauge
	CyclesActive     prometheus.Gauge
	StreamState      *prometheus.GaugeVec // 按状态 0/1
	StreamReconnects prometheus.Counter
	SSESubscribers   prometheus.Gauge
}

// New 创建并注册全套指标。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "console_events_ingested_total",
			Help: "Normalized events accepted into the tracker, by event type.",
		}, []string{"type"}),
		EventsDuplicate: factory.NewCounter(prometheus.CounterOpts{
			Name: "console_events_duplicate_total",
			Help: "Events dropped by ID dedupe.",
		}),
		EventsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "console_events_rejected_total",
			Help: "Messages rejected by the normalizer (malformed or unknown type).",
		}),
		RebuildTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "console_cycle_rebuilds_total",
			Help: "Full cycle reconstructions performed.",
		}),
		RebuildSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "console_cycle_rebuild_seconds",
			Help:    "Wall time of a full cycle reconstruction.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		CyclesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "console_cycles",
			Help: "Cycles in the latest snapshot.",
		}),
		CyclesActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "console_cycles_active",
			Help: "Active cycles in the latest snapshot.",
		}),
		StreamState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "console_stream_state",
			Help: "Stream connection state (exactly one series is 1).",
		}, []string{"state"}),
		StreamReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "console_stream_reconnects_total",
			Help: "Reconnect cycles entered after a dropped connection.",
		}),
		SSESubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "console_sse_subscribers",
			Help: "Currently connected SSE subscribers.",
		}),
	}
}

// SetStreamState 将流状态打成 one-hot gauge。
func (m *Metrics) SetStreamState(state string) {
	for _, s := range []string{"connecting", "connected", "reconnecting", "down", "closed"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.StreamState.WithLabelValues(s).Set(v)
	}
}

// Handler 返回 /metrics 的 HTTP 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

package broadcast

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the engine's Prometheus instruments.
type Metrics struct {
	SendsTotal             *prometheus.CounterVec
	SendRetriesTotal       prometheus.Counter
	SkippedTotal           prometheus.Counter
	CoalescedTriggersTotal prometheus.Counter
	UpdatesTotal           prometheus.Counter
	InflightWorkers        prometheus.Gauge
	SendQueueDepth         prometheus.Gauge
}

// NewMetrics registers the engine's metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SendsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "allrisbot_sends_total",
			Help: "Send outcomes by result (sent, blocked, migrated, dropped, failed).",
		}, []string{"result"}),
		SendRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "allrisbot_send_retries_total",
			Help: "Send attempts that were retried after a retriable failure.",
		}),
		SkippedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "allrisbot_skipped_total",
			Help: "Stream entries skipped because no filter matched.",
		}),
		CoalescedTriggersTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "allrisbot_coalesced_triggers_total",
			Help: "Chat triggers coalesced into an already running round.",
		}),
		UpdatesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "allrisbot_stream_updates_total",
			Help: "Update stream elements consumed.",
		}),
		InflightWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "allrisbot_inflight_chat_workers",
			Help: "Chat workers currently in flight.",
		}),
		SendQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "allrisbot_send_queue_depth",
			Help: "Jobs waiting in the send queue.",
		}),
	}
}

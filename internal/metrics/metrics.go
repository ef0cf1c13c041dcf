package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mqtt_echo_probe"

// Metrics holds the Prometheus collectors exported by the probe
type Metrics struct {
	connectionStatus prometheus.Gauge
	reconnects       prometheus.Counter
	interruptions    prometheus.Counter
	resubscribes     *prometheus.CounterVec
	messagesTotal    *prometheus.CounterVec
	publishLatency   prometheus.Histogram
	roundsTotal      prometheus.Counter
	connectDuration  prometheus.Gauge
	transferDuration prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connectionStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_status",
			Help:      "Current broker connection status (1 for connected, 0 for disconnected)",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total number of successful reconnections",
		}),
		interruptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Total number of connection interruptions",
		}),
		resubscribes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resubscribes_total",
			Help:      "Total number of resubscribe attempts by result",
		}, []string{"result"}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total number of messages by status (published, received, error)",
		}, []string{"status"}),
		publishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_ack_seconds",
			Help:      "Time from publish to broker acknowledgment",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		roundsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Total number of publish rounds started",
		}),
		connectDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connect_duration_seconds",
			Help:      "Time taken to establish the broker connection",
		}),
		transferDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transfer_duration_seconds",
			Help:      "Time from connection until all expected messages were received",
		}),
	}

	collectors := []prometheus.Collector{
		m.connectionStatus,
		m.reconnects,
		m.interruptions,
		m.resubscribes,
		m.messagesTotal,
		m.publishLatency,
		m.roundsTotal,
		m.connectDuration,
		m.transferDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) SetConnectionStatus(connected bool) {
	if connected {
		m.connectionStatus.Set(1)
	} else {
		m.connectionStatus.Set(0)
	}
}

func (m *Metrics) IncReconnects() {
	m.reconnects.Inc()
}

func (m *Metrics) IncInterruptions() {
	m.interruptions.Inc()
}

// IncResubscribes counts a resubscribe outcome: "ok", "rejected" or "error"
func (m *Metrics) IncResubscribes(result string) {
	m.resubscribes.WithLabelValues(result).Inc()
}

// IncMessagesTotal counts a message by status: "published", "received" or "error"
func (m *Metrics) IncMessagesTotal(status string) {
	m.messagesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObservePublishLatency(d time.Duration) {
	m.publishLatency.Observe(d.Seconds())
}

func (m *Metrics) IncRounds() {
	m.roundsTotal.Inc()
}

func (m *Metrics) SetConnectDuration(d time.Duration) {
	m.connectDuration.Set(d.Seconds())
}

func (m *Metrics) SetTransferDuration(d time.Duration) {
	m.transferDuration.Set(d.Seconds())
}

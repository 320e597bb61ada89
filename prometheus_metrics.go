package go_peerlink

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics is a MetricsCollector backed by Prometheus collectors.
// Every collector is labelled with the peer name so one registry can serve
// many links.
type PrometheusMetrics struct {
	Handshakes        *prometheus.CounterVec
	Promotions        prometheus.Counter
	RekeysStarted     prometheus.Counter
	ForcedDisconnects prometheus.Counter
	RekeyDuration     prometheus.Histogram
	Requeues          *prometheus.CounterVec
	UrgentSends       prometheus.Counter
	UrgentBytes       prometheus.Counter
	ErrorsTotal       *prometheus.CounterVec
	Connected         prometheus.Gauge
	Rekeying          prometheus.Gauge
	LiveEpochs        prometheus.Gauge
	BytesSent         prometheus.Counter
	BytesReceived     prometheus.Counter
}

// NewPrometheusMetrics creates the collectors for peer and registers them with reg.
// A nil reg skips registration.
func NewPrometheusMetrics(reg prometheus.Registerer, peer string) (*PrometheusMetrics, error) {
	labels := prometheus.Labels{"peer": peer}
	m := &PrometheusMetrics{
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "peerlink_handshakes_total",
			Help:        "Completed handshakes by outcome",
			ConstLabels: labels,
		}, []string{"result"}),

		Promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "peerlink_promotions_total",
			Help:        "Unverified epochs promoted to current",
			ConstLabels: labels,
		}),

		RekeysStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "peerlink_rekeys_started_total",
			Help:        "Rekey handshakes initiated by the scheduler",
			ConstLabels: labels,
		}),

		ForcedDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "peerlink_forced_disconnects_total",
			Help:        "Links torn down because a rekey missed its deadline",
			ConstLabels: labels,
		}),

		RekeyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "peerlink_rekey_duration_seconds",
			Help:        "Time from rekey start to the completing handshake",
			ConstLabels: labels,
			Buckets:     []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}),

		Requeues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "peerlink_requeues_total",
			Help:        "Resend items by requeue path",
			ConstLabels: labels,
		}, []string{"path"}),

		UrgentSends: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "peerlink_urgent_sends_total",
			Help:        "Notification-only packets sent",
			ConstLabels: labels,
		}),

		UrgentBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "peerlink_urgent_bytes_total",
			Help:        "Bytes of notification-only packets sent",
			ConstLabels: labels,
		}),

		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "peerlink_errors_total",
			Help:        "Errors by type",
			ConstLabels: labels,
		}, []string{"error_type"}),

		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "peerlink_connected",
			Help:        "Link status (1 = connected, 0 = not connected)",
			ConstLabels: labels,
		}),

		Rekeying: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "peerlink_rekeying",
			Help:        "Rekey in progress (1 = yes)",
			ConstLabels: labels,
		}),

		LiveEpochs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "peerlink_live_epochs",
			Help:        "Occupied tracker slots",
			ConstLabels: labels,
		}),

		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "peerlink_bytes_sent_total",
			Help:        "Total bytes sent",
			ConstLabels: labels,
		}),

		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "peerlink_bytes_received_total",
			Help:        "Total bytes received",
			ConstLabels: labels,
		}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.Handshakes, m.Promotions, m.RekeysStarted, m.ForcedDisconnects,
		m.RekeyDuration, m.Requeues, m.UrgentSends, m.UrgentBytes,
		m.ErrorsTotal, m.Connected, m.Rekeying, m.LiveEpochs,
		m.BytesSent, m.BytesReceived,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PrometheusMetrics) IncrementHandshake(result string) {
	m.Handshakes.WithLabelValues(result).Inc()
}

func (m *PrometheusMetrics) IncrementPromotion() { m.Promotions.Inc() }

func (m *PrometheusMetrics) IncrementRekeyStarted() { m.RekeysStarted.Inc() }

func (m *PrometheusMetrics) IncrementForcedDisconnect() { m.ForcedDisconnects.Inc() }

func (m *PrometheusMetrics) RecordRekeyDuration(duration time.Duration) {
	m.RekeyDuration.Observe(duration.Seconds())
}

func (m *PrometheusMetrics) IncrementRequeue(path string) {
	m.Requeues.WithLabelValues(path).Inc()
}

func (m *PrometheusMetrics) IncrementUrgentSend(bytes int) {
	m.UrgentSends.Inc()
	if bytes > 0 {
		m.UrgentBytes.Add(float64(bytes))
	}
}

func (m *PrometheusMetrics) IncrementError(errorType string) {
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// SetConnectionState maps the state onto the Connected and Rekeying gauges.
func (m *PrometheusMetrics) SetConnectionState(state string) {
	switch state {
	case "connected":
		m.Connected.Set(1)
		m.Rekeying.Set(0)
	case "rekeying":
		m.Connected.Set(1)
		m.Rekeying.Set(1)
	default:
		m.Connected.Set(0)
		m.Rekeying.Set(0)
	}
}

func (m *PrometheusMetrics) SetLiveEpochs(count int) { m.LiveEpochs.Set(float64(count)) }

func (m *PrometheusMetrics) AddBytesSent(bytes uint64) { m.BytesSent.Add(float64(bytes)) }

func (m *PrometheusMetrics) AddBytesReceived(bytes uint64) { m.BytesReceived.Add(float64(bytes)) }

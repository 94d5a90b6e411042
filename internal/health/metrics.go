package health

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the engine's Prometheus instruments behind one registry
// so tests can build isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	WSReconnects    prometheus.Counter
	WSMessages      *prometheus.CounterVec
	SignalsEmitted  *prometheus.CounterVec
	AlertsDelivered prometheus.Counter
	AlertsFiltered  *prometheus.CounterVec
	MarketsTracked  *prometheus.GaugeVec
	BusDepth        prometheus.Gauge
	BusDropped      prometheus.Counter
	StoreErrors     prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "polywatch_ws_reconnects_total",
			Help: "WebSocket reconnection attempts.",
		}),
		WSMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polywatch_ws_messages_total",
			Help: "WebSocket frames received, by message type.",
		}, []string{"type"}),
		SignalsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polywatch_signals_total",
			Help: "Signals emitted by the detector family, by signal type.",
		}, []string{"type"}),
		AlertsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "polywatch_alerts_delivered_total",
			Help: "Alerts delivered to the webhook sink.",
		}),
		AlertsFiltered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polywatch_alerts_prioritized_filtered_total",
			Help: "Signals filtered before delivery, by reason.",
		}, []string{"reason"}),
		MarketsTracked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "polywatch_markets_tracked",
			Help: "Markets currently tracked, by tier.",
		}, []string{"tier"}),
		BusDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "polywatch_signal_bus_depth",
			Help: "Signals waiting on the bus.",
		}),
		BusDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "polywatch_signal_bus_dropped_total",
			Help: "Low-priority signals evicted from a full bus.",
		}),
		StoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "polywatch_store_errors_total",
			Help: "Persistence operations that failed.",
		}),
	}
	reg.MustRegister(
		m.WSReconnects, m.WSMessages, m.SignalsEmitted,
		m.AlertsDelivered, m.AlertsFiltered, m.MarketsTracked,
		m.BusDepth, m.BusDropped, m.StoreErrors,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

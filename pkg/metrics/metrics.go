package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sensorhub"

// Drop reasons used as the "reason" label of MessagesDropped.
const (
	ReasonMalformed  = "malformed"
	ReasonOutOfRange = "out_of_range"
	ReasonStorage    = "storage"
	ReasonShutdown   = "shutdown"
)

// Metrics holds the service's collectors on a private registry, so tests
// can build as many as they like without colliding on the default one.
type Metrics struct {
	Registry *prometheus.Registry

	MessagesReceived  *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	ReadingsStored    prometheus.Counter
	SubscribeFailures *prometheus.CounterVec
	BrokerConnected   prometheus.Gauge
	QueryDuration     *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "MQTT messages delivered by the broker, by topic.",
		}, []string{"topic"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages that did not become a stored reading, by reason.",
		}, []string{"reason"}),
		ReadingsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_stored_total",
			Help:      "Readings committed to storage.",
		}),
		SubscribeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribe_failures_total",
			Help:      "Topic subscriptions the broker refused, by topic.",
		}, []string{"topic"}),
		BrokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_connected",
			Help:      "1 while the MQTT connection is up.",
		}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Time spent answering recent-readings queries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}

	m.Registry.MustRegister(
		m.MessagesReceived,
		m.MessagesDropped,
		m.ReadingsStored,
		m.SubscribeFailures,
		m.BrokerConnected,
		m.QueryDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

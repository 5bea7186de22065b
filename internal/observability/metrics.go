package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "roadwatch"

// Registry holds every collector exported by the hub and store processes.
var Registry = prometheus.NewRegistry()

var (
	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_length",
		Help:      "Records waiting in the durable queue.",
	}, []string{"backend"})

	RecordsAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_accepted_total",
		Help:      "Records accepted into the durable queue, by ingress source.",
	}, []string{"source"})

	RecordsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_rejected_total",
		Help:      "Payloads rejected at ingress, by source.",
	}, []string{"source"})

	BatchesFlushed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batches_flushed_total",
		Help:      "Batches handed to the store, by result.",
	}, []string{"result"})

	RecordsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_dropped_total",
		Help:      "Records lost because their batch could not be persisted.",
	})

	FlushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "flush_duration_seconds",
		Help:      "Time spent persisting one batch.",
		Buckets:   prometheus.DefBuckets,
	})

	RecordsStored = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_stored_total",
		Help:      "Records written by the store.",
	})

	LiveSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "live_subscribers",
		Help:      "Open live subscription channels.",
	})

	EventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "live_events_total",
		Help:      "Live events pushed to subscribers, by result.",
	}, []string{"result"})

	BrokerConnectionState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "mqtt_subscriber_state",
		Help:      "1 for the current state of the MQTT subscriber.",
	}, []string{"state"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		QueueLength,
		RecordsAccepted,
		RecordsRejected,
		BatchesFlushed,
		RecordsDropped,
		FlushDuration,
		RecordsStored,
		LiveSubscribers,
		EventsDelivered,
		BrokerConnectionState,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

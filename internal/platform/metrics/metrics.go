// Package metrics holds the Prometheus collectors for ingestion and linking.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful collection cycles.
	OutcomeSuccess = "success"
	// OutcomeError labels failed collection cycles (fetch or store issues).
	OutcomeError = "error"
)

var (
	collectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "casefile",
			Name:      "collections_total",
			Help:      "Total number of collection cycles, partitioned by source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	eventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "casefile",
			Name:      "events_ingested_total",
			Help:      "Events persisted per source, partitioned by duplicate status.",
		},
		[]string{"source", "status"},
	)

	collectionSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "casefile",
			Name:      "collection_seconds",
			Help:      "Collection cycle latency in seconds per source.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"source"},
	)

	circuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "casefile",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per source: 0 closed, 1 half-open, 2 open.",
		},
		[]string{"source"},
	)

	dlqSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "casefile",
			Name:      "dlq_events",
			Help:      "Events currently parked in the dead letter queue.",
		},
	)

	linksCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "casefile",
			Name:      "links_created_total",
			Help:      "Event to investigation links created, partitioned by origin.",
		},
		[]string{"origin"},
	)
)

// Register attaches collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		collectionsTotal,
		eventsIngestedTotal,
		collectionSeconds,
		circuitState,
		dlqSize,
		linksCreatedTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveCollection records one collection cycle for a source.
func ObserveCollection(source string, duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	collectionsTotal.WithLabelValues(source, label).Inc()
	if duration < 0 {
		duration = 0
	}
	collectionSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// CountIngested records persisted events for a source. status is "new" or "duplicate".
func CountIngested(source, status string, n int) {
	if n <= 0 {
		return
	}
	eventsIngestedTotal.WithLabelValues(source, status).Add(float64(n))
}

// SetCircuitState publishes the breaker state for a source.
func SetCircuitState(source string, state float64) {
	circuitState.WithLabelValues(source).Set(state)
}

// SetDLQSize publishes the current dead letter queue depth.
func SetDLQSize(n int) { dlqSize.Set(float64(n)) }

// CountLink records a created link. origin is "auto" or "manual".
func CountLink(origin string) { linksCreatedTotal.WithLabelValues(origin).Inc() }

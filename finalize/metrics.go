package finalize

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	finalizePrometheusMetrics sync.Once

	finalizersRunTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gcheap",
			Subsystem: "finalize",
			Name:      "finalizers_run_total",
			Help:      "Number of finalization entries processed, by outcome.",
		},
		[]string{"outcome"})
	finalizationQueueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gcheap",
			Subsystem: "finalize",
			Name:      "queue_length",
			Help:      "Number of finalization entries queued or running.",
		})
	unhandledFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gcheap",
			Subsystem: "finalize",
			Name:      "unhandled_failures_total",
			Help:      "Number of finalizers that returned an error or panicked.",
		})
)

func registerMetrics() {
	finalizePrometheusMetrics.Do(func() {
		prometheus.MustRegister(finalizersRunTotal)
		prometheus.MustRegister(finalizationQueueLength)
		prometheus.MustRegister(unhandledFailuresTotal)
	})
}

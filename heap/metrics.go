package heap

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	heapPrometheusMetrics sync.Once

	collectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gcheap",
			Subsystem: "heap",
			Name:      "collections_total",
			Help:      "Number of collections run.",
		})
	objectsFreedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gcheap",
			Subsystem: "heap",
			Name:      "objects_freed_total",
			Help:      "Number of objects freed by collections.",
		})
	bytesFreedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gcheap",
			Subsystem: "heap",
			Name:      "bytes_freed_total",
			Help:      "Number of bytes freed by collections.",
		})
	collectionDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "gcheap",
			Subsystem: "heap",
			Name:      "collection_duration_seconds",
			Help:      "Amount of time the world was stopped per collection, in seconds.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		})
)

func registerMetrics() {
	heapPrometheusMetrics.Do(func() {
		prometheus.MustRegister(collectionsTotal)
		prometheus.MustRegister(objectsFreedTotal)
		prometheus.MustRegister(bytesFreedTotal)
		prometheus.MustRegister(collectionDurationSeconds)
	})
}

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	OpsLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trapline",
			Subsystem: "ops",
			Name:      "latency_seconds",
			Help:      "Latency of ops endpoints",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	OpsErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trapline",
			Subsystem: "ops",
			Name:      "errors_total",
			Help:      "Errors by ops endpoint",
		},
		[]string{"endpoint"},
	)
)

func Register() {
	once.Do(func() {
		prometheus.MustRegister(OpsLatency, OpsErrors)
	})
}

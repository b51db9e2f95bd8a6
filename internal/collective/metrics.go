package collective

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	allReduceTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fletcher_allreduce_total",
		Help: "Total number of all-reduce calls by op and outcome",
	}, []string{"op", "status"})

	allReduceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fletcher_allreduce_duration_seconds",
		Help:    "Wall time of all-reduce calls once they reach the head of the stream",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
	})

	allReduceBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fletcher_allreduce_bytes_total",
		Help: "Bytes reduced by completed all-reduce calls, per rank",
	}, []string{"dtype"})

	chunksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fletcher_collective_chunks_received_total",
		Help: "Total number of ring chunks delivered by peers",
	})

	registrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fletcher_collective_registrations_total",
		Help: "Registrations handled by the bootstrap root",
	}, []string{"status"})
)

package group

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	broadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fletcher_group_broadcasts_total",
		Help: "Total number of completed group broadcasts",
	}, []string{"role"})

	broadcastDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fletcher_group_broadcast_duration_seconds",
		Help:    "Time spent inside group broadcasts, including waiting for the root",
		Buckets: prometheus.DefBuckets,
	})
)

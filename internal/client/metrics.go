package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	bytesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fletcher_peer_bytes_sent_total",
		Help: "Total number of payload bytes sent to peers",
	}, []string{"method"})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fletcher_peer_requests_total",
		Help: "Total number of completed peer requests",
	}, []string{"method"})
)

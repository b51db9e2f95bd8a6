package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	allocatedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fletcher_device_allocated_bytes",
		Help: "Current number of bytes allocated on the device",
	}, []string{"device"})

	allocFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fletcher_device_alloc_failures_total",
		Help: "Total number of device allocations that failed",
	}, []string{"device"})

	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fletcher_device_pool_hits_total",
		Help: "Total number of allocations served from the buffer pool",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fletcher_device_pool_misses_total",
		Help: "Total number of buffer pool misses (allocations)",
	})

	streamOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fletcher_stream_ops_total",
		Help: "Total number of stream operations executed",
	}, []string{"op"})

	streamOpFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fletcher_stream_op_failures_total",
		Help: "Total number of stream operations that returned an error",
	}, []string{"op"})
)

package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fletcher_host_pool_hits_total",
		Help: "Total number of host allocations served from the buffer pool",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fletcher_host_pool_misses_total",
		Help: "Total number of host allocations that missed the buffer pool",
	})

	poolSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fletcher_host_pool_size_bytes",
		Help: "Approximate bytes of host buffers returned to the pool",
	})

	transfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fletcher_device_transfers_total",
		Help: "Total number of tensor synchronizations that moved data",
	}, []string{"from", "to"})

	transferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fletcher_device_transfer_bytes_total",
		Help: "Total bytes moved by tensor synchronizations",
	}, []string{"from", "to"})
)

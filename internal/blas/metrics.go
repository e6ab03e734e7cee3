package blas

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	registryConstructions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fletcher_blas_registry_constructions_total",
		Help: "Total number of BLAS operation instances constructed by registries",
	}, []string{"framework", "op"})

	registryHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fletcher_blas_registry_hits_total",
		Help: "Total number of BLAS operation lookups served from a registry cache",
	}, []string{"framework", "op"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fletcher_blas_operation_duration_seconds",
		Help:    "Duration of BLAS calls including operand synchronization for the managed form",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 12),
	}, []string{"framework", "op", "form"})

	operationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fletcher_blas_operation_errors_total",
		Help: "Total number of failed BLAS calls by error kind",
	}, []string{"framework", "op", "kind"})
)

package blas

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/fletcher-blas/internal/device"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Histogram != nil {
		return float64(metric.Histogram.GetSampleCount())
	}
	return 0
}

// tensor returns a tensor holding data, written on dev.
func tensor(t *testing.T, dev device.Device, dtype device.DType, shape []int, data ...float64) *device.SharedTensor {
	t.Helper()
	x, err := device.FromFloat64(dev, dtype, shape, data)
	require.NoError(t, err)
	return x
}

func vector(t *testing.T, dev device.Device, dtype device.DType, data ...float64) *device.SharedTensor {
	t.Helper()
	return tensor(t, dev, dtype, []int{len(data)}, data...)
}

func scalar(t *testing.T, dev device.Device, dtype device.DType, v float64) *device.SharedTensor {
	t.Helper()
	return tensor(t, dev, dtype, nil, v)
}

func values(t *testing.T, x *device.SharedTensor) []float64 {
	t.Helper()
	data, err := x.Float64s()
	require.NoError(t, err)
	return data
}

func transfers(ts ...*device.SharedTensor) int {
	n := 0
	for _, x := range ts {
		n += x.Transfers()
	}
	return n
}

var dtypes = []device.DType{device.Float32, device.Float64}

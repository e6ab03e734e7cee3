package device

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Gauge != nil {
		return *metric.Gauge.Value
	}
	return 0
}

func TestNativeDevice_PoolMetrics(t *testing.T) {
	dev := NewNativeDevice(1 << 20)

	// Metrics are global, so track deltas
	startHits := getMetricValue(poolHits)
	startMisses := getMetricValue(poolMisses)

	m1, err := dev.Alloc(Float32, 100*100)
	require.NoError(t, err)
	assert.Equal(t, 1.0, getMetricValue(poolMisses)-startMisses)

	dev.Free(m1)
	assert.Equal(t, int64(100*100*4), dev.PooledBytes())

	m2, err := dev.Alloc(Float32, 100*100)
	require.NoError(t, err)
	assert.Equal(t, 1.0, getMetricValue(poolHits)-startHits)
	assert.Zero(t, dev.PooledBytes())
	assert.Same(t, m1, m2)
}

func TestNativeDevice_Pooling(t *testing.T) {
	dev := NewNativeDevice(1 << 20)

	t.Run("ReuseIsZeroed", func(t *testing.T) {
		m, err := dev.Alloc(Float64, 4)
		require.NoError(t, err)
		hm := m.(*HostMemory)
		for i := range 4 {
			hm.Set(i, float64(i+1))
		}
		dev.Free(m)

		m2, err := dev.Alloc(Float64, 3)
		require.NoError(t, err)
		assert.Same(t, hm, m2)
		assert.Equal(t, []float64{0, 0, 0}, m2.(*HostMemory).Float64s())
	})

	t.Run("DTypesDoNotMix", func(t *testing.T) {
		m, err := dev.Alloc(Float32, 8)
		require.NoError(t, err)
		dev.Free(m)

		m2, err := dev.Alloc(Float64, 8)
		require.NoError(t, err)
		assert.NotSame(t, m, m2)
		assert.Equal(t, Float64, m2.DType())
		dev.Free(m2)
	})

	t.Run("TooSmallNotReused", func(t *testing.T) {
		small, err := dev.Alloc(Float32, 2)
		require.NoError(t, err)
		dev.Free(small)

		big, err := dev.Alloc(Float32, 64)
		require.NoError(t, err)
		assert.NotSame(t, small, big)
		assert.Equal(t, 64, big.Len())
	})
}

func TestNativeDevice_PoolLimit(t *testing.T) {
	dev := NewNativeDevice(64)

	a, err := dev.Alloc(Float64, 8) // 64 bytes
	require.NoError(t, err)
	b, err := dev.Alloc(Float64, 8)
	require.NoError(t, err)

	dev.Free(a)
	dev.Free(b) // over the limit, dropped
	assert.Equal(t, int64(64), dev.PooledBytes())

	dev.SetPoolLimit(0)
	assert.Zero(t, dev.PooledBytes())

	disabled := NewNativeDevice(0)
	m, err := disabled.Alloc(Float32, 4)
	require.NoError(t, err)
	disabled.Free(m)
	assert.Zero(t, disabled.PooledBytes())
}

func TestNativeDevice_Transfers(t *testing.T) {
	dev := NewNativeDevice(0)
	mock := NewMockDevice(0)

	src := NewHostMemory(Float32, 3)
	src.Set(0, 1)
	src.Set(1, 2)
	src.Set(2, 3)

	dst, err := dev.Alloc(Float32, 3)
	require.NoError(t, err)
	require.NoError(t, dev.Upload(dst, src))
	assert.Equal(t, []float32{1, 2, 3}, dst.(*HostMemory).Float32s())

	foreign, err := mock.Alloc(Float32, 3)
	require.NoError(t, err)
	assert.ErrorIs(t, dev.Upload(foreign, src), ErrForeignMemory)
	assert.ErrorIs(t, dev.Download(src, foreign), ErrForeignMemory)

	short := NewHostMemory(Float32, 2)
	assert.ErrorIs(t, dev.Download(short, dst), ErrTransfer)
}

func TestOpen(t *testing.T) {
	for _, name := range []string{"cpu", "native", "host"} {
		dev, err := Open(name, 0)
		require.NoError(t, err)
		assert.Equal(t, Native, dev.Framework())
		assert.Equal(t, HostLocation, dev.Location())
	}

	dev, err := Open("mock", 3)
	require.NoError(t, err)
	assert.Equal(t, Location{Framework: Mock, Ordinal: 3}, dev.Location())

	_, err = Open("metal", 0)
	assert.ErrorIs(t, err, ErrUnsupportedDevice)
}

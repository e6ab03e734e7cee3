package device

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedTensor_Shape(t *testing.T) {
	scalar := NewSharedTensor(Float32)
	assert.Equal(t, 0, scalar.Rank())
	assert.Equal(t, 1, scalar.Len())
	r, c := scalar.Dims()
	assert.Equal(t, [2]int{1, 1}, [2]int{r, c})

	vec := NewSharedTensor(Float32, 5)
	r, c = vec.Dims()
	assert.Equal(t, [2]int{1, 5}, [2]int{r, c})

	mat := NewSharedTensor(Float64, 2, 3)
	assert.Equal(t, 6, mat.Len())
	assert.Equal(t, []int{2, 3}, mat.Shape())
	r, c = mat.Dims()
	assert.Equal(t, [2]int{2, 3}, [2]int{r, c})
}

func TestSharedTensor_StateMachine(t *testing.T) {
	host := NewNativeDevice(0)
	gpu := NewMockDevice(0)

	t.Run("Uninitialized", func(t *testing.T) {
		x := NewSharedTensor(Float32, 3)
		_, ok := x.CurrentLocation()
		assert.False(t, ok)
		assert.False(t, x.IsSyncedAt(HostLocation))

		_, err := x.Memory(HostLocation)
		assert.ErrorIs(t, err, ErrNotSynced)
		_, err = x.MutableMemory(HostLocation)
		assert.ErrorIs(t, err, ErrNotAllocated)
	})

	t.Run("SyncAllocatesWithoutTransfer", func(t *testing.T) {
		x := NewSharedTensor(Float32, 3)
		require.NoError(t, x.SyncTo(gpu))
		assert.True(t, x.IsSyncedAt(gpu.Location()))
		assert.Zero(t, x.Transfers())

		data, err := x.Float64s()
		require.NoError(t, err)
		assert.Equal(t, []float64{0, 0, 0}, data)
	})

	t.Run("SyncedThenStale", func(t *testing.T) {
		x, err := FromFloat64(host, Float32, []int{3}, []float64{1, 2, 3})
		require.NoError(t, err)
		loc, ok := x.CurrentLocation()
		require.True(t, ok)
		assert.Equal(t, HostLocation, loc)

		uploads := gpu.Uploads()
		require.NoError(t, x.SyncTo(gpu))
		assert.Equal(t, 1, x.Transfers())
		assert.Equal(t, uploads+1, gpu.Uploads())
		assert.True(t, x.IsSyncedAt(HostLocation))
		assert.True(t, x.IsSyncedAt(gpu.Location()))

		// Already synced: no transfer
		require.NoError(t, x.SyncTo(gpu))
		assert.Equal(t, 1, x.Transfers())

		m, err := x.MutableMemory(gpu.Location())
		require.NoError(t, err)
		m.(*HostMemory).Set(0, 10)
		assert.False(t, x.IsSyncedAt(HostLocation))
		loc, _ = x.CurrentLocation()
		assert.Equal(t, gpu.Location(), loc)

		_, err = x.Memory(HostLocation)
		assert.ErrorIs(t, err, ErrNotSynced)

		data, err := x.Float64s()
		require.NoError(t, err)
		assert.Equal(t, []float64{10, 2, 3}, data)
		assert.Equal(t, 2, x.Transfers())
	})

	t.Run("DeviceToDeviceStagesThroughHost", func(t *testing.T) {
		other := NewMockDevice(1)
		x, err := FromFloat64(gpu, Float64, []int{2}, []float64{7, 8})
		require.NoError(t, err)

		require.NoError(t, x.SyncTo(other))
		assert.Equal(t, 1, x.Transfers())
		assert.False(t, x.IsSyncedAt(HostLocation))

		m, err := x.Memory(other.Location())
		require.NoError(t, err)
		assert.Equal(t, []float64{7, 8}, m.(*HostMemory).Float64s())
	})
}

func TestSharedTensor_SyncFailureLeavesStateUnchanged(t *testing.T) {
	host := NewNativeDevice(0)
	gpu := NewMockDevice(0)
	boom := errors.New("boom")

	x, err := FromFloat64(host, Float32, []int{2}, []float64{1, 2})
	require.NoError(t, err)

	gpu.FailUpload(boom)
	err = x.SyncTo(gpu)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransfer)
	assert.ErrorIs(t, err, boom)
	assert.False(t, x.IsSyncedAt(gpu.Location()))
	assert.Zero(t, x.Transfers())
	assert.Zero(t, gpu.Live())

	gpu.FailUpload(nil)
	gpu.FailAlloc(boom)
	err = x.SyncTo(gpu)
	assert.ErrorIs(t, err, ErrAllocation)
	gpu.FailAlloc(nil)

	require.NoError(t, x.SyncTo(gpu))
	assert.Equal(t, 1, gpu.Live())
}

func TestSharedTensor_Rollback(t *testing.T) {
	host := NewNativeDevice(0)
	gpu := NewMockDevice(0)

	t.Run("FreesNewCopies", func(t *testing.T) {
		x, err := FromFloat64(host, Float32, []int{2}, []float64{1, 2})
		require.NoError(t, err)

		cp := x.Checkpoint()
		require.NoError(t, x.SyncTo(gpu))
		require.Equal(t, 1, gpu.Live())

		assert.True(t, x.Rollback(cp))
		assert.False(t, x.IsSyncedAt(gpu.Location()))
		assert.True(t, x.IsSyncedAt(HostLocation))
		assert.Zero(t, gpu.Live())
	})

	t.Run("RestoresUninitialized", func(t *testing.T) {
		x := NewSharedTensor(Float32, 2)
		cp := x.Checkpoint()
		require.NoError(t, x.SyncTo(gpu))

		assert.True(t, x.Rollback(cp))
		_, ok := x.CurrentLocation()
		assert.False(t, ok)
	})

	t.Run("RefusedAfterWrite", func(t *testing.T) {
		x, err := FromFloat64(host, Float32, []int{2}, []float64{1, 2})
		require.NoError(t, err)

		cp := x.Checkpoint()
		require.NoError(t, x.SyncTo(gpu))
		_, err = x.MutableMemory(gpu.Location())
		require.NoError(t, err)

		assert.False(t, x.Rollback(cp))
		assert.True(t, x.IsSyncedAt(gpu.Location()))
		x.Release()
	})
}

func TestSharedTensor_Write(t *testing.T) {
	gpu := NewMockDevice(0)

	x := NewSharedTensor(Float64, 2, 2)
	assert.Error(t, x.Write(gpu, []float64{1, 2, 3}))

	require.NoError(t, x.Write(gpu, []float64{1, 2, 3, 4}))
	assert.True(t, x.IsSyncedAt(gpu.Location()))

	data, err := x.Float64s()
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4}, data)

	x.Release()
	_, ok := x.CurrentLocation()
	assert.False(t, ok)
	assert.Zero(t, gpu.Live())
}

func TestSharedTensor_InvalidShape(t *testing.T) {
	host := Host()

	t.Run("Overflow", func(t *testing.T) {
		_, err := FromFloat64(host, Float64, []int{math.MaxInt/2 + 1, 2}, nil)
		assert.ErrorIs(t, err, ErrInvalidShape)

		_, err = FromFloat64(host, Float32, []int{math.MaxInt / 2, 3}, []float64{1})
		assert.ErrorIs(t, err, ErrInvalidShape)
	})

	t.Run("Negative", func(t *testing.T) {
		_, err := FromFloat64(host, Float32, []int{-2, -3}, make([]float64, 6))
		assert.ErrorIs(t, err, ErrInvalidShape)
	})

	t.Run("SyncRefused", func(t *testing.T) {
		gpu := NewMockDevice(0)
		huge := NewSharedTensor(Float64, math.MaxInt/2, 3)
		assert.ErrorIs(t, huge.SyncTo(gpu), ErrInvalidShape)
		assert.ErrorIs(t, huge.Write(gpu, nil), ErrInvalidShape)
		assert.Zero(t, gpu.Live())
		_, ok := huge.CurrentLocation()
		assert.False(t, ok)
	})

	t.Run("ZeroDimension", func(t *testing.T) {
		require.NoError(t, ValidateShape(0, math.MaxInt))
		require.NoError(t, ValidateShape())
		empty, err := FromFloat64(host, Float32, []int{0, 4}, nil)
		require.NoError(t, err)
		assert.Zero(t, empty.Len())
	})
}

package device

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/rs/zerolog/log"
)

// ensure interface compliance
var _ Device = (*NativeDevice)(nil)

// DefaultHostPoolBytes bounds the free list of the process-wide host device.
const DefaultHostPoolBytes = 256 << 20

// NativeDevice is the host CPU. Its memory is HostMemory. Freed buffers are
// kept on a free list bucketed by dtype and capacity and handed out again
// zeroed; the list never holds more than its byte limit.
type NativeDevice struct {
	mu      sync.Mutex
	limit   int64
	pooled  int64
	buckets map[poolKey][]*HostMemory
}

type poolKey struct {
	dtype  DType
	bucket int
}

// getBucket rounds n up to a power of two: 1 -> 0, 2 -> 1, 3-4 -> 2, 5-8 -> 3.
func getBucket(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

var (
	hostOnce sync.Once
	host     *NativeDevice
)

// Host returns the process-wide native device.
func Host() *NativeDevice {
	hostOnce.Do(func() {
		host = NewNativeDevice(DefaultHostPoolBytes)
		log.Debug().Int64("pool_limit", DefaultHostPoolBytes).Msg("Native host device initialized")
	})
	return host
}

// NewNativeDevice returns a native device whose free list holds at most
// limit bytes. A limit of zero disables pooling.
func NewNativeDevice(limit int64) *NativeDevice {
	return &NativeDevice{limit: limit, buckets: make(map[poolKey][]*HostMemory)}
}

// SetPoolLimit changes the free list bound, evicting buffers above it.
func (d *NativeDevice) SetPoolLimit(limit int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.limit = limit
	for key, list := range d.buckets {
		for len(list) > 0 && d.pooled > d.limit {
			last := list[len(list)-1]
			list = list[:len(list)-1]
			d.pooled -= last.capBytes()
			poolSizeBytes.Sub(float64(last.capBytes()))
		}
		d.buckets[key] = list
	}
}

// PooledBytes returns the bytes currently held on the free list.
func (d *NativeDevice) PooledBytes() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pooled
}

func (d *NativeDevice) Name() string         { return "CPU" }
func (d *NativeDevice) Framework() Framework { return Native }
func (d *NativeDevice) Location() Location   { return HostLocation }

func (d *NativeDevice) Alloc(dtype DType, n int) (Memory, error) {
	if n < 0 || dtype.Size() == 0 {
		return nil, fmt.Errorf("%w: %d elements of %s", ErrAllocation, n, dtype)
	}
	if m := d.take(dtype, n); m != nil {
		m.resize(n)
		return m, nil
	}
	return NewHostMemory(dtype, n), nil
}

// take removes the smallest pooled buffer that fits n elements.
func (d *NativeDevice) take(dtype DType, n int) *HostMemory {
	d.mu.Lock()
	defer d.mu.Unlock()

	bucket := getBucket(n)
	for i := bucket; i <= bucket+2; i++ {
		key := poolKey{dtype: dtype, bucket: i}
		list := d.buckets[key]
		bestIdx := -1
		for idx, m := range list {
			if m.capacity() >= n && (bestIdx == -1 || m.capacity() < list[bestIdx].capacity()) {
				bestIdx = idx
			}
		}
		if bestIdx == -1 {
			continue
		}
		m := list[bestIdx]
		d.buckets[key] = append(list[:bestIdx], list[bestIdx+1:]...)
		d.pooled -= m.capBytes()
		poolHits.Inc()
		poolSizeBytes.Sub(float64(m.capBytes()))
		return m
	}
	poolMisses.Inc()
	return nil
}

func (d *NativeDevice) Free(m Memory) {
	hm, ok := m.(*HostMemory)
	if !ok || hm.loc != HostLocation {
		return // Don't pool foreign memory
	}
	size := hm.capBytes()

	d.mu.Lock()
	defer d.mu.Unlock()
	if size == 0 || d.pooled+size > d.limit {
		return
	}
	key := poolKey{dtype: hm.dtype, bucket: getBucket(hm.capacity())}
	d.buckets[key] = append(d.buckets[key], hm)
	d.pooled += size
	poolSizeBytes.Add(float64(size))
}

func (d *NativeDevice) Upload(dst Memory, src *HostMemory) error {
	hm, ok := dst.(*HostMemory)
	if !ok || hm.loc != HostLocation {
		return fmt.Errorf("%w: %s", ErrForeignMemory, dst.Location())
	}
	return hm.CopyFrom(src)
}

func (d *NativeDevice) Download(dst *HostMemory, src Memory) error {
	hm, ok := src.(*HostMemory)
	if !ok || hm.loc != HostLocation {
		return fmt.Errorf("%w: %s", ErrForeignMemory, src.Location())
	}
	return dst.CopyFrom(hm)
}

func (d *NativeDevice) Synchronize() error {
	// CPU is always synchronous
	return nil
}

package device

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// copyState is one tensor copy at one location.
type copyState struct {
	dev    Device
	mem    Memory
	synced bool
}

// SharedTensor is a tensor that can hold copies at several memory locations.
//
// Each copy is either synchronized (holds the latest contents) or stale.
// A tensor with no synchronized copy is uninitialized. Writing at one location
// marks every other copy stale; SyncTo brings a location up to date by copying
// from a synchronized one.
//
// A SharedTensor is safe for concurrent use, but callers passing it to an
// operation must not mutate it from elsewhere until the operation returns.
type SharedTensor struct {
	mu     sync.Mutex
	shape  []int
	dtype  DType
	copies map[Location]*copyState
	latest Location
	// written is false while the tensor is uninitialized.
	written    bool
	generation uint64
	transfers  int
}

// NewSharedTensor returns an uninitialized tensor. An empty shape is a scalar.
// The shape is not checked here; Validate, SyncTo and Write reject shapes that
// ValidateShape does not accept.
func NewSharedTensor(dtype DType, shape ...int) *SharedTensor {
	s := make([]int, len(shape))
	copy(s, shape)
	return &SharedTensor{
		shape:  s,
		dtype:  dtype,
		copies: make(map[Location]*copyState),
	}
}

// FromFloat64 returns a tensor initialized with data on dev.
func FromFloat64(dev Device, dtype DType, shape []int, data []float64) (*SharedTensor, error) {
	if err := ValidateShape(shape...); err != nil {
		return nil, err
	}
	t := NewSharedTensor(dtype, shape...)
	if err := t.Write(dev, data); err != nil {
		return nil, err
	}
	return t, nil
}

// Shape returns a copy of the tensor's dimensions.
func (t *SharedTensor) Shape() []int {
	s := make([]int, len(t.shape))
	copy(s, t.shape)
	return s
}

// Rank returns the number of dimensions (0 for scalars).
func (t *SharedTensor) Rank() int { return len(t.shape) }

// Dims returns rows and columns of a rank-2 tensor. Vectors report one row.
func (t *SharedTensor) Dims() (int, int) {
	switch len(t.shape) {
	case 0:
		return 1, 1
	case 1:
		return 1, t.shape[0]
	}
	cols := 1
	for _, d := range t.shape[1:] {
		cols *= d
	}
	return t.shape[0], cols
}

func (t *SharedTensor) DType() DType { return t.dtype }

// Validate checks the tensor's shape with ValidateShape.
func (t *SharedTensor) Validate() error { return ValidateShape(t.shape...) }

// Len returns the number of elements.
func (t *SharedTensor) Len() int {
	n := 1
	for _, d := range t.shape {
		n *= d
	}
	return n
}

// CurrentLocation returns the location written last. It reports false for an
// uninitialized tensor.
func (t *SharedTensor) CurrentLocation() (Location, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest, t.written
}

// IsSyncedAt reports whether the copy at loc holds the latest contents.
func (t *SharedTensor) IsSyncedAt(loc Location) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.copies[loc]
	return ok && c.synced
}

// Transfers returns how many synchronizations moved data for this tensor.
func (t *SharedTensor) Transfers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transfers
}

// SyncTo makes the copy on dev hold the latest contents, allocating it when
// missing. An uninitialized tensor only gets a zeroed allocation.
//
// On failure the tensor is left exactly as it was.
func (t *SharedTensor) SyncTo(dev Device) error {
	if err := t.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	loc := dev.Location()
	c, ok := t.copies[loc]
	if ok && c.synced {
		return nil
	}

	fresh := !ok
	if fresh {
		mem, err := dev.Alloc(t.dtype, t.Len())
		if err != nil {
			return fmt.Errorf("sync to %s: %w", loc, err)
		}
		c = &copyState{dev: dev, mem: mem}
	}

	if !t.written {
		c.synced = true
		t.copies[loc] = c
		t.latest = loc
		t.written = true
		return nil
	}

	src := t.source(loc)
	if err := t.transfer(c, src); err != nil {
		if fresh {
			dev.Free(c.mem)
		}
		return fmt.Errorf("sync %s -> %s: %w", src.mem.Location(), loc, err)
	}

	c.synced = true
	t.copies[loc] = c
	t.transfers++

	from, to := src.mem.Location().Framework.String(), loc.Framework.String()
	transfersTotal.WithLabelValues(from, to).Inc()
	transferBytes.WithLabelValues(from, to).Add(float64(t.Len() * t.dtype.Size()))
	log.Debug().
		Str("from", src.mem.Location().String()).
		Str("to", loc.String()).
		Ints("shape", t.shape).
		Msg("Synchronized tensor")
	return nil
}

// source picks the synchronized copy to read from when syncing to dst,
// preferring host memory so device-to-device moves stage at most once.
func (t *SharedTensor) source(dst Location) *copyState {
	if dst != HostLocation {
		if c, ok := t.copies[HostLocation]; ok && c.synced {
			return c
		}
	}
	return t.copies[t.latest]
}

func (t *SharedTensor) transfer(dst, src *copyState) error {
	dstLoc, srcLoc := dst.mem.Location(), src.mem.Location()
	switch {
	case srcLoc == HostLocation:
		hm, ok := src.mem.(*HostMemory)
		if !ok {
			return ErrForeignMemory
		}
		return dst.dev.Upload(dst.mem, hm)
	case dstLoc == HostLocation:
		hm, ok := dst.mem.(*HostMemory)
		if !ok {
			return ErrForeignMemory
		}
		return src.dev.Download(hm, src.mem)
	}

	stage := NewHostMemory(t.dtype, t.Len())
	if err := src.dev.Download(stage, src.mem); err != nil {
		return err
	}
	return dst.dev.Upload(dst.mem, stage)
}

// Memory returns the copy at loc for reading. It fails with ErrNotSynced when
// that copy is missing or stale.
func (t *SharedTensor) Memory(loc Location) (Memory, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.copies[loc]
	if !ok || !c.synced {
		return nil, fmt.Errorf("%w: %s", ErrNotSynced, loc)
	}
	return c.mem, nil
}

// MutableMemory returns the copy at loc for writing and marks every other copy
// stale. The copy must already be allocated, for example by SyncTo.
func (t *SharedTensor) MutableMemory(loc Location) (Memory, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.copies[loc]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotAllocated, loc)
	}
	t.markWritten(loc, c)
	return c.mem, nil
}

func (t *SharedTensor) markWritten(loc Location, c *copyState) {
	for l, other := range t.copies {
		if l != loc {
			other.synced = false
		}
	}
	c.synced = true
	t.latest = loc
	t.written = true
	t.generation++
}

// Write replaces the tensor contents with data, written on dev.
func (t *SharedTensor) Write(dev Device, data []float64) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if len(data) != t.Len() {
		return fmt.Errorf("device: write of %d values into tensor of %d elements", len(data), t.Len())
	}
	stage := NewHostMemory(t.dtype, len(data))
	for i, v := range data {
		stage.Set(i, v)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	loc := dev.Location()
	c, ok := t.copies[loc]
	if !ok {
		mem, err := dev.Alloc(t.dtype, t.Len())
		if err != nil {
			return fmt.Errorf("write on %s: %w", loc, err)
		}
		c = &copyState{dev: dev, mem: mem}
	}
	if err := dev.Upload(c.mem, stage); err != nil {
		if !ok {
			dev.Free(c.mem)
		}
		return fmt.Errorf("write on %s: %w", loc, err)
	}
	t.copies[loc] = c
	t.markWritten(loc, c)
	return nil
}

// Float64s synchronizes the tensor to the host and returns its contents.
func (t *SharedTensor) Float64s() ([]float64, error) {
	h := Host()
	if err := t.SyncTo(h); err != nil {
		return nil, err
	}
	mem, err := t.Memory(h.Location())
	if err != nil {
		return nil, err
	}
	hm := mem.(*HostMemory)
	out := make([]float64, hm.Len())
	for i := range out {
		out[i] = hm.At(i)
	}
	return out, nil
}

// Checkpoint records which locations are synchronized.
type Checkpoint struct {
	generation uint64
	written    bool
	latest     Location
	synced     map[Location]bool
}

// Checkpoint captures the current location state for a later Rollback.
func (t *SharedTensor) Checkpoint() Checkpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := Checkpoint{
		generation: t.generation,
		written:    t.written,
		latest:     t.latest,
		synced:     make(map[Location]bool, len(t.copies)),
	}
	for l, c := range t.copies {
		cp.synced[l] = c.synced
	}
	return cp
}

// Rollback restores the location state captured by cp, freeing copies
// allocated since. It refuses, returning false, when the tensor was written
// after the checkpoint, since older copies no longer hold the latest contents.
func (t *SharedTensor) Rollback(cp Checkpoint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.generation != cp.generation {
		return false
	}
	for l, c := range t.copies {
		synced, existed := cp.synced[l]
		if !existed {
			c.dev.Free(c.mem)
			delete(t.copies, l)
			continue
		}
		c.synced = synced
	}
	t.latest = cp.latest
	t.written = cp.written
	return true
}

// Release frees every copy. The tensor is uninitialized afterwards.
func (t *SharedTensor) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for l, c := range t.copies {
		c.dev.Free(c.mem)
		delete(t.copies, l)
	}
	t.written = false
	t.generation++
}

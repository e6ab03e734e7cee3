package device

import (
	"fmt"
	"sync"
)

// ensure interface compliance
var _ Device = (*MockDevice)(nil)

// MockDevice emulates a discrete accelerator in host memory. Its memory lives
// at its own location, so tensors must be synchronized to and from it like a
// real GPU. It counts transfers and can be told to fail, which makes it the
// device of choice for exercising synchronization in tests.
type MockDevice struct {
	loc Location

	mu           sync.Mutex
	allocs       int
	frees        int
	uploads      int
	downloads    int
	failAlloc    error
	failUpload   error
	failDownload error
}

// NewMockDevice returns a mock device with the given ordinal.
func NewMockDevice(ordinal int) *MockDevice {
	return &MockDevice{loc: Location{Framework: Mock, Ordinal: ordinal}}
}

func (d *MockDevice) Name() string         { return fmt.Sprintf("MockGPU-%d", d.loc.Ordinal) }
func (d *MockDevice) Framework() Framework { return Mock }
func (d *MockDevice) Location() Location   { return d.loc }

// FailAlloc makes subsequent allocations fail with err. Nil clears it.
func (d *MockDevice) FailAlloc(err error) {
	d.mu.Lock()
	d.failAlloc = err
	d.mu.Unlock()
}

// FailUpload makes subsequent uploads fail with err. Nil clears it.
func (d *MockDevice) FailUpload(err error) {
	d.mu.Lock()
	d.failUpload = err
	d.mu.Unlock()
}

// FailDownload makes subsequent downloads fail with err. Nil clears it.
func (d *MockDevice) FailDownload(err error) {
	d.mu.Lock()
	d.failDownload = err
	d.mu.Unlock()
}

// Uploads returns the number of successful host-to-device copies.
func (d *MockDevice) Uploads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.uploads
}

// Downloads returns the number of successful device-to-host copies.
func (d *MockDevice) Downloads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.downloads
}

// Live returns the number of allocations not yet freed.
func (d *MockDevice) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocs - d.frees
}

func (d *MockDevice) Alloc(dtype DType, n int) (Memory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failAlloc != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocation, d.failAlloc)
	}
	if n < 0 || dtype.Size() == 0 {
		return nil, fmt.Errorf("%w: %d elements of %s", ErrAllocation, n, dtype)
	}
	m := NewHostMemory(dtype, n)
	m.loc = d.loc
	d.allocs++
	return m, nil
}

func (d *MockDevice) Free(m Memory) {
	if m.Location() != d.loc {
		return
	}
	d.mu.Lock()
	d.frees++
	d.mu.Unlock()
}

func (d *MockDevice) own(m Memory) (*HostMemory, error) {
	hm, ok := m.(*HostMemory)
	if !ok || hm.loc != d.loc {
		return nil, fmt.Errorf("%w: %s on %s", ErrForeignMemory, m.Location(), d.loc)
	}
	return hm, nil
}

func (d *MockDevice) Upload(dst Memory, src *HostMemory) error {
	hm, err := d.own(dst)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failUpload != nil {
		return fmt.Errorf("%w: %w", ErrTransfer, d.failUpload)
	}
	if err := hm.CopyFrom(src); err != nil {
		return err
	}
	d.uploads++
	return nil
}

func (d *MockDevice) Download(dst *HostMemory, src Memory) error {
	hm, err := d.own(src)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failDownload != nil {
		return fmt.Errorf("%w: %w", ErrTransfer, d.failDownload)
	}
	if err := dst.CopyFrom(hm); err != nil {
		return err
	}
	d.downloads++
	return nil
}

func (d *MockDevice) Synchronize() error { return nil }

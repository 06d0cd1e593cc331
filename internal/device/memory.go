package device

import (
	"fmt"
	"sync"

	"semipd/internal/dtype"
	"semipd/internal/tensor"
)

// MemoryAdapter implements Adapter for testing without a real GPU. Exported
// handles resolve to the same Go slices, so imported views alias the source.
type MemoryAdapter struct {
	mu      sync.Mutex
	total   uint64
	used    uint64
	units   int
	seq     int
	storage map[string]*tensor.Storage
	closed  bool

	exports int
	imports int
}

// NewMemoryAdapter creates an adapter reporting total bytes of device memory.
func NewMemoryAdapter(total uint64, computeUnits int) *MemoryAdapter {
	return &MemoryAdapter{total: total, units: computeUnits, storage: make(map[string]*tensor.Storage)}
}

func (a *MemoryAdapter) Alloc(dt dtype.DType, device int, shape ...int64) (*tensor.Tensor, error) {
	n := tensor.Numel(shape)
	if n == 0 {
		return tensor.Empty(dt, device, shape...), nil
	}
	size := uint64(n) * uint64(dt.Size())
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrClosed
	}
	if a.used+size > a.total {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: need %d bytes, %d free", ErrOutOfDeviceMemory, size, a.total-a.used)
	}
	a.seq++
	name := fmt.Sprintf("mem-%06d", a.seq)
	s := &tensor.Storage{Ref: name, Bytes: make([]byte, size)}
	a.storage[name] = s
	a.used += size
	a.mu.Unlock()
	return tensor.New(s, 0, dt, device, shape...)
}

func (a *MemoryAdapter) Export(t *tensor.Tensor) (Handle, error) {
	if err := checkExport(t); err != nil {
		return Handle{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.storage[t.Storage().Ref]; !ok {
		return Handle{}, fmt.Errorf("%w: storage %q not owned by adapter", ErrNotExportable, t.Storage().Ref)
	}
	ref, err := refFromName(t.Storage().Ref)
	if err != nil {
		return Handle{}, err
	}
	a.exports++
	return Handle{Ref: ref, Offset: t.Offset()}, nil
}

func (a *MemoryAdapter) Import(h Handle, numel int64, dt dtype.DType, device int) (*tensor.Tensor, error) {
	if err := checkImport(h, numel, dt); err != nil {
		return nil, err
	}
	a.mu.Lock()
	s, ok := a.storage[nameFromRef(h.Ref)]
	a.imports++
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	return tensor.New(s, h.Offset, dt, device, numel)
}

func (a *MemoryAdapter) ComputeUnitCount(int) (int, error) { return a.units, nil }

func (a *MemoryAdapter) MemInfo(int) (MemInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return MemInfo{Total: a.total, Free: a.total - a.used}, nil
}

func (a *MemoryAdapter) Close() error {
	a.mu.Lock()
	a.closed = true
	a.storage = map[string]*tensor.Storage{}
	a.mu.Unlock()
	return nil
}

// Calls returns how many Export and Import calls reached the adapter.
func (a *MemoryAdapter) Calls() (exports, imports int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exports, a.imports
}

var _ Adapter = (*MemoryAdapter)(nil)

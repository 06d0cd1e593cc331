// Package device defines the device IPC adapter boundary: exporting an
// allocation as a portable Handle and importing a Handle back into a typed
// view in another process.
//
// Two adapters are provided. ShmAdapter backs allocations with memory-mapped
// shared files so that views imported in a peer process alias the exporter's
// pages. MemoryAdapter keeps everything in one process and records calls; it
// is intended for tests.
package device

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"semipd/internal/dtype"
	"semipd/internal/tensor"
)

// HandleSize is the fixed size of the opaque device reference.
const HandleSize = 64

var (
	ErrUnknownHandle     = errors.New("unknown device handle")
	ErrNotExportable     = errors.New("tensor is not exportable")
	ErrSpanMismatch      = errors.New("handle span does not match tensor size")
	ErrOutOfDeviceMemory = errors.New("device memory exhausted")
	ErrClosed            = errors.New("device adapter closed")
)

// Handle identifies an exported device memory region. It is compared and
// hashed by raw bytes only and is never dereferenced outside an adapter.
type Handle struct {
	Ref    [HandleSize]byte `msgpack:"ref"`
	Offset int64            `msgpack:"offset"`
}

// Bypass marks a zero-element tensor that was never exported.
var Bypass = Handle{Offset: -1}

func (h Handle) IsBypass() bool { return h == Bypass }

func (h Handle) String() string {
	if h.IsBypass() {
		return "BYPASS"
	}
	ref := bytes.TrimRight(h.Ref[:], "\x00")
	if len(ref) > 8 {
		ref = ref[:8]
	}
	return fmt.Sprintf("%s+%d", hex.EncodeToString(ref), h.Offset)
}

// MemInfo reports device memory in bytes.
type MemInfo struct {
	Total uint64
	Free  uint64
}

// Adapter is the device IPC collaborator consumed by the exporter, the
// importer and the memory pool sizer.
type Adapter interface {
	// Alloc returns a zeroed exportable tensor owned by this process.
	Alloc(dt dtype.DType, device int, shape ...int64) (*tensor.Tensor, error)
	// Export returns the handle for t's storage span.
	Export(t *tensor.Tensor) (Handle, error)
	// Import returns a flat view of numel elements aliasing the region h names.
	Import(h Handle, numel int64, dt dtype.DType, device int) (*tensor.Tensor, error)
	// ComputeUnitCount returns the number of SMs (or equivalent) on device.
	ComputeUnitCount(device int) (int, error)
	MemInfo(device int) (MemInfo, error)
	Close() error
}

func refFromName(name string) ([HandleSize]byte, error) {
	var r [HandleSize]byte
	if name == "" || len(name) > HandleSize {
		return r, fmt.Errorf("%w: storage ref %q does not fit a handle", ErrNotExportable, name)
	}
	copy(r[:], name)
	return r, nil
}

func nameFromRef(r [HandleSize]byte) string {
	return string(bytes.TrimRight(r[:], "\x00"))
}

// checkExport validates the invariants shared by every adapter before a
// handle is produced.
func checkExport(t *tensor.Tensor) error {
	if t == nil {
		return fmt.Errorf("%w: nil tensor", ErrNotExportable)
	}
	if _, err := dtype.AdapterTag(t.DType()); err != nil {
		return err
	}
	if t.Numel() == 0 {
		return fmt.Errorf("%w: zero-element tensor must bypass export", ErrNotExportable)
	}
	if t.Storage() == nil || t.Storage().Ref == "" {
		return fmt.Errorf("%w: tensor has no device storage", ErrNotExportable)
	}
	if !t.IsContiguous() {
		return fmt.Errorf("%w: non-contiguous view %v", ErrNotExportable, t.Shape())
	}
	if got := int64(len(t.Bytes())); got != t.Nbytes() {
		return fmt.Errorf("%w: span %d bytes, expected %d", ErrSpanMismatch, got, t.Nbytes())
	}
	return nil
}

func checkImport(h Handle, numel int64, dt dtype.DType) error {
	if h.IsBypass() {
		return fmt.Errorf("%w: BYPASS cannot be imported", ErrUnknownHandle)
	}
	if _, err := dtype.AdapterTag(dt); err != nil {
		return err
	}
	if numel <= 0 || h.Offset < 0 {
		return fmt.Errorf("%w: numel=%d offset=%d", ErrSpanMismatch, numel, h.Offset)
	}
	return nil
}

// Allocator adapts a's Alloc to the tree and pool builders for device dev.
func Allocator(a Adapter, dev int) func(dt dtype.DType, shape ...int64) (*tensor.Tensor, error) {
	return func(dt dtype.DType, shape ...int64) (*tensor.Tensor, error) {
		return a.Alloc(dt, dev, shape...)
	}
}

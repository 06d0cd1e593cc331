// Package tensor provides typed, strided views over device storage. A Tensor
// never owns its bytes; Storage is owned by whoever allocated it (normally a
// device adapter in the exporting process).
package tensor

import (
	"errors"
	"fmt"

	"semipd/internal/dtype"
)

var (
	ErrShapeMismatch = errors.New("shape mismatch")
	ErrNotContiguous = errors.New("tensor is not contiguous")
	ErrOutOfRange    = errors.New("index out of range")
)

// Storage is a span of memory identified by an adapter-defined reference.
// Ref is empty for host placeholders that were never allocated by an adapter.
type Storage struct {
	Ref   string
	Bytes []byte
}

// Tensor is a view: shape and strides (in elements) over storage at a byte offset.
type Tensor struct {
	shape   []int64
	strides []int64
	dt      dtype.DType
	device  int
	storage *Storage
	offset  int64
}

// New returns a contiguous view of storage starting at byte offset.
func New(s *Storage, offset int64, dt dtype.DType, device int, shape ...int64) (*Tensor, error) {
	if !dt.Valid() {
		return nil, fmt.Errorf("%w: %d", dtype.ErrUnmappedElementType, uint8(dt))
	}
	n := Numel(shape)
	if n < 0 {
		return nil, fmt.Errorf("%w: negative dimension in %v", ErrShapeMismatch, shape)
	}
	need := offset + n*int64(dt.Size())
	if n > 0 && (s == nil || need > int64(len(s.Bytes))) {
		have := 0
		if s != nil {
			have = len(s.Bytes)
		}
		return nil, fmt.Errorf("%w: view needs %d bytes at offset %d, storage has %d", ErrOutOfRange, need-offset, offset, have)
	}
	return &Tensor{
		shape:   append([]int64(nil), shape...),
		strides: contiguousStrides(shape),
		dt:      dt,
		device:  device,
		storage: s,
		offset:  offset,
	}, nil
}

// Empty returns a fresh zero-element tensor carrying only type and device.
// A shape may be given to keep the recorded dimensions; it must hold no elements.
func Empty(dt dtype.DType, device int, shape ...int64) *Tensor {
	if len(shape) == 0 || Numel(shape) != 0 {
		shape = []int64{0}
	}
	return &Tensor{shape: append([]int64(nil), shape...), strides: contiguousStrides(shape), dt: dt, device: device}
}

// Host allocates a zeroed tensor in process memory. It is used for
// placeholders and tests; exportable tensors come from a device adapter.
func Host(dt dtype.DType, device int, shape ...int64) *Tensor {
	n := Numel(shape)
	if n < 0 {
		n = 0
	}
	s := &Storage{Bytes: make([]byte, n*int64(dt.Size()))}
	return &Tensor{
		shape:   append([]int64(nil), shape...),
		strides: contiguousStrides(shape),
		dt:      dt,
		device:  device,
		storage: s,
	}
}

// Numel is the product of shape. A scalar (empty shape) has one element.
func Numel(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		if d < 0 {
			return -1
		}
		n *= d
	}
	return n
}

func contiguousStrides(shape []int64) []int64 {
	st := make([]int64, len(shape))
	acc := int64(1)
	for i := len(shape) - 1; i >= 0; i-- {
		st[i] = acc
		acc *= shape[i]
	}
	return st
}

func (t *Tensor) Shape() []int64      { return append([]int64(nil), t.shape...) }
func (t *Tensor) Strides() []int64    { return append([]int64(nil), t.strides...) }
func (t *Tensor) DType() dtype.DType  { return t.dt }
func (t *Tensor) Device() int         { return t.device }
func (t *Tensor) Storage() *Storage   { return t.storage }
func (t *Tensor) Offset() int64       { return t.offset }
func (t *Tensor) Numel() int64        { return Numel(t.shape) }
func (t *Tensor) Nbytes() int64       { return t.Numel() * int64(t.dt.Size()) }
func (t *Tensor) Descriptor() Descriptor {
	return Descriptor{Shape: t.Shape(), DType: t.dt, Device: t.device}
}

// IsContiguous reports row-major layout with no gaps.
func (t *Tensor) IsContiguous() bool {
	want := contiguousStrides(t.shape)
	for i := range want {
		if t.shape[i] != 1 && t.strides[i] != want[i] {
			return false
		}
	}
	return true
}

// Bytes returns the span of storage covered by the tensor. Views produced by
// Transpose cover the same span as their contiguous source.
func (t *Tensor) Bytes() []byte {
	if t.storage == nil {
		return nil
	}
	end := t.offset + t.Nbytes()
	if end > int64(len(t.storage.Bytes)) {
		end = int64(len(t.storage.Bytes))
	}
	return t.storage.Bytes[t.offset:end]
}

// View reinterprets a contiguous tensor with a new shape of equal element count.
func (t *Tensor) View(shape ...int64) (*Tensor, error) {
	if !t.IsContiguous() {
		return nil, ErrNotContiguous
	}
	if Numel(shape) != t.Numel() {
		return nil, fmt.Errorf("%w: cannot view %v as %v", ErrShapeMismatch, t.shape, shape)
	}
	return &Tensor{
		shape:   append([]int64(nil), shape...),
		strides: contiguousStrides(shape),
		dt:      t.dt,
		device:  t.device,
		storage: t.storage,
		offset:  t.offset,
	}, nil
}

// Transpose swaps two dimensions without moving data. Negative dims count
// from the end.
func (t *Tensor) Transpose(a, b int) (*Tensor, error) {
	r := len(t.shape)
	if a < 0 {
		a += r
	}
	if b < 0 {
		b += r
	}
	if a < 0 || b < 0 || a >= r || b >= r {
		return nil, fmt.Errorf("%w: transpose(%d,%d) on rank %d", ErrOutOfRange, a, b, r)
	}
	out := &Tensor{
		shape:   t.Shape(),
		strides: t.Strides(),
		dt:      t.dt,
		device:  t.device,
		storage: t.storage,
		offset:  t.offset,
	}
	out.shape[a], out.shape[b] = out.shape[b], out.shape[a]
	out.strides[a], out.strides[b] = out.strides[b], out.strides[a]
	return out, nil
}

// byteIndex maps a multi-dimensional index to a byte offset in storage.
func (t *Tensor) byteIndex(idx []int64) (int64, error) {
	if len(idx) != len(t.shape) {
		return 0, fmt.Errorf("%w: index rank %d for shape %v", ErrOutOfRange, len(idx), t.shape)
	}
	var e int64
	for i, v := range idx {
		if v < 0 || v >= t.shape[i] {
			return 0, fmt.Errorf("%w: %v in %v", ErrOutOfRange, idx, t.shape)
		}
		e += v * t.strides[i]
	}
	return t.offset + e*int64(t.dt.Size()), nil
}

// Descriptor is the metadata needed to rebuild a view in another process.
type Descriptor struct {
	Shape  []int64     `msgpack:"shape" json:"shape"`
	DType  dtype.DType `msgpack:"dtype" json:"dtype"`
	Device int         `msgpack:"device" json:"device"`
}

func (d Descriptor) Numel() int64  { return Numel(d.Shape) }
func (d Descriptor) Nbytes() int64 { return d.Numel() * int64(d.DType.Size()) }

func (d Descriptor) String() string {
	return fmt.Sprintf("%v %s cuda:%d", d.Shape, d.DType, d.Device)
}

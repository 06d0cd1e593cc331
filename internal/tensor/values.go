package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"semipd/internal/dtype"
)

// SetFloat writes v at idx, encoding it in the tensor's element type.
func (t *Tensor) SetFloat(v float64, idx ...int64) error {
	off, err := t.byteIndex(idx)
	if err != nil {
		return err
	}
	b := t.storage.Bytes[off : off+int64(t.dt.Size())]
	le := binary.LittleEndian
	switch t.dt {
	case dtype.Float32:
		le.PutUint32(b, math.Float32bits(float32(v)))
	case dtype.Float64:
		le.PutUint64(b, math.Float64bits(v))
	case dtype.Float16:
		le.PutUint16(b, float16.Fromfloat32(float32(v)).Bits())
	case dtype.BFloat16:
		copy(b, bfloat16.EncodeFloat32([]float32{float32(v)}))
	case dtype.Int8, dtype.Uint8, dtype.Bool:
		b[0] = byte(int64(v))
	case dtype.Int16, dtype.Uint16:
		le.PutUint16(b, uint16(int64(v)))
	case dtype.Int32, dtype.Uint32:
		le.PutUint32(b, uint32(int64(v)))
	case dtype.Int64, dtype.Uint64:
		le.PutUint64(b, uint64(int64(v)))
	default:
		return fmt.Errorf("SetFloat: no scalar encoding for %s", t.dt)
	}
	return nil
}

// Float reads the element at idx as float64.
func (t *Tensor) Float(idx ...int64) (float64, error) {
	off, err := t.byteIndex(idx)
	if err != nil {
		return 0, err
	}
	b := t.storage.Bytes[off : off+int64(t.dt.Size())]
	le := binary.LittleEndian
	switch t.dt {
	case dtype.Float32:
		return float64(math.Float32frombits(le.Uint32(b))), nil
	case dtype.Float64:
		return math.Float64frombits(le.Uint64(b)), nil
	case dtype.Float16:
		return float64(float16.Frombits(le.Uint16(b)).Float32()), nil
	case dtype.BFloat16:
		return float64(bfloat16.DecodeFloat32(b)[0]), nil
	case dtype.Int8:
		return float64(int8(b[0])), nil
	case dtype.Uint8, dtype.Bool:
		return float64(b[0]), nil
	case dtype.Int16:
		return float64(int16(le.Uint16(b))), nil
	case dtype.Uint16:
		return float64(le.Uint16(b)), nil
	case dtype.Int32:
		return float64(int32(le.Uint32(b))), nil
	case dtype.Uint32:
		return float64(le.Uint32(b)), nil
	case dtype.Int64:
		return float64(int64(le.Uint64(b))), nil
	case dtype.Uint64:
		return float64(le.Uint64(b)), nil
	}
	return 0, fmt.Errorf("Float: no scalar decoding for %s", t.dt)
}

// Fill writes f(i) to every element in row-major order of the view.
func (t *Tensor) Fill(f func(i int64) float64) error {
	n := t.Numel()
	if n == 0 {
		return nil
	}
	idx := make([]int64, len(t.shape))
	for i := int64(0); i < n; i++ {
		rem := i
		for d := len(t.shape) - 1; d >= 0; d-- {
			idx[d] = rem % t.shape[d]
			rem /= t.shape[d]
		}
		if err := t.SetFloat(f(i), idx...); err != nil {
			return err
		}
	}
	return nil
}

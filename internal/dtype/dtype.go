// Package dtype enumerates tensor element types and the name tags used when an
// element type crosses the device IPC boundary.
package dtype

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnmappedElementType is returned when an element type has no adapter tag.
var ErrUnmappedElementType = errors.New("unmapped element type")

// DType identifies a tensor element type.
type DType uint8

const (
	Invalid DType = iota
	Float32
	Float64
	Float16
	BFloat16
	Float8E4M3FN
	Float8E5M2
	Float8E4M3FNUZ
	Float8E5M2FNUZ
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Bool
	Complex32
	Complex64
	Complex128
)

type info struct {
	name string // short name used in configs and logs
	tag  string // adapter boundary tag
	size int    // bytes per element
}

var table = map[DType]info{
	Float32:        {"float32", "at::kFloat", 4},
	Float64:        {"float64", "at::kDouble", 8},
	Float16:        {"float16", "at::kHalf", 2},
	BFloat16:       {"bfloat16", "at::kBFloat16", 2},
	Float8E4M3FN:   {"float8_e4m3fn", "at::kFloat8_e4m3fn", 1},
	Float8E5M2:     {"float8_e5m2", "at::kFloat8_e5m2", 1},
	Float8E4M3FNUZ: {"float8_e4m3fnuz", "at::kFloat8_e4m3fnuz", 1},
	Float8E5M2FNUZ: {"float8_e5m2fnuz", "at::kFloat8_e5m2fnuz", 1},
	Int8:           {"int8", "at::kChar", 1},
	Int16:          {"int16", "at::kShort", 2},
	Int32:          {"int32", "at::kInt", 4},
	Int64:          {"int64", "at::kLong", 8},
	Uint8:          {"uint8", "at::kByte", 1},
	Uint16:         {"uint16", "at::kUInt16", 2},
	Uint32:         {"uint32", "at::kUInt32", 4},
	Uint64:         {"uint64", "at::kUInt64", 8},
	Bool:           {"bool", "at::kBool", 1},
	Complex32:      {"complex32", "at::kComplexHalf", 4},
	Complex64:      {"complex64", "at::kComplexFloat", 8},
	Complex128:     {"complex128", "at::kComplexDouble", 16},
}

// All returns every mapped element type in declaration order.
func All() []DType {
	out := make([]DType, 0, len(table))
	for d := Float32; d <= Complex128; d++ {
		out = append(out, d)
	}
	return out
}

// Size returns bytes per element, or 0 for an unknown type.
func (d DType) Size() int {
	return table[d].size
}

// Valid reports whether d is a known element type.
func (d DType) Valid() bool {
	_, ok := table[d]
	return ok
}

func (d DType) String() string {
	if i, ok := table[d]; ok {
		return i.name
	}
	return fmt.Sprintf("dtype(%d)", uint8(d))
}

// AdapterTag returns the name tag the device adapter expects for d.
// Unknown types fail loudly rather than defaulting.
func AdapterTag(d DType) (string, error) {
	i, ok := table[d]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnmappedElementType, d)
	}
	return i.tag, nil
}

// FromAdapterTag is the inverse of AdapterTag.
func FromAdapterTag(tag string) (DType, error) {
	for d, i := range table {
		if i.tag == tag {
			return d, nil
		}
	}
	return Invalid, fmt.Errorf("%w: tag %q", ErrUnmappedElementType, tag)
}

// Parse resolves a configuration name such as "bfloat16" or "fp8_e5m2".
func Parse(s string) (DType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "fp32", "f32", "float":
		return Float32, nil
	case "fp16", "f16", "half":
		return Float16, nil
	case "bf16":
		return BFloat16, nil
	case "fp8_e5m2":
		return Float8E5M2, nil
	case "fp8_e4m3":
		return Float8E4M3FN, nil
	}
	for d, i := range table {
		if i.name == s {
			return d, nil
		}
	}
	return Invalid, fmt.Errorf("%w: %q", ErrUnmappedElementType, s)
}

// MarshalText encodes d by name so configs and wire payloads stay readable.
func (d DType) MarshalText() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnmappedElementType, uint8(d))
	}
	return []byte(d.String()), nil
}

func (d *DType) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

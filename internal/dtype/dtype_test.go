package dtype

import (
	"errors"
	"testing"
)

func TestAdapterTagExhaustive(t *testing.T) {
	all := All()
	if len(all) != 20 {
		t.Fatalf("expected 20 mapped element types, got %d", len(all))
	}
	seen := map[string]DType{}
	for _, d := range all {
		tag, err := AdapterTag(d)
		if err != nil {
			t.Fatalf("AdapterTag(%s): %v", d, err)
		}
		if prev, dup := seen[tag]; dup {
			t.Fatalf("tag %q shared by %s and %s", tag, prev, d)
		}
		seen[tag] = d
		back, err := FromAdapterTag(tag)
		if err != nil || back != d {
			t.Fatalf("FromAdapterTag(%q) = %v, %v; want %s", tag, back, err, d)
		}
		if d.Size() <= 0 {
			t.Fatalf("%s has no element size", d)
		}
	}
}

func TestAdapterTagUnmappedFails(t *testing.T) {
	for _, d := range []DType{Invalid, DType(200)} {
		if _, err := AdapterTag(d); !errors.Is(err, ErrUnmappedElementType) {
			t.Fatalf("AdapterTag(%d) err=%v, want ErrUnmappedElementType", d, err)
		}
	}
}

func TestSizes(t *testing.T) {
	cases := map[DType]int{
		Float32: 4, Float64: 8, Float16: 2, BFloat16: 2,
		Float8E4M3FN: 1, Float8E5M2FNUZ: 1,
		Int8: 1, Int16: 2, Int32: 4, Int64: 8,
		Uint8: 1, Uint16: 2, Uint32: 4, Uint64: 8,
		Bool: 1, Complex32: 4, Complex64: 8, Complex128: 16,
	}
	for d, want := range cases {
		if got := d.Size(); got != want {
			t.Fatalf("%s.Size() = %d, want %d", d, got, want)
		}
	}
}

func TestParse(t *testing.T) {
	cases := map[string]DType{
		"bfloat16": BFloat16,
		"bf16":     BFloat16,
		"FP16":     Float16,
		"fp8_e5m2": Float8E5M2,
		"fp8_e4m3": Float8E4M3FN,
		"int32":    Int32,
	}
	for in, want := range cases {
		got, err := Parse(in)
		if err != nil || got != want {
			t.Fatalf("Parse(%q) = %v, %v; want %s", in, got, err, want)
		}
	}
	if _, err := Parse("float4"); err == nil {
		t.Fatalf("expected error for unknown name")
	}
}

func TestTextRoundTrip(t *testing.T) {
	b, err := Complex64.MarshalText()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var d DType
	if err := d.UnmarshalText(b); err != nil || d != Complex64 {
		t.Fatalf("unmarshal %q: %v %v", b, d, err)
	}
	if _, err := Invalid.MarshalText(); err == nil {
		t.Fatalf("expected error marshaling Invalid")
	}
}

// Package kvcache holds the per-layer key/value token pools and the
// request-to-token index table. Pools are sized once; a pool built with
// placeholder allocation waits for SetSlabs to bind shared views.
package kvcache

import (
	"errors"
	"fmt"
	"reflect"

	"semipd/internal/dtype"
	"semipd/internal/model"
	"semipd/internal/tensor"
)

var (
	ErrLayoutMismatch = errors.New("kv slab layout mismatch")
	ErrPoolExhausted  = errors.New("request slots exhausted")
)

// TokenPool is the KV storage for up to Size tokens. Slot 0 is a padding
// slot, so each slab holds Size+1 cells.
type TokenPool struct {
	layout model.Arch
	size   int64
	layers int
	info   tensor.Descriptor
	slabs  [][]*tensor.Tensor
}

// New builds the pool for one TP shard of m. kv is the cache element type.
func New(m model.Config, size int64, kv dtype.DType, device int, alloc model.AllocFunc) (*TokenPool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("kv pool size %d must be positive", size)
	}
	var cell []int64
	rows := 1
	switch m.Arch {
	case model.ArchMHA:
		cell = []int64{int64(m.NumKVHeads), int64(m.HeadDim)}
		rows = 2
	case model.ArchMLA:
		cell = []int64{1, int64(m.KVLoraRank + m.QKRopeHeadDim)}
	default:
		return nil, fmt.Errorf("%w: arch %q", ErrLayoutMismatch, m.Arch)
	}
	p := &TokenPool{
		layout: m.Arch,
		size:   size,
		layers: m.NumLayers,
		info:   tensor.Descriptor{Shape: append([]int64{size + 1}, cell...), DType: kv, Device: device},
		slabs:  make([][]*tensor.Tensor, rows),
	}
	for r := range p.slabs {
		p.slabs[r] = make([]*tensor.Tensor, m.NumLayers)
		for l := range p.slabs[r] {
			t, err := alloc(kv, p.info.Shape...)
			if err != nil {
				return nil, fmt.Errorf("kv slab %d/%d: %w", r, l, err)
			}
			p.slabs[r][l] = t
		}
	}
	return p, nil
}

func (p *TokenPool) Layout() model.Arch { return p.layout }
func (p *TokenPool) Size() int64        { return p.size }
func (p *TokenPool) Layers() int        { return p.layers }

// Info describes one slab; every slab in the pool shares it.
func (p *TokenPool) Info() tensor.Descriptor {
	d := p.info
	d.Shape = append([]int64(nil), p.info.Shape...)
	return d
}

// Slabs returns [K,V][layer] for MHA and [KV][layer] for MLA.
func (p *TokenPool) Slabs() [][]*tensor.Tensor {
	out := make([][]*tensor.Tensor, len(p.slabs))
	for i := range p.slabs {
		out[i] = append([]*tensor.Tensor(nil), p.slabs[i]...)
	}
	return out
}

// SetSlabs rebinds every slab. The geometry must match the pool exactly.
func (p *TokenPool) SetSlabs(s [][]*tensor.Tensor) error {
	if len(s) != len(p.slabs) {
		return fmt.Errorf("%w: %s pool expects %d slab rows, got %d", ErrLayoutMismatch, p.layout, len(p.slabs), len(s))
	}
	for r := range s {
		if len(s[r]) != p.layers {
			return fmt.Errorf("%w: row %d has %d layers, want %d", ErrLayoutMismatch, r, len(s[r]), p.layers)
		}
		for l, t := range s[r] {
			if t == nil || !reflect.DeepEqual(t.Shape(), p.info.Shape) || t.DType() != p.info.DType {
				return fmt.Errorf("%w: slab %d/%d is not %s", ErrLayoutMismatch, r, l, p.info)
			}
		}
	}
	for r := range s {
		copy(p.slabs[r], s[r])
	}
	return nil
}

// ReqToTokenPool maps request slots to token positions. The table has one
// spare row and four spare columns beyond the context length.
type ReqToTokenPool struct {
	table *tensor.Tensor
	info  tensor.Descriptor
	free  []int
}

func NewReqToTokenPool(maxNumReqs, contextLen, device int, alloc model.AllocFunc) (*ReqToTokenPool, error) {
	if maxNumReqs <= 0 || contextLen <= 0 {
		return nil, fmt.Errorf("req_to_token pool: max_num_reqs=%d context_len=%d", maxNumReqs, contextLen)
	}
	info := tensor.Descriptor{
		Shape:  []int64{int64(maxNumReqs) + 1, int64(contextLen) + 4},
		DType:  dtype.Int32,
		Device: device,
	}
	t, err := alloc(info.DType, info.Shape...)
	if err != nil {
		return nil, fmt.Errorf("req_to_token pool: %w", err)
	}
	free := make([]int, maxNumReqs)
	for i := range free {
		free[i] = i
	}
	return &ReqToTokenPool{table: t, info: info, free: free}, nil
}

func (p *ReqToTokenPool) Table() *tensor.Tensor { return p.table }

func (p *ReqToTokenPool) Info() tensor.Descriptor {
	d := p.info
	d.Shape = append([]int64(nil), p.info.Shape...)
	return d
}

// SetTable rebinds the table to a view with the pool's exact geometry.
func (p *ReqToTokenPool) SetTable(t *tensor.Tensor) error {
	if t == nil || !reflect.DeepEqual(t.Shape(), p.info.Shape) || t.DType() != p.info.DType {
		return fmt.Errorf("%w: req_to_token is not %s", ErrLayoutMismatch, p.info)
	}
	p.table = t
	return nil
}

// Alloc reserves n request slots.
func (p *ReqToTokenPool) Alloc(n int) ([]int, error) {
	if n > len(p.free) {
		return nil, fmt.Errorf("%w: want %d, have %d", ErrPoolExhausted, n, len(p.free))
	}
	out := append([]int(nil), p.free[:n]...)
	p.free = p.free[n:]
	return out, nil
}

func (p *ReqToTokenPool) Free(slots ...int) { p.free = append(p.free, slots...) }

func (p *ReqToTokenPool) Available() int { return len(p.free) }

// Reset returns every slot to the free list and zeroes the table.
func (p *ReqToTokenPool) Reset() error {
	n := int(p.info.Shape[0]) - 1
	p.free = p.free[:0]
	for i := 0; i < n; i++ {
		p.free = append(p.free, i)
	}
	return p.table.Fill(func(int64) float64 { return 0 })
}

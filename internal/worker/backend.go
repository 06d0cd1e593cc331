package worker

import (
	"errors"
	"fmt"
	"sync"

	"semipd/internal/mempool"
	"semipd/internal/model"
)

var errUnbound = errors.New("tensor not bound to device memory")

// SyntheticBackend stands in for the attention backend and graph runner. It
// touches every slab and weight so that unbound or mis-sized views fail
// here rather than on the first batch.
type SyntheticBackend struct {
	mu        sync.Mutex
	slabs     int
	checksums map[string]float64
}

func NewSyntheticBackend() *SyntheticBackend { return &SyntheticBackend{} }

func (b *SyntheticBackend) InitAttention(pool *mempool.Pool) error {
	if pool == nil || pool.KV == nil || pool.ReqToToken == nil {
		return errUnbound
	}
	n := 0
	for r, row := range pool.KV.Slabs() {
		for l, s := range row {
			if s == nil || s.Storage() == nil || int64(len(s.Bytes())) != s.Nbytes() {
				return fmt.Errorf("kv slab %d.%d: %w", r, l, errUnbound)
			}
			n++
		}
	}
	if t := pool.ReqToToken.Table(); t == nil || t.Storage() == nil {
		return fmt.Errorf("req_to_token: %w", errUnbound)
	}
	b.mu.Lock()
	b.slabs = n
	b.mu.Unlock()
	return nil
}

// InitGraphs checksums every parameter; the sums double as a cheap
// cross-process consistency probe.
func (b *SyntheticBackend) InitGraphs(tree *model.Tree) error {
	sums := make(map[string]float64)
	for _, n := range tree.Parameters() {
		if n.Tensor.Numel() == 0 {
			continue
		}
		if n.Tensor.Storage() == nil {
			return fmt.Errorf("%s: %w", n.Name, errUnbound)
		}
		s, err := model.Checksum(n.Tensor)
		if err != nil {
			return fmt.Errorf("%s: %w", n.Name, err)
		}
		sums[n.Name] = s
	}
	b.mu.Lock()
	b.checksums = sums
	b.mu.Unlock()
	return nil
}

// Checksums returns the per-parameter sums recorded by InitGraphs.
func (b *SyntheticBackend) Checksums() map[string]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]float64, len(b.checksums))
	for k, v := range b.checksums {
		out[k] = v
	}
	return out
}

// Package mempool sizes the KV token pool. A profiling role derives its
// capacity from free device memory; an external-budget role adopts the
// capacity agreed by the group and never profiles.
package mempool

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"semipd/internal/device"
	"semipd/internal/dtype"
	"semipd/internal/kvcache"
	"semipd/internal/model"
)

var ErrOutOfMemory = errors.New("not enough memory for the kv cache")

const (
	minAutoReqs = 2048
	maxAutoReqs = 4096
	// reqsPerContext scales max_num_reqs with how many full contexts fit.
	reqsPerContext = 512
	// inputLenReserve keeps room for special tokens at the end of a request.
	inputLenReserve = 5
)

// CellSize is the KV bytes one token occupies across all layers.
func CellSize(m model.Config, kv dtype.DType) int64 {
	elem := int64(kv.Size())
	layers := int64(m.NumLayers)
	if m.Arch == model.ArchMLA {
		return int64(m.KVLoraRank+m.QKRopeHeadDim) * layers * elem
	}
	return int64(m.NumKVHeads) * int64(m.HeadDim) * layers * 2 * elem
}

// KVDType resolves the configured cache type: "auto" follows the model.
func KVDType(setting string, modelType dtype.DType) (dtype.DType, error) {
	switch setting {
	case "", "auto":
		return modelType, nil
	case "fp8_e5m2":
		return dtype.Float8E5M2, nil
	case "fp8_e4m3":
		return dtype.Float8E4M3FN, nil
	}
	return dtype.Invalid, fmt.Errorf("unsupported kv cache dtype %q", setting)
}

// Sizer computes pool capacities for one TP shard.
//
// MaxTotalTokens caps a profiled capacity and MaxNumReqs overrides the
// derived request slot count; both apply only when positive.
type Sizer struct {
	Model          model.Config // per-rank geometry
	KVDType        dtype.DType
	PageSize       int64
	MemFraction    float64 // static fraction of total memory for weights plus KV
	MaxTotalTokens int64
	MaxNumReqs     int
	Log            zerolog.Logger
}

func (s Sizer) page() int64 {
	if s.PageSize <= 0 {
		return 1
	}
	return s.PageSize
}

// Profile derives the token capacity from mi. It must run after weights are
// resident so that mi.Free reflects them.
func (s Sizer) Profile(mi device.MemInfo) (int64, error) {
	cell := CellSize(s.Model, s.KVDType)
	if cell <= 0 {
		return 0, fmt.Errorf("%w: kv cell size %d", ErrOutOfMemory, cell)
	}
	reservable := float64(mi.Free) - float64(mi.Total)*(1-s.MemFraction)
	tokens := int64(0)
	if reservable > 0 {
		tokens = int64(reservable) / cell
	}
	if s.MaxTotalTokens > 0 {
		if s.MaxTotalTokens > tokens {
			s.Log.Warn().Str("event", "max_total_tokens_ignored").
				Int64("configured", s.MaxTotalTokens).Int64("profiled", tokens).
				Msg("configured max_total_tokens exceeds profiled capacity; using profiled value")
		} else {
			tokens = s.MaxTotalTokens
		}
	}
	tokens = tokens / s.page() * s.page()
	if tokens <= 0 {
		return 0, fmt.Errorf("%w: free=%d total=%d fraction=%.3f cell=%d", ErrOutOfMemory, mi.Free, mi.Total, s.MemFraction, cell)
	}
	s.Log.Info().Str("event", "kv_profiled").Int64("max_total_num_tokens", tokens).
		Int64("cell_bytes", cell).Uint64("free_bytes", mi.Free).Msg("memory pool sized")
	return tokens, nil
}

// ProfileDevice reads MemInfo from the adapter and profiles it.
func (s Sizer) ProfileDevice(a device.Adapter, dev int) (int64, error) {
	mi, err := a.MemInfo(dev)
	if err != nil {
		return 0, fmt.Errorf("mem info: %w", err)
	}
	return s.Profile(mi)
}

// External adopts budget b rounded down to the page size.
func (s Sizer) External(b int64) (int64, error) {
	tokens := b / s.page() * s.page()
	if tokens <= 0 {
		return 0, fmt.Errorf("%w: external budget %d below page size %d", ErrOutOfMemory, b, s.page())
	}
	return tokens, nil
}

// MaxNumReqsFor is the configured slot count or one derived from capacity.
func (s Sizer) MaxNumReqsFor(tokens int64) int {
	if s.MaxNumReqs > 0 {
		return s.MaxNumReqs
	}
	n := int(float64(tokens) / float64(s.Model.ContextLen) * reqsPerContext)
	return min(max(n, minAutoReqs), maxAutoReqs)
}

// MaxReqInputLen is the longest prompt a pool of tokens can accept.
func (s Sizer) MaxReqInputLen(tokens int64) int64 {
	return min(int64(s.Model.ContextLen)-1, tokens-1) - inputLenReserve
}

// Pool is a sized KV pool with its request table.
type Pool struct {
	Capacity       int64
	MaxNumReqs     int
	MaxReqInputLen int64
	KV             *kvcache.TokenPool
	ReqToToken     *kvcache.ReqToTokenPool
}

// NewPool allocates both pools for capacity tokens. Pass model.Placeholders
// to build a pool that will be bound to imported slabs.
func (s Sizer) NewPool(capacity int64, dev int, alloc model.AllocFunc) (*Pool, error) {
	mril := s.MaxReqInputLen(capacity)
	if mril <= 0 {
		return nil, fmt.Errorf("%w: %d tokens leave no room for a request", ErrOutOfMemory, capacity)
	}
	reqs := s.MaxNumReqsFor(capacity)
	kv, err := kvcache.New(s.Model, capacity, s.KVDType, dev, alloc)
	if err != nil {
		return nil, err
	}
	rt, err := kvcache.NewReqToTokenPool(reqs, s.Model.ContextLen, dev, alloc)
	if err != nil {
		return nil, err
	}
	return &Pool{Capacity: capacity, MaxNumReqs: reqs, MaxReqInputLen: mril, KV: kv, ReqToToken: rt}, nil
}

package ipc

import (
	"fmt"

	"github.com/rs/zerolog"

	"semipd/internal/device"
	"semipd/internal/mempool"
	"semipd/internal/model"
	"semipd/internal/tensor"
)

type exporter struct {
	a    device.Adapter
	tree *model.Tree
	log  zerolog.Logger
	seen map[device.Handle]string
}

// Export builds the bundle for rank from a materialized tree and pool.
// Zero-element tensors are recorded as device.Bypass and never reach the
// adapter. Handles equal to an earlier entry are logged, not merged.
func Export(a device.Adapter, tree *model.Tree, pool *mempool.Pool, rank int, log zerolog.Logger) (*Bundle, error) {
	ex := &exporter{a: a, tree: tree, log: log, seen: map[device.Handle]string{}}
	b := newBundle(rank)

	for _, n := range tree.Parameters() {
		h, err := ex.named("weight", n)
		if err != nil {
			return nil, err
		}
		b.Params[n.Name] = n.Tensor.Descriptor()
		b.WeightHandles[n.Name] = h
	}
	for _, n := range tree.Buffers() {
		h, err := ex.named("buffer", n)
		if err != nil {
			return nil, err
		}
		b.Params[n.Name] = n.Tensor.Descriptor()
		b.BufferHandles[n.Name] = h
	}

	b.KVLayout = pool.KV.Layout()
	b.KVInfo = pool.KV.Info()
	for r, row := range pool.KV.Slabs() {
		hs := make([]device.Handle, len(row))
		for l, t := range row {
			h, err := ex.named("kv", model.Named{Name: fmt.Sprintf("kv.%d.%d", r, l), Tensor: t})
			if err != nil {
				return nil, err
			}
			hs[l] = h
		}
		b.KVHandles = append(b.KVHandles, hs)
	}

	h, err := ex.named("req_to_token", model.Named{Name: "req_to_token", Tensor: pool.ReqToToken.Table()})
	if err != nil {
		return nil, err
	}
	b.ReqToTokenHandle = h
	b.ReqToTokenInfo = pool.ReqToToken.Info()
	b.MaxTotalNumTokens = pool.Capacity
	if al := tree.Aliases(); len(al) > 0 {
		b.Aliases = al
	}

	log.Info().Str("event", "bundle_exported").Int("rank", rank).
		Int("entries", b.Count()).Int64("max_total_num_tokens", b.MaxTotalNumTokens).
		Str("kv_layout", string(b.KVLayout)).Msg("ipc bundle built")
	return b, nil
}

func (ex *exporter) named(kind string, n model.Named) (device.Handle, error) {
	t := n.Tensor
	if t == nil {
		return device.Handle{}, fmt.Errorf("%w: %s has no tensor", ErrMissingEntry, n.Name)
	}
	if t.Numel() == 0 {
		tensorsExported.WithLabelValues("bypass").Inc()
		return device.Bypass, nil
	}
	if got := int64(len(t.Bytes())); got != t.Nbytes() {
		return device.Handle{}, &SizeMismatchError{Name: n.Name, Expected: t.Nbytes(), Actual: got}
	}
	h, err := ex.a.Export(t)
	if err != nil {
		return device.Handle{}, fmt.Errorf("export %s: %w", n.Name, err)
	}
	tensorsExported.WithLabelValues(kind).Inc()

	if first, dup := ex.seen[h]; dup {
		if ex.tree.Tied(n.Name, first) {
			duplicateHandles.WithLabelValues("true").Inc()
			ex.log.Debug().Str("event", "handle_duplicate").Str("name", n.Name).Str("first", first).
				Msg("tied tensors share a handle")
		} else {
			duplicateHandles.WithLabelValues("false").Inc()
			ex.log.Warn().Str("event", "handle_duplicate").Str("name", n.Name).Str("first", first).
				Str("handle", h.String()).Msg("undeclared duplicate handle")
		}
		return h, nil
	}
	ex.seen[h] = n.Name
	return h, nil
}

// transposedLeaf names the absorbed projection buffers that a peer reads
// with their last two dimensions swapped.
func transposedLeaf(name string) bool {
	switch model.Leaf(name) {
	case "w_kc", "w_vc":
		return true
	}
	return false
}

func descriptorsEqual(a, b tensor.Descriptor) bool {
	if a.DType != b.DType || len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

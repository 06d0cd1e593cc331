package ipc

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"semipd/internal/device"
	"semipd/internal/mempool"
	"semipd/internal/model"
	"semipd/internal/tensor"
)

// Import rebinds every tensor of tree and pool to views of the regions b
// describes. It returns only after all entries are bound; any error leaves
// the process unfit to serve and must fail its readiness.
func Import(a device.Adapter, tree *model.Tree, pool *mempool.Pool, b *Bundle, log zerolog.Logger) error {
	if b.MaxTotalNumTokens != pool.Capacity {
		return fmt.Errorf("%w: bundle %d tokens, local pool %d", ErrCapacityMismatch, b.MaxTotalNumTokens, pool.Capacity)
	}
	if b.KVLayout != pool.KV.Layout() || !descriptorsEqual(b.KVInfo, pool.KV.Info()) {
		return fmt.Errorf("%w: bundle %s %s, local %s %s", ErrLayoutMismatch, b.KVLayout, b.KVInfo, pool.KV.Layout(), pool.KV.Info())
	}

	if err := checkConsumed(tree, b); err != nil {
		return err
	}
	for _, n := range tree.Parameters() {
		if err := rebindNamed(a, tree, b, n.Name, b.WeightHandles, "weight"); err != nil {
			return err
		}
	}
	for _, n := range tree.Buffers() {
		if err := rebindNamed(a, tree, b, n.Name, b.BufferHandles, "buffer"); err != nil {
			return err
		}
	}

	slabs := make([][]*tensor.Tensor, len(b.KVHandles))
	for r, row := range b.KVHandles {
		slabs[r] = make([]*tensor.Tensor, len(row))
		for l, h := range row {
			t, err := rebuild(a, fmt.Sprintf("kv.%d.%d", r, l), h, b.KVInfo, false)
			if err != nil {
				return err
			}
			slabs[r][l] = t
			tensorsImported.WithLabelValues("kv").Inc()
		}
	}
	if err := pool.KV.SetSlabs(slabs); err != nil {
		return fmt.Errorf("bind kv slabs: %w", err)
	}

	rt, err := rebuild(a, "req_to_token", b.ReqToTokenHandle, b.ReqToTokenInfo, false)
	if err != nil {
		return err
	}
	if err := pool.ReqToToken.SetTable(rt); err != nil {
		return fmt.Errorf("bind req_to_token: %w", err)
	}
	tensorsImported.WithLabelValues("req_to_token").Inc()

	tree.DeclareAliases(b.Aliases)
	log.Info().Str("event", "bundle_imported").Int("rank", b.Rank).Int("entries", b.Count()).
		Int64("max_total_num_tokens", pool.Capacity).Msg("ipc bundle rebound")
	return nil
}

func rebindNamed(a device.Adapter, tree *model.Tree, b *Bundle, name string, handles map[string]device.Handle, kind string) error {
	h, ok := handles[name]
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrMissingEntry, kind, name)
	}
	desc, ok := b.Params[name]
	if !ok {
		return fmt.Errorf("%w: descriptor for %s", ErrMissingEntry, name)
	}
	if want, ok := tree.Declared(name); ok && !descriptorsEqual(desc, want) {
		return &SizeMismatchError{Name: name, Expected: want.Nbytes(), Actual: desc.Nbytes(),
			Err: fmt.Errorf("%w: bundle %s, declared %s", tensor.ErrShapeMismatch, desc, want)}
	}
	t, err := rebuild(a, name, h, desc, kind == "buffer" && transposedLeaf(name))
	if err != nil {
		return err
	}
	if err := tree.Rebind(name, t); err != nil {
		return err
	}
	if h.IsBypass() {
		kind = "bypass"
	}
	tensorsImported.WithLabelValues(kind).Inc()
	return nil
}

// checkConsumed rejects bundle entries that name no local slot.
func checkConsumed(tree *model.Tree, b *Bundle) error {
	ix, err := tree.Index()
	if err != nil {
		return err
	}
	for _, m := range []map[string]device.Handle{b.WeightHandles, b.BufferHandles} {
		for name := range m {
			if _, ok := ix.Slot(name); !ok {
				return fmt.Errorf("%w: %s", ErrUnexpectedEntry, name)
			}
		}
	}
	for name := range b.Params {
		if _, ok := ix.Slot(name); !ok {
			return fmt.Errorf("%w: descriptor %s", ErrUnexpectedEntry, name)
		}
	}
	return nil
}

// rebuild turns one handle into a view shaped by desc. Bypass entries become
// fresh empty tensors without touching the adapter.
func rebuild(a device.Adapter, name string, h device.Handle, desc tensor.Descriptor, transposed bool) (*tensor.Tensor, error) {
	want := desc.Nbytes()
	if h.IsBypass() {
		if desc.Numel() != 0 {
			return nil, &SizeMismatchError{Name: name, Expected: want, Actual: 0, Err: ErrBypassNotEmpty}
		}
		return tensor.Empty(desc.DType, desc.Device, desc.Shape...), nil
	}
	if desc.Numel() == 0 {
		return nil, &SizeMismatchError{Name: name, Expected: 0, Actual: -1, Err: ErrEmptyNotBypass}
	}
	flat, err := a.Import(h, desc.Numel(), desc.DType, desc.Device)
	if err != nil {
		if errors.Is(err, tensor.ErrOutOfRange) || errors.Is(err, device.ErrSpanMismatch) {
			return nil, &SizeMismatchError{Name: name, Expected: want, Actual: -1, Err: err}
		}
		return nil, fmt.Errorf("import %s: %w", name, err)
	}
	view, err := flat.View(desc.Shape...)
	if err != nil {
		return nil, &SizeMismatchError{Name: name, Expected: want, Actual: flat.Nbytes(), Err: err}
	}
	if transposed {
		if len(desc.Shape) < 2 {
			return nil, fmt.Errorf("import %s: transposed buffer has rank %d", name, len(desc.Shape))
		}
		return view.Transpose(-2, -1)
	}
	return view, nil
}

package ipc

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"

	"semipd/internal/device"
	"semipd/internal/dtype"
	"semipd/internal/mempool"
	"semipd/internal/model"
)

func tinyMHA() model.Config {
	return model.Config{
		Name: "tiny-mha", Arch: model.ArchMHA, DType: dtype.Float16,
		NumLayers: 2, HiddenSize: 8, IntermediateSize: 16, VocabSize: 32,
		NumHeads: 2, NumKVHeads: 1, HeadDim: 4, ContextLen: 64,
		TieWordEmbeddings: true,
	}
}

func tinyMLA() model.Config {
	return model.Config{
		Name: "tiny-mla", Arch: model.ArchMLA, DType: dtype.BFloat16,
		NumLayers: 1, HiddenSize: 8, IntermediateSize: 16, VocabSize: 32,
		NumHeads: 2, KVLoraRank: 8, QKRopeHeadDim: 4, QKNopeHeadDim: 6, VHeadDim: 4,
		ContextLen: 32,
	}
}

func sizer(m model.Config) mempool.Sizer {
	return mempool.Sizer{Model: m, KVDType: m.DType, PageSize: 1, MemFraction: 0.9, MaxNumReqs: 4, Log: zerolog.Nop()}
}

// side is one role's view of the shared state.
type side struct {
	tree *model.Tree
	pool *mempool.Pool
}

// decodeSide materializes a loaded tree and a pool of capacity tokens.
func decodeSide(t *testing.T, a device.Adapter, m model.Config, capacity int64) side {
	t.Helper()
	tree, err := model.Build(m, device.Allocator(a, 0))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := model.LoadSynthetic(tree, 1); err != nil {
		t.Fatalf("load: %v", err)
	}
	pool, err := sizer(m).NewPool(capacity, 0, device.Allocator(a, 0))
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	return side{tree: tree, pool: pool}
}

// prefillSide builds placeholders sized from the external budget.
func prefillSide(t *testing.T, m model.Config, budget int64) side {
	t.Helper()
	tree, err := model.Build(m, model.Placeholders(0))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	s := sizer(m)
	capacity, err := s.External(budget)
	if err != nil {
		t.Fatalf("external: %v", err)
	}
	pool, err := s.NewPool(capacity, 0, model.Placeholders(0))
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	return side{tree: tree, pool: pool}
}

func captureLog() (*bytes.Buffer, zerolog.Logger) {
	var buf bytes.Buffer
	return &buf, zerolog.New(&buf).Level(zerolog.DebugLevel)
}

// wire round-trips a bundle through its encoding, as the handoff queue does.
func wire(t *testing.T, b *Bundle) *Bundle {
	t.Helper()
	data, err := b.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := UnmarshalBundle(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

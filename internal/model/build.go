package model

import (
	"fmt"
	"hash/fnv"
	"strconv"

	"semipd/internal/dtype"
	"semipd/internal/tensor"
)

// AllocFunc allocates one tensor of the tree.
type AllocFunc func(dt dtype.DType, shape ...int64) (*tensor.Tensor, error)

// Placeholders allocates nothing: every tensor is a zero-element stand-in
// that an importer later rebinds to a shared view.
func Placeholders(device int) AllocFunc {
	return func(dt dtype.DType, shape ...int64) (*tensor.Tensor, error) {
		return tensor.Empty(dt, device), nil
	}
}

// Tied weight names used when TieWordEmbeddings is set.
const (
	EmbedName  = "embed_tokens.weight"
	LMHeadName = "lm_head.weight"
)

type builder struct {
	cfg   Config
	alloc AllocFunc
	err   error
}

func (b *builder) t(dt dtype.DType, shape ...int) (*tensor.Tensor, tensor.Descriptor) {
	s := make([]int64, len(shape))
	for i, d := range shape {
		s[i] = int64(d)
	}
	want := tensor.Descriptor{Shape: append([]int64(nil), s...), DType: dt}
	if b.err != nil {
		return nil, want
	}
	out, err := b.alloc(dt, s...)
	if err != nil {
		b.err = fmt.Errorf("alloc %v: %w", s, err)
		return nil, want
	}
	want.Device = out.Device()
	return out, want
}

func (b *builder) param(m *Module, name string, shape ...int) {
	t, want := b.t(b.cfg.DType, shape...)
	m.Declare(KindParameter, name, t, want)
}

func (b *builder) buffer(m *Module, name string, dt dtype.DType, shape ...int) {
	t, want := b.t(dt, shape...)
	m.Declare(KindBuffer, name, t, want)
}

func (b *builder) linear(parent *Module, name string, out, in int) *Module {
	m := parent.Child(name, NewModule())
	b.param(m, "weight", out, in)
	return m
}

func (b *builder) norm(parent *Module, name string, dim int) {
	b.param(parent.Child(name, NewModule()), "weight", dim)
}

// Build constructs the weight tree for one TP shard of cfg, allocating every
// tensor through alloc. When TieWordEmbeddings is set the lm head is tied to
// the embedding table.
func Build(cfg Config, alloc AllocFunc) (*Tree, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &builder{cfg: cfg, alloc: alloc}
	h, v := cfg.HiddenSize, cfg.VocabSize

	root := NewModule()
	b.linear(root, "embed_tokens", v, h)
	layers := root.Child("layers", NewModule())
	for i := 0; i < cfg.NumLayers; i++ {
		l := layers.Child(strconv.Itoa(i), NewModule())
		b.norm(l, "input_layernorm", h)
		attn := l.Child("self_attn", NewModule())
		switch cfg.Arch {
		case ArchMHA:
			b.mhaAttention(attn)
		case ArchMLA:
			b.mlaAttention(attn)
		}
		b.norm(l, "post_attention_layernorm", h)
		mlp := l.Child("mlp", NewModule())
		b.linear(mlp, "gate_up_proj", 2*cfg.IntermediateSize, h)
		b.linear(mlp, "down_proj", h, cfg.IntermediateSize)
	}
	b.norm(root, "norm", h)
	if cfg.TieWordEmbeddings {
		root.Child("lm_head", NewModule()).AddParameter("weight", tensor.Empty(cfg.DType, 0))
	} else {
		b.linear(root, "lm_head", v, h)
	}
	rot := cfg.HeadDim
	if cfg.Arch == ArchMLA {
		rot = cfg.QKRopeHeadDim
	}
	b.buffer(root.Child("rotary_emb", NewModule()), "cos_sin_cache", dtype.Float32, cfg.ContextLen, rot)
	if b.err != nil {
		return nil, b.err
	}

	tree := NewTree(root)
	if _, err := tree.Index(); err != nil {
		return nil, err
	}
	if cfg.TieWordEmbeddings {
		if err := tree.Tie(LMHeadName, EmbedName); err != nil {
			return nil, err
		}
	}
	return tree, nil
}

func (b *builder) mhaAttention(attn *Module) {
	c := b.cfg
	qkv := (c.NumHeads + 2*c.NumKVHeads) * c.HeadDim
	m := b.linear(attn, "qkv_proj", qkv, c.HiddenSize)
	if c.QKVBias {
		b.param(m, "bias", qkv)
	} else {
		b.param(m, "bias", 0)
	}
	b.linear(attn, "o_proj", c.HiddenSize, c.NumHeads*c.HeadDim)
}

// mlaAttention adds the latent projections plus the per-head absorbed
// projection buffers w_kc and w_vc.
func (b *builder) mlaAttention(attn *Module) {
	c := b.cfg
	b.linear(attn, "q_proj", c.NumHeads*(c.QKNopeHeadDim+c.QKRopeHeadDim), c.HiddenSize)
	b.linear(attn, "kv_a_proj_with_mqa", c.KVLoraRank+c.QKRopeHeadDim, c.HiddenSize)
	b.norm(attn, "kv_a_layernorm", c.KVLoraRank)
	b.linear(attn, "kv_b_proj", c.NumHeads*(c.QKNopeHeadDim+c.VHeadDim), c.KVLoraRank)
	b.linear(attn, "o_proj", c.HiddenSize, c.NumHeads*c.VHeadDim)
	b.buffer(attn, "w_kc", c.DType, c.NumHeads, c.QKNopeHeadDim, c.KVLoraRank)
	b.buffer(attn, "w_vc", c.DType, c.NumHeads, c.KVLoraRank, c.VHeadDim)
}

// LoadSynthetic fills every non-empty tensor with deterministic values
// derived from its name and seed. Aliases are written once through their
// target.
func LoadSynthetic(t *Tree, seed uint64) error {
	aliases := t.Aliases()
	fill := func(list []Named) error {
		for _, n := range list {
			if _, ok := aliases[n.Name]; ok || n.Tensor == nil || n.Tensor.Numel() == 0 {
				continue
			}
			base := nameSeed(n.Name, seed)
			if err := n.Tensor.Fill(func(i int64) float64 { return SyntheticValue(base, i) }); err != nil {
				return fmt.Errorf("load %s: %w", n.Name, err)
			}
		}
		return nil
	}
	if err := fill(t.Parameters()); err != nil {
		return err
	}
	return fill(t.Buffers())
}

func nameSeed(name string, seed uint64) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return h.Sum64() ^ seed
}

// SyntheticValue is a multiple of 1/32 in [-0.5, 0.5), exact in every
// floating element type of at least 8 bits of mantissa.
func SyntheticValue(base uint64, i int64) float64 {
	return float64((base+uint64(i))%31)/32 - 0.5
}

// Checksum sums every element of t in logical order. Imported views must
// reproduce the exporter's checksum exactly.
func Checksum(t *tensor.Tensor) (float64, error) {
	if t == nil || t.Numel() == 0 {
		return 0, nil
	}
	shape := t.Shape()
	idx := make([]int64, len(shape))
	var sum float64
	for i := int64(0); i < t.Numel(); i++ {
		rem := i
		for d := len(shape) - 1; d >= 0; d-- {
			idx[d] = rem % shape[d]
			rem /= shape[d]
		}
		v, err := t.Float(idx...)
		if err != nil {
			return 0, err
		}
		sum += v
	}
	return sum, nil
}

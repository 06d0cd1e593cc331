package model

import (
	"errors"
	"fmt"
	"strings"

	"semipd/internal/dtype"
)

// Arch selects the attention/KV layout of a model.
type Arch string

const (
	// ArchMHA keeps separate key and value slabs per layer.
	ArchMHA Arch = "mha"
	// ArchMLA keeps one compressed latent slab per layer.
	ArchMLA Arch = "mla"
)

// Config describes the model geometry needed to build the weight tree and to
// size the KV cache. Head counts are global; use Shard for a TP rank.
type Config struct {
	Name              string      `yaml:"name" json:"name" toml:"name"`
	Arch              Arch        `yaml:"arch" json:"arch" toml:"arch"`
	DType             dtype.DType `yaml:"dtype" json:"dtype" toml:"dtype"`
	NumLayers         int         `yaml:"num_layers" json:"num_layers" toml:"num_layers"`
	HiddenSize        int         `yaml:"hidden_size" json:"hidden_size" toml:"hidden_size"`
	IntermediateSize  int         `yaml:"intermediate_size" json:"intermediate_size" toml:"intermediate_size"`
	VocabSize         int         `yaml:"vocab_size" json:"vocab_size" toml:"vocab_size"`
	NumHeads          int         `yaml:"num_heads" json:"num_heads" toml:"num_heads"`
	NumKVHeads        int         `yaml:"num_kv_heads" json:"num_kv_heads" toml:"num_kv_heads"`
	HeadDim           int         `yaml:"head_dim" json:"head_dim" toml:"head_dim"`
	KVLoraRank        int         `yaml:"kv_lora_rank" json:"kv_lora_rank" toml:"kv_lora_rank"`
	QKRopeHeadDim     int         `yaml:"qk_rope_head_dim" json:"qk_rope_head_dim" toml:"qk_rope_head_dim"`
	QKNopeHeadDim     int         `yaml:"qk_nope_head_dim" json:"qk_nope_head_dim" toml:"qk_nope_head_dim"`
	VHeadDim          int         `yaml:"v_head_dim" json:"v_head_dim" toml:"v_head_dim"`
	ContextLen        int         `yaml:"context_len" json:"context_len" toml:"context_len"`
	TieWordEmbeddings bool        `yaml:"tie_word_embeddings" json:"tie_word_embeddings" toml:"tie_word_embeddings"`
	QKVBias           bool        `yaml:"qkv_bias" json:"qkv_bias" toml:"qkv_bias"`
}

// Validate checks the fields the selected Arch depends on.
func (c Config) Validate() error {
	var errs []string
	if !c.DType.Valid() {
		errs = append(errs, "dtype is required")
	}
	if c.NumLayers <= 0 {
		errs = append(errs, "num_layers must be > 0")
	}
	if c.HiddenSize <= 0 || c.VocabSize <= 0 || c.IntermediateSize <= 0 {
		errs = append(errs, "hidden_size, intermediate_size and vocab_size must be > 0")
	}
	if c.ContextLen <= 1 {
		errs = append(errs, "context_len must be > 1")
	}
	if c.NumHeads <= 0 {
		errs = append(errs, "num_heads must be > 0")
	}
	switch c.Arch {
	case ArchMHA:
		if c.NumKVHeads <= 0 || c.HeadDim <= 0 {
			errs = append(errs, "mha needs num_kv_heads and head_dim")
		}
	case ArchMLA:
		if c.KVLoraRank <= 0 || c.QKRopeHeadDim <= 0 || c.QKNopeHeadDim <= 0 || c.VHeadDim <= 0 {
			errs = append(errs, "mla needs kv_lora_rank, qk_rope_head_dim, qk_nope_head_dim and v_head_dim")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown arch %q", c.Arch))
	}
	if len(errs) > 0 {
		return errors.New("model config: " + strings.Join(errs, "; "))
	}
	return nil
}

// Shard returns the per-rank geometry for tensor parallel size tp. KV heads
// are replicated when there are fewer of them than ranks.
func (c Config) Shard(tp int) Config {
	if tp <= 1 {
		return c
	}
	out := c
	out.NumHeads = max(1, c.NumHeads/tp)
	out.NumKVHeads = max(1, c.NumKVHeads/tp)
	out.IntermediateSize = max(1, c.IntermediateSize/tp)
	return out
}

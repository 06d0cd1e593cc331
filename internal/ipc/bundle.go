// Package ipc exports a rank's weights, buffers, KV slabs and request table
// as device handles and rebinds them as non-owning views in a peer process.
package ipc

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"semipd/internal/device"
	"semipd/internal/model"
	"semipd/internal/tensor"
)

// Bundle carries everything a peer needs to alias one rank's state.
// Params holds descriptors for both parameters and buffers.
type Bundle struct {
	Rank              int                          `msgpack:"rank"`
	Params            map[string]tensor.Descriptor `msgpack:"params"`
	WeightHandles     map[string]device.Handle     `msgpack:"weight_handles"`
	BufferHandles     map[string]device.Handle     `msgpack:"buffer_handles"`
	KVLayout          model.Arch                   `msgpack:"kv_layout"`
	KVHandles         [][]device.Handle            `msgpack:"kv_handles"`
	KVInfo            tensor.Descriptor            `msgpack:"kv_info"`
	ReqToTokenHandle  device.Handle                `msgpack:"req_to_token_handle"`
	ReqToTokenInfo    tensor.Descriptor            `msgpack:"req_to_token_info"`
	MaxTotalNumTokens int64                        `msgpack:"max_total_num_tokens"`
	Aliases           map[string]string            `msgpack:"aliases,omitempty"`
}

func newBundle(rank int) *Bundle {
	return &Bundle{
		Rank:          rank,
		Params:        map[string]tensor.Descriptor{},
		WeightHandles: map[string]device.Handle{},
		BufferHandles: map[string]device.Handle{},
	}
}

// Marshal encodes the bundle for the handoff queue.
func (b *Bundle) Marshal() ([]byte, error) {
	data, err := msgpack.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	return data, nil
}

// UnmarshalBundle decodes a bundle produced by Marshal.
func UnmarshalBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := msgpack.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return &b, nil
}

// Count returns how many tensor entries the bundle describes.
func (b *Bundle) Count() int {
	n := len(b.WeightHandles) + len(b.BufferHandles) + 1
	for _, row := range b.KVHandles {
		n += len(row)
	}
	return n
}

// Package handoff moves one IPC bundle from a Decode worker to the Prefill
// worker of the same rank. The launcher sits in the middle: a Relay drains
// the Decode side into a one-slot buffer as soon as it is written, and
// delivers it once the Prefill worker exists.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"semipd/internal/ipc"
	"semipd/internal/wire"
)

var (
	ErrNoBundle     = errors.New("handoff queue closed without a bundle")
	ErrUnexpected   = errors.New("unexpected frame on handoff queue")
	ErrAlreadyTaken = errors.New("handoff slot already delivered")
)

// Push writes b as one frame.
func Push(w io.Writer, b *ipc.Bundle) error {
	data, err := b.Marshal()
	if err != nil {
		return err
	}
	frame, err := wire.Frame(wire.MsgBundle, uint64(b.Rank), data)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("push bundle rank %d: %w", b.Rank, err)
	}
	return nil
}

// Pop blocks until one bundle frame is read from r.
func Pop(r io.Reader) (*ipc.Bundle, error) {
	h, payload, err := readBundleFrame(r)
	if err != nil {
		return nil, err
	}
	b, err := ipc.UnmarshalBundle(payload)
	if err != nil {
		return nil, err
	}
	if uint64(b.Rank) != h.Seq {
		return nil, fmt.Errorf("%w: frame for rank %d carries bundle of rank %d", ErrUnexpected, h.Seq, b.Rank)
	}
	return b, nil
}

func readBundleFrame(r io.Reader) (wire.Header, []byte, error) {
	h, payload, err := wire.ReadMessage(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return h, nil, ErrNoBundle
		}
		return h, nil, fmt.Errorf("read handoff: %w", err)
	}
	if h.Type != wire.MsgBundle {
		return h, nil, fmt.Errorf("%w: %s", ErrUnexpected, h.Type)
	}
	return h, payload, nil
}

// Relay is the per-rank single-producer single-consumer slot.
type Relay struct {
	Rank int

	once  sync.Once
	ready chan struct{}
	mu    sync.Mutex
	frame []byte
	seq   uint64
	err   error
	taken bool
}

func NewRelay(rank int) *Relay {
	return &Relay{Rank: rank, ready: make(chan struct{})}
}

// Drain reads exactly one bundle frame from src into the slot. It never
// waits on the consumer.
func (r *Relay) Drain(src io.Reader) error {
	h, payload, err := readBundleFrame(src)
	r.mu.Lock()
	r.frame, r.seq, r.err = payload, h.Seq, err
	r.mu.Unlock()
	r.once.Do(func() { close(r.ready) })
	return err
}

// Filled reports whether the slot holds a bundle.
func (r *Relay) Filled() bool {
	select {
	case <-r.ready:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.err == nil
	default:
		return false
	}
}

// Deliver waits for the slot and writes its bundle to dst once.
func (r *Relay) Deliver(ctx context.Context, dst io.Writer) error {
	select {
	case <-r.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.mu.Lock()
	if r.err != nil {
		err := r.err
		r.mu.Unlock()
		return err
	}
	if r.taken {
		r.mu.Unlock()
		return ErrAlreadyTaken
	}
	r.taken = true
	payload, seq := r.frame, r.seq
	r.frame = nil
	r.mu.Unlock()

	frame, err := wire.Frame(wire.MsgBundle, seq, payload)
	if err != nil {
		return err
	}
	if _, err := dst.Write(frame); err != nil {
		return fmt.Errorf("deliver bundle rank %d: %w", r.Rank, err)
	}
	return nil
}

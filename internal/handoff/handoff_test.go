package handoff

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"semipd/internal/device"
	"semipd/internal/dtype"
	"semipd/internal/ipc"
	"semipd/internal/model"
	"semipd/internal/tensor"
	"semipd/internal/wire"
)

func sampleBundle(rank int) *ipc.Bundle {
	return &ipc.Bundle{
		Rank:              rank,
		WeightHandles:     map[string]device.Handle{"w": device.Bypass},
		KVLayout:          model.ArchMLA,
		KVInfo:            tensor.Descriptor{Shape: []int64{65537, 1, 576}, DType: dtype.BFloat16},
		ReqToTokenInfo:    tensor.Descriptor{Shape: []int64{9, 4100}, DType: dtype.Int32},
		MaxTotalNumTokens: 65536,
	}
}

func TestPushPop(t *testing.T) {
	var buf bytes.Buffer
	if err := Push(&buf, sampleBundle(2)); err != nil {
		t.Fatalf("push: %v", err)
	}
	b, err := Pop(&buf)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if b.Rank != 2 || b.MaxTotalNumTokens != 65536 || !b.WeightHandles["w"].IsBypass() ||
		b.KVInfo.DType != dtype.BFloat16 || b.ReqToTokenInfo.Numel() != 9*4100 {
		t.Fatalf("bundle=%+v", b)
	}
	if _, err := Pop(&buf); !errors.Is(err, ErrNoBundle) {
		t.Fatalf("expected ErrNoBundle, got %v", err)
	}
}

func TestPopRejectsOtherFrames(t *testing.T) {
	var buf bytes.Buffer
	_ = wire.WriteMessage(&buf, wire.MsgControl, 0, map[string]string{"op": "ping"})
	if _, err := Pop(&buf); !errors.Is(err, ErrUnexpected) {
		t.Fatalf("expected ErrUnexpected, got %v", err)
	}
}

// The producer finishes before any consumer exists; delivery happens later.
func TestRelayDoesNotBlockProducer(t *testing.T) {
	pr, pw := io.Pipe()
	relay := NewRelay(0)
	drained := make(chan error, 1)
	go func() { drained <- relay.Drain(pr) }()

	pushed := make(chan error, 1)
	go func() { pushed <- Push(pw, sampleBundle(0)) }()
	select {
	case err := <-pushed:
		if err != nil {
			t.Fatalf("push: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("producer blocked without a consumer")
	}
	if err := <-drained; err != nil {
		t.Fatalf("drain: %v", err)
	}
	if !relay.Filled() {
		t.Fatalf("slot should be filled")
	}

	var out bytes.Buffer
	if err := relay.Deliver(context.Background(), &out); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	b, err := Pop(&out)
	if err != nil || b.Rank != 0 {
		t.Fatalf("pop after relay: %+v %v", b, err)
	}
	if err := relay.Deliver(context.Background(), &out); !errors.Is(err, ErrAlreadyTaken) {
		t.Fatalf("second delivery: %v", err)
	}
}

func TestRelayProducerDied(t *testing.T) {
	relay := NewRelay(1)
	if err := relay.Drain(bytes.NewReader(nil)); !errors.Is(err, ErrNoBundle) {
		t.Fatalf("drain: %v", err)
	}
	if err := relay.Deliver(context.Background(), io.Discard); !errors.Is(err, ErrNoBundle) {
		t.Fatalf("deliver: %v", err)
	}
}

func TestRelayDeliverHonorsContext(t *testing.T) {
	relay := NewRelay(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := relay.Deliver(ctx, io.Discard); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"semipd/internal/config"
	"semipd/internal/control"
	"semipd/internal/device"
	"semipd/internal/dtype"
	"semipd/internal/mempool"
	"semipd/internal/model"
	"semipd/internal/readiness"
	"semipd/internal/role"
)

func testConfig() config.Config {
	c := config.Default()
	c.Model = model.Config{
		Name: "tiny", Arch: model.ArchMHA, DType: dtype.Float16,
		NumLayers: 2, HiddenSize: 8, IntermediateSize: 16, VocabSize: 32,
		NumHeads: 2, NumKVHeads: 1, HeadDim: 4, ContextLen: 64,
		TieWordEmbeddings: true,
	}
	c.MaxTotalTokens = 512
	c.MaxNumReqs = 4
	return c
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// recordingBackend notes whether tensors were bound when it was initialized.
type recordingBackend struct {
	*SyntheticBackend
	mu        sync.Mutex
	calls     []string
	boundNorm bool
}

func (b *recordingBackend) InitAttention(p *mempool.Pool) error {
	b.mu.Lock()
	b.calls = append(b.calls, "attention")
	b.mu.Unlock()
	return b.SyntheticBackend.InitAttention(p)
}

func (b *recordingBackend) InitGraphs(t *model.Tree) error {
	n, _ := t.Lookup("norm.weight")
	b.mu.Lock()
	b.calls = append(b.calls, "graphs")
	b.boundNorm = n.Numel() > 0
	b.mu.Unlock()
	return b.SyntheticBackend.InitGraphs(t)
}

// start runs Start in the background and returns the readiness report.
func start(t *testing.T, w *Worker, r io.Reader) (readiness.Message, error) {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- w.Start(context.Background()) }()
	msg, rerr := readiness.Receive(r)
	if rerr != nil {
		t.Fatalf("receive: %v", rerr)
	}
	return msg, <-errc
}

func TestDecodeThenPrefillShareWeights(t *testing.T) {
	a := device.NewMemoryAdapter(4<<20, 108)
	cfg := testConfig()
	var queue bytes.Buffer

	dr, dw := io.Pipe()
	dec, err := New(Options{
		Config: cfg, Role: role.Decode, Adapter: a, Log: zerolog.Nop(),
		Readiness: dw, HandoffOut: nopCloser{&queue},
	})
	if err != nil {
		t.Fatalf("new decode: %v", err)
	}
	msg, err := start(t, dec, dr)
	if err != nil || !msg.OK() {
		t.Fatalf("decode start: %v %+v", err, msg)
	}
	budget, ok := msg.Budget()
	if !ok || budget != 512 || msg.MaxReqInputLen != 58 {
		t.Fatalf("decode readiness=%+v", msg)
	}

	pr, pw := io.Pipe()
	be := &recordingBackend{SyntheticBackend: NewSyntheticBackend()}
	pre, err := New(Options{
		Config: cfg, Role: role.Prefill, Budget: budget, Adapter: a, Log: zerolog.Nop(),
		Readiness: pw, HandoffIn: &queue, Backend: be,
	})
	if err != nil {
		t.Fatalf("new prefill: %v", err)
	}
	msg, err = start(t, pre, pr)
	if err != nil || !msg.OK() {
		t.Fatalf("prefill start: %v %+v", err, msg)
	}
	if _, ok := msg.Budget(); ok {
		t.Fatalf("prefill must not report a budget")
	}
	if pre.Pool().Capacity != budget {
		t.Fatalf("prefill capacity=%d", pre.Pool().Capacity)
	}
	if strings.Join(be.calls, ",") != "attention,graphs" || !be.boundNorm {
		t.Fatalf("backend initialized before import: %v bound=%v", be.calls, be.boundNorm)
	}
	want := dec.opts.Backend.(*SyntheticBackend).Checksums()
	got := be.Checksums()
	if len(got) == 0 || len(got) != len(want) {
		t.Fatalf("checksums %d vs %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("%s: prefill %v decode %v", k, got[k], v)
		}
	}
}

func TestPrefillForeignBudgetFailsReadiness(t *testing.T) {
	a := device.NewMemoryAdapter(4<<20, 108)
	cfg := testConfig()
	var queue bytes.Buffer
	dr, dw := io.Pipe()
	dec, _ := New(Options{Config: cfg, Role: role.Decode, Adapter: a, Readiness: dw, HandoffOut: nopCloser{&queue}})
	if _, err := start(t, dec, dr); err != nil {
		t.Fatalf("decode: %v", err)
	}

	pr, pw := io.Pipe()
	be := &recordingBackend{SyntheticBackend: NewSyntheticBackend()}
	pre, _ := New(Options{Config: cfg, Role: role.Prefill, Budget: 256, Adapter: a, Readiness: pw, HandoffIn: &queue, Backend: be})
	msg, err := start(t, pre, pr)
	if err == nil || msg.OK() {
		t.Fatalf("expected failure, got %+v", msg)
	}
	if !strings.Contains(msg.Error, "capacity") {
		t.Fatalf("failure message=%q", msg.Error)
	}
	if len(be.calls) != 0 {
		t.Fatalf("backend touched after failed import: %v", be.calls)
	}
}

func TestDecodeOutOfMemoryFails(t *testing.T) {
	a := device.NewMemoryAdapter(16<<10, 108)
	cfg := testConfig()
	cfg.MemFractionStatic = 0.1
	r, w := io.Pipe()
	dec, err := New(Options{Config: cfg, Role: role.Decode, Adapter: a, Readiness: w, HandoffOut: nopCloser{io.Discard}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	msg, err := start(t, dec, r)
	if !errors.Is(err, mempool.ErrOutOfMemory) || msg.OK() {
		t.Fatalf("expected out of memory, got %v %+v", err, msg)
	}
}

func TestNewRejectsBadState(t *testing.T) {
	a := device.NewMemoryAdapter(1<<20, 108)
	if _, err := New(Options{Config: testConfig(), Role: role.Prefill, Adapter: a}); err == nil {
		t.Fatalf("prefill without budget accepted")
	}
	if _, err := New(Options{Config: testConfig(), Role: role.Decode, Budget: 10, Adapter: a}); err == nil {
		t.Fatalf("decode with external budget accepted")
	}
	if _, err := New(Options{Config: testConfig(), Role: role.Other}); err == nil {
		t.Fatalf("nil adapter accepted")
	}
}

func TestOtherServesControl(t *testing.T) {
	a := device.NewMemoryAdapter(4<<20, 108)
	sock := filepath.Join(t.TempDir(), "other-0.sock")
	r, w := io.Pipe()
	wk, err := New(Options{Config: testConfig(), Role: role.Other, Adapter: a, Readiness: w, Control: sock})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	msg, err := start(t, wk, r)
	if err != nil || !msg.OK() {
		t.Fatalf("start: %v %+v", err, msg)
	}
	if b, ok := msg.Budget(); ok {
		t.Fatalf("only decode reports a budget, other sent %d", b)
	}
	if wk.Pool().Capacity != 512 || msg.MaxReqInputLen != wk.Pool().MaxReqInputLen {
		t.Fatalf("other pool=%d mril=%d", wk.Pool().Capacity, msg.MaxReqInputLen)
	}
	rt := wk.Pool().ReqToToken
	if _, err := rt.Alloc(3); err != nil {
		t.Fatalf("alloc: %v", err)
	}

	served := make(chan error, 1)
	go func() { served <- wk.Serve(context.Background()) }()
	ctl, err := control.Dial(context.Background(), sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ctl.Close()
	for _, op := range []control.Op{control.OpPing, control.OpFlushCache, control.OpShutdown} {
		if err := ctl.Send(control.Message{Op: op}); err != nil {
			t.Fatalf("send %s: %v", op, err)
		}
	}
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop on shutdown")
	}
	if rt.Available() != 4 {
		t.Fatalf("flush_cache did not reset slots: %d", rt.Available())
	}
}

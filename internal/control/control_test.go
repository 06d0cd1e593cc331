package control

import (
	"bytes"
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"semipd/internal/wire"
)

type failWriter struct{ n int }

func (f *failWriter) Write(p []byte) (int, error) {
	f.n++
	return 0, errors.New("broken pipe")
}

func TestAggregatedWritesIdenticalPayload(t *testing.T) {
	var a, b, c bytes.Buffer
	agg := NewAggregated(&a, &b, &c)
	if err := agg.Send(Message{Op: OpFlushCache}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) || !bytes.Equal(b.Bytes(), c.Bytes()) || a.Len() == 0 {
		t.Fatalf("payloads differ")
	}
	_, payload, err := wire.ReadMessage(&a)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m Message
	if err := wire.DecodePayload(payload, &m); err != nil || m.Op != OpFlushCache {
		t.Fatalf("decoded %+v err=%v", m, err)
	}
}

func TestAggregatedAttemptsAllAndReportsFirstRank(t *testing.T) {
	var ok bytes.Buffer
	bad1, bad2 := &failWriter{}, &failWriter{}
	agg := NewAggregated(&ok, bad1, bad2)
	err := agg.Send(Message{Op: OpPing})
	if err == nil {
		t.Fatalf("expected error")
	}
	if want := "control ping to rank 1"; !bytes.Contains([]byte(err.Error()), []byte(want)) {
		t.Fatalf("error %q should name rank 1", err)
	}
	if bad2.n != 1 || ok.Len() == 0 {
		t.Fatalf("every sender must be attempted: ok=%d bad2=%d", ok.Len(), bad2.n)
	}
}

func TestStalledRankTimesOut(t *testing.T) {
	stalled, peer := net.Pipe()
	defer stalled.Close()
	defer peer.Close()
	live, reader := net.Pipe()
	defer live.Close()
	got := make(chan Message, 1)
	go func() {
		_, payload, err := wire.ReadMessage(reader)
		var m Message
		if err == nil {
			_ = wire.DecodePayload(payload, &m)
		}
		got <- m
	}()

	agg := NewAggregated(stalled, live)
	agg.SetWriteTimeout(100 * time.Millisecond)
	start := time.Now()
	err := agg.Send(Message{Op: OpShutdown})
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("expected a write timeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("send blocked for %s", time.Since(start))
	}
	select {
	case m := <-got:
		if m.Op != OpShutdown {
			t.Fatalf("live rank got %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("live rank never received the message")
	}
}

func TestServeDispatches(t *testing.T) {
	dir := t.TempDir()
	paths := []string{filepath.Join(dir, "r0.sock"), filepath.Join(dir, "r1.sock")}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	got := map[int][]Op{}
	done := make(chan struct{}, 4)
	for rank, p := range paths {
		ln, err := Listen(p)
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		rank := rank
		go func() {
			_ = Serve(ctx, ln, func(_ context.Context, m Message) error {
				mu.Lock()
				got[rank] = append(got[rank], m.Op)
				mu.Unlock()
				done <- struct{}{}
				return nil
			}, zerolog.Nop())
		}()
	}

	agg, err := Dial(ctx, paths...)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer agg.Close()
	if err := agg.Send(Message{Op: OpPing}); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	if err := agg.Send(Message{Op: OpShutdown}); err != nil {
		t.Fatalf("send shutdown: %v", err)
	}
	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for dispatch %d", i)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for rank := range paths {
		if len(got[rank]) != 2 || got[rank][0] != OpPing || got[rank][1] != OpShutdown {
			t.Fatalf("rank %d got %v", rank, got[rank])
		}
	}
}

package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

type ping struct {
	Name string `msgpack:"name"`
	N    int    `msgpack:"n"`
}

func TestHeaderSerialization(t *testing.T) {
	h := Header{Type: MsgControl, Seq: 42, Timestamp: 1234567890}
	buf := SerializeHeader(h)
	if len(buf) != HeaderSize {
		t.Fatalf("size=%d", len(buf))
	}
	got, err := DeserializeHeader(buf)
	if err != nil || got != h {
		t.Fatalf("got %+v err=%v", got, err)
	}
	if _, err := DeserializeHeader(buf[:HeaderSize-1]); err == nil {
		t.Fatalf("expected short buffer error")
	}
}

func TestWriteReadMessage(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, MsgReadiness, 7, ping{Name: "x", N: 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	h, payload, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if h.Type != MsgReadiness || h.Seq != 7 {
		t.Fatalf("header=%+v", h)
	}
	var p ping
	if err := DecodePayload(payload, &p); err != nil || p != (ping{Name: "x", N: 3}) {
		t.Fatalf("payload=%+v err=%v", p, err)
	}
	if _, _, err := ReadMessage(&buf); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF on empty stream, got %v", err)
	}
}

func TestTornFrame(t *testing.T) {
	frame, err := Encode(MsgBundle, 1, ping{Name: "torn"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, _, err = ReadMessage(bytes.NewReader(frame[:len(frame)-2]))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

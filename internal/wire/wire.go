// Package wire frames msgpack payloads for the launcher's pipes and control
// sockets: a fixed header, a 4-byte payload length, then the payload.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// MessageType tags a frame's payload.
type MessageType uint8

const (
	MsgBundle    MessageType = 1 // ipc bundle on a handoff queue
	MsgReadiness MessageType = 2 // worker readiness report
	MsgControl   MessageType = 3 // launcher to worker control message
)

func (t MessageType) String() string {
	switch t {
	case MsgBundle:
		return "bundle"
	case MsgReadiness:
		return "readiness"
	case MsgControl:
		return "control"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Header is the common frame header.
type Header struct {
	Type      MessageType
	Seq       uint64
	Timestamp int64 // Unix nano
}

// HeaderSize is the size of a serialized header.
const HeaderSize = 1 + 8 + 8 // type + seq + timestamp

// MaxPayload bounds a single frame. Bundles of large models carry tens of
// thousands of entries, so this is generous.
const MaxPayload = 256 << 20

var ErrFrameTooLarge = errors.New("frame exceeds maximum payload size")

func SerializeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = byte(h.Type)
	binary.BigEndian.PutUint64(buf[1:9], h.Seq)
	binary.BigEndian.PutUint64(buf[9:17], uint64(h.Timestamp))
	return buf
}

func DeserializeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, errors.New("buffer too small for header")
	}
	return Header{
		Type:      MessageType(buf[0]),
		Seq:       binary.BigEndian.Uint64(buf[1:9]),
		Timestamp: int64(binary.BigEndian.Uint64(buf[9:17])),
	}, nil
}

// Encode returns the full frame for payload so it can be written to several
// destinations unchanged.
func Encode(t MessageType, seq uint64, payload any) ([]byte, error) {
	data, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	return Frame(t, seq, data)
}

// Frame wraps an already encoded payload.
func Frame(t MessageType, seq uint64, data []byte) ([]byte, error) {
	if len(data) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	out := make([]byte, 0, HeaderSize+4+len(data))
	out = append(out, SerializeHeader(Header{Type: t, Seq: seq, Timestamp: time.Now().UnixNano()})...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(data)))
	return append(out, data...), nil
}

// WriteMessage encodes payload and writes one frame in a single Write, so
// frames up to PIPE_BUF never interleave.
func WriteMessage(w io.Writer, t MessageType, seq uint64, payload any) error {
	frame, err := Encode(t, seq, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadMessage reads one frame. A clean EOF before any header byte is
// returned as io.EOF; a torn frame as io.ErrUnexpectedEOF.
func ReadMessage(r io.Reader) (Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return Header{}, nil, err
	}
	header, err := DeserializeHeader(headerBuf)
	if err != nil {
		return Header{}, nil, err
	}
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return Header{}, nil, unexpected(err)
	}
	n := binary.BigEndian.Uint32(lenBuf)
	if n > MaxPayload {
		return Header{}, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Header{}, nil, unexpected(err)
	}
	return header, payload, nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// DecodePayload unmarshals payload into target.
func DecodePayload(data []byte, target any) error {
	return msgpack.Unmarshal(data, target)
}

// Package readiness carries the single readiness report a worker sends to
// the launcher over a one-shot pipe.
package readiness

import (
	"errors"
	"fmt"
	"io"

	"semipd/internal/role"
	"semipd/internal/wire"
)

// Status is the outcome a worker reports.
type Status string

const (
	StatusReady  Status = "ready"
	StatusFailed Status = "failed"
)

// ErrClosed means the channel closed before a message arrived, which the
// launcher treats as the death of the child.
var ErrClosed = errors.New("readiness channel closed without a message")

// Message is the readiness report. MaxTotalNumTokens is set only by a READY
// Decode worker.
type Message struct {
	Status            Status    `msgpack:"status" json:"status"`
	MaxTotalNumTokens *int64    `msgpack:"max_total_num_tokens,omitempty" json:"max_total_num_tokens,omitempty"`
	MaxReqInputLen    int64     `msgpack:"max_req_input_len" json:"max_req_input_len"`
	Rank              int       `msgpack:"rank" json:"rank"`
	Role              role.Role `msgpack:"role" json:"role"`
	Error             string    `msgpack:"error,omitempty" json:"error,omitempty"`
}

// Ready builds a READY report. budget is nil except for Decode.
func Ready(r role.Role, rank int, budget *int64, maxReqInputLen int64) Message {
	return Message{Status: StatusReady, MaxTotalNumTokens: budget, MaxReqInputLen: maxReqInputLen, Rank: rank, Role: r}
}

// Failed builds a FAILED report carrying err's text.
func Failed(r role.Role, rank int, err error) Message {
	m := Message{Status: StatusFailed, Rank: rank, Role: r}
	if err != nil {
		m.Error = err.Error()
	}
	return m
}

func (m Message) OK() bool { return m.Status == StatusReady }

// Budget returns the reported token budget, if any.
func (m Message) Budget() (int64, bool) {
	if m.MaxTotalNumTokens == nil {
		return 0, false
	}
	return *m.MaxTotalNumTokens, true
}

// Send writes m as the one and only message and closes w.
func Send(w io.WriteCloser, m Message) error {
	err := wire.WriteMessage(w, wire.MsgReadiness, uint64(m.Rank), m)
	if cerr := w.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("send readiness: %w", err)
	}
	return nil
}

// Receive blocks for the single message on r.
func Receive(r io.Reader) (Message, error) {
	h, payload, err := wire.ReadMessage(r)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, ErrClosed
		}
		return Message{}, fmt.Errorf("read readiness: %w", err)
	}
	if h.Type != wire.MsgReadiness {
		return Message{}, fmt.Errorf("read readiness: unexpected %s frame", h.Type)
	}
	var m Message
	if err := wire.DecodePayload(payload, &m); err != nil {
		return Message{}, fmt.Errorf("decode readiness: %w", err)
	}
	return m, nil
}

// Package control fans one control message out to every rank of a role and
// serves those messages inside each worker.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"semipd/internal/wire"
)

// Op is a control operation understood by workers.
type Op string

const (
	OpPing       Op = "ping"
	OpShutdown   Op = "shutdown"
	OpFlushCache Op = "flush_cache"
)

// Message is one control instruction.
type Message struct {
	Op   Op                `msgpack:"op"`
	Args map[string]string `msgpack:"args,omitempty"`
}

// DefaultWriteTimeout bounds each per-rank write of a control message.
const DefaultWriteTimeout = 2 * time.Second

// Aggregated writes the identical payload to one sender per rank. It tracks
// no acknowledgements.
type Aggregated struct {
	mu           sync.Mutex
	seq          uint64
	senders      []io.Writer
	writeTimeout time.Duration
}

// NewAggregated wraps senders; index is the rank.
func NewAggregated(senders ...io.Writer) *Aggregated {
	return &Aggregated{senders: senders, writeTimeout: DefaultWriteTimeout}
}

func (a *Aggregated) Len() int { return len(a.senders) }

// SetWriteTimeout changes the per-rank write deadline. Zero disables it.
// Only senders with a SetWriteDeadline method honour it.
func (a *Aggregated) SetWriteTimeout(d time.Duration) {
	a.mu.Lock()
	a.writeTimeout = d
	a.mu.Unlock()
}

type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

func (a *Aggregated) write(s io.Writer, frame []byte) error {
	dl, ok := s.(deadliner)
	if !ok || a.writeTimeout <= 0 {
		_, err := s.Write(frame)
		return err
	}
	if err := dl.SetWriteDeadline(time.Now().Add(a.writeTimeout)); err != nil {
		return err
	}
	_, err := s.Write(frame)
	_ = dl.SetWriteDeadline(time.Time{})
	return err
}

// Send encodes m once and writes it to every sender in rank order. All
// senders are attempted; the first failure is returned with its rank.
func (a *Aggregated) Send(m Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	frame, err := wire.Encode(wire.MsgControl, a.seq, m)
	if err != nil {
		return err
	}
	var first error
	for rank, s := range a.senders {
		if err := a.write(s, frame); err != nil && first == nil {
			first = fmt.Errorf("control %s to rank %d: %w", m.Op, rank, err)
		}
	}
	return first
}

// Close closes every sender that is an io.Closer.
func (a *Aggregated) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for _, s := range a.senders {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Dial connects to each rank's unix socket in order.
func Dial(ctx context.Context, paths ...string) (*Aggregated, error) {
	var d net.Dialer
	conns := make([]io.Writer, 0, len(paths))
	for _, p := range paths {
		c, err := d.DialContext(ctx, "unix", p)
		if err != nil {
			_ = NewAggregated(conns...).Close()
			return nil, fmt.Errorf("dial control %s: %w", p, err)
		}
		conns = append(conns, c)
	}
	return NewAggregated(conns...), nil
}

// Listen binds a unix socket at path, replacing a stale one.
func Listen(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return net.Listen("unix", path)
}

// Handler reacts to one control message.
type Handler func(ctx context.Context, m Message) error

// Serve accepts connections on ln and dispatches each decoded message to h
// until ctx is done. It closes ln on return.
func Serve(ctx context.Context, ln net.Listener, h Handler, log zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return fmt.Errorf("control accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveConn(ctx, conn, h, log)
		}()
	}
}

func serveConn(ctx context.Context, conn net.Conn, h Handler, log zerolog.Logger) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	for {
		hdr, payload, err := wire.ReadMessage(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Warn().Str("event", "control_read_error").Err(err).Msg("control connection dropped")
			}
			return
		}
		if hdr.Type != wire.MsgControl {
			log.Warn().Str("event", "control_unexpected_frame").Str("type", hdr.Type.String()).Msg("ignored frame")
			continue
		}
		var m Message
		if err := wire.DecodePayload(payload, &m); err != nil {
			log.Warn().Str("event", "control_decode_error").Err(err).Msg("ignored frame")
			continue
		}
		log.Debug().Str("event", "control_message").Str("op", string(m.Op)).Uint64("seq", hdr.Seq).Msg("control")
		if err := h(ctx, m); err != nil {
			log.Error().Str("event", "control_handler_error").Str("op", string(m.Op)).Err(err).Msg("control handler failed")
		}
	}
}

// Package worker is the body of one group member process. Depending on its
// role it owns the shared weights and KV pool (Decode), adopts them from a
// bundle (Prefill), or runs standalone (Other). It reports exactly one
// readiness message and then serves control messages until shut down.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/rs/zerolog"

	"semipd/internal/config"
	"semipd/internal/control"
	"semipd/internal/device"
	"semipd/internal/handoff"
	"semipd/internal/ipc"
	"semipd/internal/mempool"
	"semipd/internal/model"
	"semipd/internal/readiness"
	"semipd/internal/role"
)

// SMPercentEnv carries the compute share the launcher granted this process.
const SMPercentEnv = "CUDA_MPS_ACTIVE_THREAD_PERCENTAGE"

// Backend is the attention backend and graph runner of a worker. Sharing
// workers initialize it only after every tensor is bound.
type Backend interface {
	InitAttention(pool *mempool.Pool) error
	InitGraphs(tree *model.Tree) error
}

// Options describe one worker process.
type Options struct {
	Config config.Config
	Role   role.Role
	Rank   int
	GPU    int
	// Budget is the group-agreed token budget; Prefill only.
	Budget  int64
	Control string

	Readiness  io.WriteCloser
	HandoffOut io.WriteCloser // Decode
	HandoffIn  io.Reader      // Prefill

	Adapter device.Adapter
	Backend Backend
	Log     zerolog.Logger
}

// Worker holds the state built by Start.
type Worker struct {
	opts  Options
	state role.State
	log   zerolog.Logger
	sizer mempool.Sizer

	tree *model.Tree
	pool *mempool.Pool
	ln   net.Listener
}

// New validates opts and resolves the role state.
func New(opts Options) (*Worker, error) {
	st, err := role.NewState(opts.Role, opts.Budget)
	if err != nil {
		return nil, err
	}
	if opts.Adapter == nil {
		return nil, errors.New("worker: nil device adapter")
	}
	if opts.Backend == nil {
		opts.Backend = NewSyntheticBackend()
	}
	m := opts.Config.Model.Shard(opts.Config.TPSize)
	log := opts.Log.With().Str("role", opts.Role.String()).Int("rank", opts.Rank).Logger()
	return &Worker{
		opts:  opts,
		state: st,
		log:   log,
		sizer: mempool.Sizer{
			Model:          m,
			KVDType:        opts.Config.KVDType(),
			PageSize:       opts.Config.PageSize,
			MemFraction:    opts.Config.MemFractionStatic,
			MaxTotalTokens: opts.Config.MaxTotalTokens,
			MaxNumReqs:     opts.Config.MaxNumReqs,
			Log:            log,
		},
	}, nil
}

func (w *Worker) Tree() *model.Tree   { return w.tree }
func (w *Worker) Pool() *mempool.Pool { return w.pool }
func (w *Worker) State() role.State   { return w.state }

// Start performs role-specific startup and sends the readiness report.
// A local failure is reported as FAILED and returned.
func (w *Worker) Start(ctx context.Context) error {
	w.logComputeShare()
	budget, err := w.start(ctx)
	if err == nil && w.opts.Control != "" {
		w.ln, err = control.Listen(w.opts.Control)
	}
	if err != nil {
		w.log.Error().Str("event", "startup_failed").Err(err).Msg("worker failed before ready")
		if serr := readiness.Send(w.opts.Readiness, readiness.Failed(w.opts.Role, w.opts.Rank, err)); serr != nil {
			w.log.Warn().Str("event", "readiness_send").Err(serr).Msg("could not report failure")
		}
		return err
	}
	msg := readiness.Ready(w.opts.Role, w.opts.Rank, budget, w.pool.MaxReqInputLen)
	if err := readiness.Send(w.opts.Readiness, msg); err != nil {
		return err
	}
	w.log.Info().Str("event", "ready").Int64("capacity", w.pool.Capacity).
		Int64("max_req_input_len", w.pool.MaxReqInputLen).Msg("worker ready")
	return nil
}

func (w *Worker) start(ctx context.Context) (*int64, error) {
	switch st := w.state.(type) {
	case role.DecodeState:
		if err := w.materialize(); err != nil {
			return nil, err
		}
		b, err := ipc.Export(w.opts.Adapter, w.tree, w.pool, w.opts.Rank, w.log)
		if err != nil {
			return nil, err
		}
		if w.opts.HandoffOut == nil {
			return nil, errors.New("decode worker has no handoff queue")
		}
		err = handoff.Push(w.opts.HandoffOut, b)
		if cerr := w.opts.HandoffOut.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, err
		}
		w.log.Info().Str("event", "bundle_pushed").Int("entries", b.Count()).Msg("ipc bundle handed off")
		if err := w.initBackend(); err != nil {
			return nil, err
		}
		c := w.pool.Capacity
		return &c, nil

	case role.PrefillState:
		if err := w.adopt(ctx, st.Budget); err != nil {
			return nil, err
		}
		return nil, w.initBackend()

	case role.OtherState:
		if err := w.materialize(); err != nil {
			return nil, err
		}
		return nil, w.initBackend()
	}
	return nil, fmt.Errorf("worker: unhandled state %T", w.state)
}

// materialize allocates and loads weights, then profiles and allocates the
// pool from what is left.
func (w *Worker) materialize() error {
	alloc := device.Allocator(w.opts.Adapter, w.opts.GPU)
	tree, err := model.Build(w.sizer.Model, alloc)
	if err != nil {
		return fmt.Errorf("build model: %w", err)
	}
	if err := model.LoadSynthetic(tree, w.opts.Config.WeightSeed); err != nil {
		return fmt.Errorf("load weights: %w", err)
	}
	capacity, err := w.sizer.ProfileDevice(w.opts.Adapter, w.opts.GPU)
	if err != nil {
		return err
	}
	pool, err := w.sizer.NewPool(capacity, w.opts.GPU, alloc)
	if err != nil {
		return err
	}
	w.tree, w.pool = tree, pool
	return nil
}

// adopt builds placeholders sized from the external budget and binds them
// to the bundle popped from the handoff queue.
func (w *Worker) adopt(ctx context.Context, budget int64) error {
	capacity, err := w.sizer.External(budget)
	if err != nil {
		return err
	}
	ph := model.Placeholders(w.opts.GPU)
	tree, err := model.Build(w.sizer.Model, ph)
	if err != nil {
		return fmt.Errorf("build model: %w", err)
	}
	pool, err := w.sizer.NewPool(capacity, w.opts.GPU, ph)
	if err != nil {
		return err
	}
	if w.opts.HandoffIn == nil {
		return errors.New("prefill worker has no handoff queue")
	}
	type popped struct {
		b   *ipc.Bundle
		err error
	}
	ch := make(chan popped, 1)
	go func() {
		b, err := handoff.Pop(w.opts.HandoffIn)
		ch <- popped{b, err}
	}()
	var p popped
	select {
	case p = <-ch:
	case <-ctx.Done():
		return ctx.Err()
	}
	if p.err != nil {
		return p.err
	}
	if p.b.Rank != w.opts.Rank {
		return fmt.Errorf("%w: bundle for rank %d reached rank %d", handoff.ErrUnexpected, p.b.Rank, w.opts.Rank)
	}
	if err := ipc.Import(w.opts.Adapter, tree, pool, p.b, w.log); err != nil {
		return err
	}
	w.tree, w.pool = tree, pool
	return nil
}

func (w *Worker) initBackend() error {
	if err := w.opts.Backend.InitAttention(w.pool); err != nil {
		return fmt.Errorf("init attention: %w", err)
	}
	if err := w.opts.Backend.InitGraphs(w.tree); err != nil {
		return fmt.Errorf("init graphs: %w", err)
	}
	return nil
}

func (w *Worker) logComputeShare() {
	ev := w.log.Info().Str("event", "start").Int("gpu", w.opts.GPU)
	if cu, err := w.opts.Adapter.ComputeUnitCount(w.opts.GPU); err == nil {
		ev = ev.Int("compute_units", cu)
		if pct, err := strconv.Atoi(os.Getenv(SMPercentEnv)); err == nil && pct > 0 {
			ev = ev.Int("sm_percent", pct).Int("compute_units_granted", cu*pct/100)
		}
	}
	ev.Msg("worker starting")
}

// Serve handles control messages until ctx is done or a shutdown arrives.
func (w *Worker) Serve(ctx context.Context) error {
	if w.ln == nil {
		<-ctx.Done()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	return control.Serve(ctx, w.ln, func(_ context.Context, m control.Message) error {
		switch m.Op {
		case control.OpPing:
			w.log.Debug().Str("event", "ping").Msg("pong")
		case control.OpFlushCache:
			if err := w.pool.ReqToToken.Reset(); err != nil {
				return err
			}
			w.log.Info().Str("event", "flush_cache").Msg("request table cleared")
		case control.OpShutdown:
			w.log.Info().Str("event", "shutdown").Msg("shutdown requested")
			cancel()
		default:
			return fmt.Errorf("unknown control op %q", m.Op)
		}
		return nil
	}, w.log)
}

// Close releases the adapter. Decode's shared regions go with it.
func (w *Worker) Close() error {
	return w.opts.Adapter.Close()
}

// Run is New, Start and Serve in sequence.
func Run(ctx context.Context, opts Options) error {
	w, err := New(opts)
	if err != nil {
		if opts.Readiness != nil {
			_ = readiness.Send(opts.Readiness, readiness.Failed(opts.Role, opts.Rank, err))
		}
		return err
	}
	defer w.Close()
	if err := w.Start(ctx); err != nil {
		return err
	}
	return w.Serve(ctx)
}

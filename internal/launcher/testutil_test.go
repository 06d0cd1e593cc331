package launcher

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"

	"github.com/rs/zerolog"

	"semipd/internal/config"
	"semipd/internal/control"
	"semipd/internal/dtype"
	"semipd/internal/handoff"
	"semipd/internal/ipc"
	"semipd/internal/model"
	"semipd/internal/readiness"
	"semipd/internal/role"
	"semipd/internal/tensor"
)

// fakeProc is an in-process stand-in for a child.
type fakeProc struct {
	pid        int
	ignoreTerm bool

	once    sync.Once
	done    chan struct{}
	mu      sync.Mutex
	err     error
	signals []syscall.Signal
}

func newFakeProc(pid int) *fakeProc { return &fakeProc{pid: pid, done: make(chan struct{})} }

func (p *fakeProc) Pid() int              { return p.pid }
func (p *fakeProc) Done() <-chan struct{} { return p.done }
func (p *fakeProc) StderrTail() string    { return "fake stderr" }

func (p *fakeProc) ExitErr() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakeProc) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	ignore := p.ignoreTerm && sig == syscall.SIGTERM
	p.mu.Unlock()
	if !ignore {
		p.exit(errors.New("signal: " + sig.String()))
	}
	return nil
}

func (p *fakeProc) Signals() []syscall.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]syscall.Signal(nil), p.signals...)
}

func (p *fakeProc) exit(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

// script plays one child. It owns spec's pipe ends.
type script func(f *fakeSpawner, spec Spec, p *fakeProc)

type spawned struct {
	spec Spec
	proc *fakeProc
}

// fakeSpawner runs scripted children as goroutines. Budgets maps a rank to
// the budget its Decode worker reports.
type fakeSpawner struct {
	t       *testing.T
	budgets map[int]int64
	scripts func(spec Spec) script
	// stubborn marks children that ignore SIGTERM.
	stubborn func(spec Spec) bool

	mu       sync.Mutex
	children []spawned
	bundles  map[int]*ipc.Bundle
	controls map[string][]control.Op
	nextPID  int
}

func newFakeSpawner(t *testing.T) *fakeSpawner {
	return &fakeSpawner{
		t:        t,
		budgets:  map[int]int64{},
		bundles:  map[int]*ipc.Bundle{},
		controls: map[string][]control.Op{},
		nextPID:  1000,
	}
}

func (f *fakeSpawner) Spawn(_ context.Context, spec Spec) (Process, error) {
	f.mu.Lock()
	f.nextPID++
	p := newFakeProc(f.nextPID)
	p.ignoreTerm = f.stubborn != nil && f.stubborn(spec)
	f.children = append(f.children, spawned{spec: spec, proc: p})
	f.mu.Unlock()

	run := healthy
	if f.scripts != nil {
		if s := f.scripts(spec); s != nil {
			run = s
		}
	}
	go run(f, spec, p)
	return p, nil
}

func (f *fakeSpawner) all() []spawned {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]spawned(nil), f.children...)
}

func (f *fakeSpawner) byRole(label string) []spawned {
	var out []spawned
	for _, c := range f.all() {
		if c.spec.Label() == label {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeSpawner) bundle(rank int) *ipc.Bundle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bundles[rank]
}

func (f *fakeSpawner) budget(rank int) int64 {
	if b, ok := f.budgets[rank]; ok {
		return b
	}
	return 65536
}

// stubBundle is the smallest bundle that survives the handoff encoding.
func stubBundle(rank int, tokens int64) *ipc.Bundle {
	return &ipc.Bundle{
		Rank:              rank,
		KVLayout:          model.ArchMHA,
		KVInfo:            tensor.Descriptor{Shape: []int64{tokens + 1, 1, 4}, DType: dtype.BFloat16},
		ReqToTokenInfo:    tensor.Descriptor{Shape: []int64{9, 132}, DType: dtype.Int32},
		MaxTotalNumTokens: tokens,
	}
}

func closeEnds(spec Spec) {
	for _, fd := range []*os.File{spec.Readiness, spec.Handoff} {
		if fd != nil {
			_ = fd.Close()
		}
	}
}

// healthy behaves like a well-formed worker of spec's role and then runs
// until signalled or told to shut down.
func healthy(f *fakeSpawner, spec Spec, p *fakeProc) {
	defer closeEnds(spec)
	var budget *int64
	switch {
	case spec.Aux:
	case spec.Role == role.Decode:
		b := f.budget(spec.Rank)
		budget = &b
		if err := handoff.Push(spec.Handoff, stubBundle(spec.Rank, b)); err != nil {
			_ = readiness.Send(spec.Readiness, readiness.Failed(spec.Role, spec.Rank, err))
			p.exit(err)
			return
		}
	case spec.Role == role.Prefill:
		b, err := handoff.Pop(spec.Handoff)
		if err != nil {
			_ = readiness.Send(spec.Readiness, readiness.Failed(spec.Role, spec.Rank, err))
			p.exit(err)
			return
		}
		f.mu.Lock()
		f.bundles[spec.Rank] = b
		f.mu.Unlock()
	}
	if spec.Control != "" {
		ln, err := control.Listen(spec.Control)
		if err != nil {
			f.t.Errorf("listen %s: %v", spec.Control, err)
			p.exit(err)
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			<-p.done
			cancel()
		}()
		key := spec.Label() + "/" + itoa(spec.Rank)
		go control.Serve(ctx, ln, func(_ context.Context, m control.Message) error {
			f.mu.Lock()
			f.controls[key] = append(f.controls[key], m.Op)
			f.mu.Unlock()
			if m.Op == control.OpShutdown {
				p.exit(nil)
			}
			return nil
		}, zerolog.Nop())
	}
	_ = readiness.Send(spec.Readiness, readiness.Ready(spec.Role, spec.Rank, budget, 4090))
	spec.Readiness = nil
	<-p.done
}

// dies closes its readiness channel without a message and exits.
func dies(_ *fakeSpawner, spec Spec, p *fakeProc) {
	closeEnds(spec)
	p.exit(errors.New("exit status 1"))
}

// hangs never reports; it releases its pipes only when killed.
func hangs(_ *fakeSpawner, spec Spec, p *fakeProc) {
	<-p.done
	closeEnds(spec)
}

// fails reports a FAILED status.
func fails(msg string) script {
	return func(_ *fakeSpawner, spec Spec, p *fakeProc) {
		defer closeEnds(spec)
		_ = readiness.Send(spec.Readiness, readiness.Failed(spec.Role, spec.Rank, errors.New(msg)))
		spec.Readiness = nil
		p.exit(errors.New("exit status 1"))
	}
}

func itoa(i int) string {
	if i < 0 {
		return "-" + itoa(-i)
	}
	if i < 10 {
		return string(rune('0' + i))
	}
	return itoa(i/10) + string(rune('0'+i%10))
}

func testConfig(t *testing.T, tp int) config.Config {
	t.Helper()
	c := config.Default()
	c.TPSize = tp
	c.RunDir = t.TempDir()
	c.ReadinessTimeoutMS = 5000
	c.AuxReadinessTimeoutMS = 2000
	c.KillGraceMS = 200
	return c
}

func allSignalled(t *testing.T, f *fakeSpawner) {
	t.Helper()
	for _, c := range f.all() {
		select {
		case <-c.proc.Done():
		default:
			t.Fatalf("%s rank %d still alive", c.spec.Label(), c.spec.Rank)
		}
	}
}

// Package launcher spawns the Decode, Prefill and optional auxiliary
// processes of one semi-PD group, relays the IPC bundle between them, and
// enforces the readiness handshake. Any failure tears down the whole group.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"semipd/internal/config"
	"semipd/internal/control"
	"semipd/internal/device"
	"semipd/internal/handoff"
	"semipd/internal/readiness"
	"semipd/internal/role"
	"semipd/pkg/types"
)

// Member lifecycle values reported in status.
const (
	memberSpawned = "spawned"
	memberReady   = "ready"
	memberExited  = "exited"
)

// Option configures a Launcher.
type Option func(*Launcher)

func WithLogger(l zerolog.Logger) Option { return func(x *Launcher) { x.log = l } }

// WithPublisher installs an EventPublisher; nil restores the no-op default.
func WithPublisher(p EventPublisher) Option {
	return func(x *Launcher) {
		if p == nil {
			p = noopPublisher{}
		}
		x.pub = p
	}
}

// WithDevice lets the launcher log the compute units behind each SM share.
func WithDevice(a device.Adapter) Option { return func(x *Launcher) { x.dev = a } }

// Result summarizes a group that reached RUNNING.
type Result struct {
	GroupID           string
	RunDir            string
	MaxTotalNumTokens int64
	MaxReqInputLen    int64
	Ranks             []int
	Handshake         time.Duration
}

type member struct {
	spec    Spec
	proc    Process
	ready   *os.File
	status  string
	exitErr error
}

// Launcher drives one group through the handshake. It is safe for
// concurrent use; Launch may be called again after Shutdown.
type Launcher struct {
	cfg     config.Config
	spawner Spawner
	log     zerolog.Logger
	pub     EventPublisher
	dev     device.Adapter

	mu         sync.Mutex
	state      State
	groupID    string
	runDir     string
	ownRunDir  bool
	configPath string
	members    []*member
	budget     int64
	mril       int64
	lastErr    error
	started    time.Time
	handshake  time.Duration
	decodeCtl  *control.Aggregated
	prefillCtl *control.Aggregated
	stopping   bool
	exitCh     chan struct{}
}

// New returns an IDLE launcher for cfg.
func New(cfg config.Config, s Spawner, opts ...Option) *Launcher {
	l := &Launcher{
		cfg:     cfg,
		spawner: s,
		log:     zerolog.Nop(),
		pub:     noopPublisher{},
		state:   StateIdle,
		exitCh:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(l)
	}
	observeState(StateIdle)
	return l
}

// State returns the current state.
func (l *Launcher) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Err returns the error that moved the launcher to FAILED, if any.
func (l *Launcher) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// DecodeControl returns the control channel to every Decode rank, or nil
// before RUNNING.
func (l *Launcher) DecodeControl() *control.Aggregated {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.decodeCtl
}

// PrefillControl returns the control channel to every Prefill rank, or nil
// before RUNNING or when sharing is disabled.
func (l *Launcher) PrefillControl() *control.Aggregated {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.prefillCtl
}

// Ready reports whether the group is RUNNING.
func (l *Launcher) Ready() bool { return l.State() == StateRunning }

// Broadcast sends op to every Prefill rank and then every Decode rank.
func (l *Launcher) Broadcast(op control.Op) error {
	l.mu.Lock()
	if l.state != StateRunning || l.stopping {
		l.mu.Unlock()
		return ErrNotRunning
	}
	dc, pc := l.decodeCtl, l.prefillCtl
	l.mu.Unlock()
	for _, c := range []*control.Aggregated{pc, dc} {
		if c == nil {
			continue
		}
		if err := c.Send(control.Message{Op: op}); err != nil {
			return fmt.Errorf("broadcast %s: %w", op, err)
		}
	}
	l.log.Info().Str("event", "broadcast").Str("op", string(op)).Msg("control message sent")
	return nil
}

// Snapshot reports the group for the status surface.
func (l *Launcher) Snapshot() types.GroupStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := types.GroupStatus{
		State:             string(l.state),
		GroupID:           l.groupID,
		MaxTotalNumTokens: l.budget,
		MaxReqInputLen:    l.mril,
		Members:           make([]types.MemberStatus, 0, len(l.members)),
		HandshakeMS:       l.handshake.Milliseconds(),
	}
	if !l.started.IsZero() {
		st.StartedUnix = l.started.Unix()
	}
	if l.lastErr != nil {
		st.Error = l.lastErr.Error()
	}
	for _, m := range l.members {
		ms := types.MemberStatus{
			Role:      m.spec.Label(),
			Rank:      m.spec.Rank,
			GPU:       m.spec.GPU,
			PID:       m.proc.Pid(),
			SMPercent: m.spec.SMPercent,
			State:     m.status,
		}
		if m.exitErr != nil {
			ms.Error = m.exitErr.Error()
		}
		st.Members = append(st.Members, ms)
	}
	return st
}

func (l *Launcher) move(to State) error {
	l.mu.Lock()
	from := l.state
	if !canMove(from, to) {
		l.mu.Unlock()
		return fmt.Errorf("illegal launcher transition %s -> %s", from, to)
	}
	l.state = to
	gid := l.groupID
	l.mu.Unlock()
	observeState(to)
	l.log.Debug().Str("event", "state").Str("from", string(from)).Str("to", string(to)).Msg("launcher state")
	l.pub.Publish(Event{Name: "state", GroupID: gid, Fields: map[string]any{"from": string(from), "to": string(to)}})
	return nil
}

// Launch runs the full handshake and returns once the group is RUNNING.
// On any failure every spawned process group is killed before the error is
// returned and the launcher is left in FAILED.
func (l *Launcher) Launch(ctx context.Context) (Result, error) {
	l.mu.Lock()
	if l.state != StateIdle {
		l.mu.Unlock()
		return Result{}, ErrAlreadyLaunched
	}
	l.groupID = uuid.NewString()
	l.started = time.Now()
	l.members = nil
	l.lastErr = nil
	l.budget, l.mril, l.handshake = 0, 0, 0
	l.stopping = false
	l.exitCh = make(chan struct{}, 1)
	l.mu.Unlock()

	res, err := l.launch(ctx)
	if err != nil {
		l.fail(err)
		return Result{}, err
	}
	return res, nil
}

func (l *Launcher) launch(ctx context.Context) (Result, error) {
	if err := l.prepareRunDir(); err != nil {
		return Result{}, err
	}
	primary := role.Decode
	if !l.cfg.EnableSemiPD {
		primary = role.Other
	}
	ranks := l.cfg.LocalRanks()
	l.log.Info().Str("event", "launch").Str("group", l.groupID).Str("primary", primary.String()).
		Ints("ranks", ranks).Str("run_dir", l.runDir).Msg("launching group")

	if err := l.move(StateSpawningDecode); err != nil {
		return Result{}, err
	}
	relays := make(map[int]*handoff.Relay, len(ranks))
	primaries := make([]*member, 0, len(ranks))
	for _, rank := range ranks {
		rank := rank
		spec := Spec{Role: primary, Rank: rank, GPU: l.cfg.GPUID(rank), Control: l.controlPath(primary, rank)}
		if primary == role.Decode {
			spec.SMPercent = l.cfg.DecodeSMPercent
			hr, hw, err := os.Pipe()
			if err != nil {
				return Result{}, fmt.Errorf("handoff pipe rank %d: %w", rank, err)
			}
			relay := handoff.NewRelay(rank)
			relays[rank] = relay
			go func() {
				defer hr.Close()
				if err := relay.Drain(hr); err != nil {
					l.log.Warn().Str("event", "handoff_drain").Int("rank", rank).Err(err).Msg("no bundle from decode")
				}
			}()
			spec.Handoff = hw
		}
		m, err := l.spawn(ctx, spec)
		if err != nil {
			return Result{}, err
		}
		primaries = append(primaries, m)
	}

	if err := l.move(StateAwaitDecodeReady); err != nil {
		return Result{}, err
	}
	msgs, err := l.await(ctx, primaries, l.cfg.ReadinessTimeout())
	if err != nil {
		return Result{}, err
	}
	budget, mril, err := agree(primaries, msgs)
	if err != nil {
		return Result{}, err
	}
	l.mu.Lock()
	l.budget, l.mril = budget, mril
	l.mu.Unlock()
	l.log.Info().Str("event", "budget_agreed").Int64("max_total_num_tokens", budget).
		Int64("max_req_input_len", mril).Msg("decode ranks ready")

	var prefills []*member
	if primary == role.Decode {
		if err := l.alive(primaries); err != nil {
			return Result{}, err
		}
		if err := l.move(StateSpawningPrefill); err != nil {
			return Result{}, err
		}
		for _, rank := range ranks {
			rank := rank
			hr, hw, err := os.Pipe()
			if err != nil {
				return Result{}, fmt.Errorf("handoff pipe rank %d: %w", rank, err)
			}
			m, err := l.spawn(ctx, Spec{
				Role: role.Prefill, Rank: rank, GPU: l.cfg.GPUID(rank), Budget: budget,
				SMPercent: l.cfg.PrefillSMPercent, Control: l.controlPath(role.Prefill, rank), Handoff: hr,
			})
			if err != nil {
				_ = hw.Close()
				return Result{}, err
			}
			prefills = append(prefills, m)
			relay := relays[rank]
			go func() {
				defer hw.Close()
				if err := relay.Deliver(ctx, hw); err != nil {
					l.log.Warn().Str("event", "handoff_deliver").Int("rank", rank).Err(err).Msg("bundle not delivered")
				}
			}()
		}
		if err := l.move(StateAwaitPrefillReady); err != nil {
			return Result{}, err
		}
		if _, err := l.await(ctx, prefills, l.cfg.ReadinessTimeout(), primaries...); err != nil {
			return Result{}, err
		}
	}

	live := append(append([]*member(nil), primaries...), prefills...)
	if len(l.cfg.AuxCommand) > 0 {
		if err := l.move(StateSpawningAux); err != nil {
			return Result{}, err
		}
		m, err := l.spawn(ctx, Spec{Role: role.Other, Aux: true, Rank: -1, GPU: l.cfg.GPUID(ranks[0]), Command: l.cfg.AuxCommand})
		if err != nil {
			return Result{}, err
		}
		if err := l.move(StateAwaitAuxReady); err != nil {
			return Result{}, err
		}
		if _, err := l.await(ctx, []*member{m}, l.cfg.AuxReadinessTimeout(), live...); err != nil {
			return Result{}, err
		}
	}

	if err := l.alive(live); err != nil {
		return Result{}, err
	}
	dc, err := control.Dial(ctx, controlPaths(primaries)...)
	if err != nil {
		return Result{}, err
	}
	var pc *control.Aggregated
	if len(prefills) > 0 {
		if pc, err = control.Dial(ctx, controlPaths(prefills)...); err != nil {
			_ = dc.Close()
			return Result{}, err
		}
	}

	l.mu.Lock()
	l.decodeCtl, l.prefillCtl = dc, pc
	l.handshake = time.Since(l.started)
	res := Result{
		GroupID: l.groupID, RunDir: l.runDir, MaxTotalNumTokens: budget,
		MaxReqInputLen: mril, Ranks: ranks, Handshake: l.handshake,
	}
	l.mu.Unlock()
	if err := l.move(StateRunning); err != nil {
		return Result{}, err
	}
	handshakeDuration.Observe(res.Handshake.Seconds())
	l.pub.Publish(Event{Name: "running", GroupID: res.GroupID, Fields: map[string]any{"max_total_num_tokens": budget}})
	l.log.Info().Str("event", "running").Str("group", res.GroupID).Dur("handshake", res.Handshake).Msg("group running")
	return res, nil
}

// agree checks that every Decode primary reported the same budget. Baseline
// primaries carry no budget, so the agreed value stays zero.
func agree(ms []*member, msgs []readiness.Message) (int64, int64, error) {
	budgets := make(map[int]int64, len(ms))
	var mril int64 = -1
	for i, msg := range msgs {
		if mril < 0 || msg.MaxReqInputLen < mril {
			mril = msg.MaxReqInputLen
		}
		if ms[i].spec.Role != role.Decode {
			continue
		}
		b, ok := msg.Budget()
		if !ok || b <= 0 {
			return 0, 0, fmt.Errorf("%w: %s rank %d", ErrMissingBudget, ms[i].spec.Label(), ms[i].spec.Rank)
		}
		budgets[ms[i].spec.Rank] = b
	}
	var agreed int64
	for _, b := range budgets {
		if agreed == 0 {
			agreed = b
		} else if b != agreed {
			return 0, 0, &SizingDivergenceError{Budgets: budgets}
		}
	}
	return agreed, mril, nil
}

func controlPaths(ms []*member) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.spec.Control
	}
	return out
}

func (l *Launcher) controlPath(r role.Role, rank int) string {
	return filepath.Join(l.runDir, fmt.Sprintf("%s-%d.sock", r, rank))
}

func (l *Launcher) prepareRunDir() error {
	dir := l.cfg.RunDir
	own := false
	if dir == "" {
		d, err := os.MkdirTemp("", "semipd-")
		if err != nil {
			return fmt.Errorf("create run dir: %w", err)
		}
		dir, own = d, true
	} else if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	path := filepath.Join(dir, "config-"+l.groupID[:8]+".json")
	if err := config.Save(path, l.cfg); err != nil {
		return fmt.Errorf("write resolved config: %w", err)
	}
	l.mu.Lock()
	l.runDir, l.ownRunDir, l.configPath = dir, own, path
	l.mu.Unlock()
	return nil
}

// spawn creates the readiness pipe, starts the member and begins watching it.
func (l *Launcher) spawn(ctx context.Context, spec Spec) (*member, error) {
	rr, rw, err := os.Pipe()
	if err != nil {
		if spec.Handoff != nil {
			_ = spec.Handoff.Close()
		}
		return nil, fmt.Errorf("readiness pipe: %w", err)
	}
	spec.Readiness = rw
	spec.GroupID = l.groupID
	spec.ConfigPath = l.configPath
	proc, err := l.spawner.Spawn(ctx, spec)
	if err != nil {
		_ = rr.Close()
		return nil, err
	}
	spec.Readiness, spec.Handoff = nil, nil
	m := &member{spec: spec, proc: proc, ready: rr, status: memberSpawned}
	l.mu.Lock()
	l.members = append(l.members, m)
	l.mu.Unlock()
	spawnedTotal.WithLabelValues(spec.Label()).Inc()

	ev := l.log.Info().Str("event", "spawn").Str("role", spec.Label()).Int("rank", spec.Rank).
		Int("gpu", spec.GPU).Int("pid", proc.Pid()).Int("sm_percent", spec.SMPercent)
	if l.dev != nil && spec.SMPercent > 0 {
		if cu, err := l.dev.ComputeUnitCount(spec.GPU); err == nil {
			ev = ev.Int("compute_units", cu).Int("compute_units_granted", cu*spec.SMPercent/100)
		}
	}
	if spec.Budget > 0 {
		ev = ev.Int64("budget", spec.Budget)
	}
	ev.Msg("member spawned")
	l.pub.Publish(Event{Name: "spawn", GroupID: spec.GroupID, Fields: map[string]any{
		"role": spec.Label(), "rank": spec.Rank, "pid": proc.Pid(), "sm_percent": spec.SMPercent,
	}})
	go l.watch(m)
	return m, nil
}

func (l *Launcher) watch(m *member) {
	<-m.proc.Done()
	err := m.proc.ExitErr()
	l.mu.Lock()
	m.status = memberExited
	m.exitErr = err
	ch := l.exitCh
	l.mu.Unlock()
	l.log.Debug().Str("event", "exit").Str("role", m.spec.Label()).Int("rank", m.spec.Rank).
		Int("pid", m.proc.Pid()).AnErr("exit_err", err).Msg("member exited")
	select {
	case ch <- struct{}{}:
	default:
	}
}

// await reads one readiness message from every member concurrently. The
// first failure cancels the others. Members in watch already reported; if
// one of them exits meanwhile the wait ends with its death.
func (l *Launcher) await(ctx context.Context, ms []*member, timeout time.Duration, watch ...*member) ([]readiness.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	wctx, died := context.WithCancelCause(ctx)
	defer died(nil)
	for _, w := range watch {
		w := w
		go func() {
			select {
			case <-w.proc.Done():
				died(l.death(w, errExitedEarly))
			case <-wctx.Done():
			}
		}()
	}
	g, gctx := errgroup.WithContext(wctx)
	msgs := make([]readiness.Message, len(ms))
	for i, m := range ms {
		i, m := i, m
		g.Go(func() error {
			msg, err := l.receive(gctx, m, timeout)
			if err != nil {
				return err
			}
			if !msg.OK() {
				return &WorkerFailedError{Role: m.spec.Role, Rank: m.spec.Rank, Message: msg.Error}
			}
			msgs[i] = msg
			l.mu.Lock()
			m.status = memberReady
			l.mu.Unlock()
			l.log.Info().Str("event", "ready").Str("role", m.spec.Label()).Int("rank", m.spec.Rank).Msg("member ready")
			l.pub.Publish(Event{Name: "ready", GroupID: m.spec.GroupID, Fields: map[string]any{"role": m.spec.Label(), "rank": m.spec.Rank}})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if cause := context.Cause(wctx); IsChildDeath(cause) {
			return nil, cause
		}
		return nil, err
	}
	return msgs, nil
}

// alive fails with the death of the first member in ms that has exited.
func (l *Launcher) alive(ms []*member) error {
	for _, m := range ms {
		if exited(m) {
			return l.death(m, errExitedEarly)
		}
	}
	return nil
}

func (l *Launcher) receive(ctx context.Context, m *member, timeout time.Duration) (readiness.Message, error) {
	defer m.ready.Close()
	stop := context.AfterFunc(ctx, func() {
		if m.ready.SetReadDeadline(time.Now()) != nil {
			_ = m.ready.Close()
		}
	})
	defer stop()

	msg, err := readiness.Receive(m.ready)
	if err == nil {
		return msg, nil
	}
	if cerr := ctx.Err(); cerr != nil {
		if errors.Is(cerr, context.DeadlineExceeded) {
			return msg, fmt.Errorf("%w: %s rank %d silent for %s", ErrReadinessTimeout, m.spec.Label(), m.spec.Rank, timeout)
		}
		return msg, cerr
	}
	if errors.Is(err, readiness.ErrClosed) {
		return msg, l.death(m, err)
	}
	return msg, err
}

// death builds the error for a member whose channel closed or process
// exited, waiting briefly for its exit status.
func (l *Launcher) death(m *member, cause error) error {
	select {
	case <-m.proc.Done():
		if err := m.proc.ExitErr(); err != nil {
			cause = err
		}
	case <-time.After(500 * time.Millisecond):
	}
	return &ChildDeathError{Role: m.spec.Label(), Rank: m.spec.Rank, PID: m.proc.Pid(), Err: cause, Stderr: m.proc.StderrTail()}
}

func (l *Launcher) fail(err error) {
	l.mu.Lock()
	l.lastErr = err
	gid := l.groupID
	l.mu.Unlock()
	_ = l.move(StateFailed)
	failuresTotal.WithLabelValues(failureKind(err)).Inc()
	l.log.Error().Str("event", "failed").Str("group", gid).Err(err).Msg("group failed; killing all members")
	l.pub.Publish(Event{Name: "failed", GroupID: gid, Fields: map[string]any{"error": err.Error(), "kind": failureKind(err)}})
	l.killAll()
	l.closeControl()
}

// killAll sends SIGTERM to every live process group and SIGKILL to whatever
// is left after the grace period.
func (l *Launcher) killAll() {
	l.mu.Lock()
	ms := append([]*member(nil), l.members...)
	l.mu.Unlock()
	for _, m := range ms {
		if !exited(m) {
			_ = m.proc.Signal(syscall.SIGTERM)
		}
	}
	grace := l.cfg.KillGrace()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	for _, m := range ms {
		select {
		case <-m.proc.Done():
			continue
		case <-timer.C:
		}
		for _, k := range ms {
			if !exited(k) {
				l.log.Warn().Str("event", "sigkill").Str("role", k.spec.Label()).Int("rank", k.spec.Rank).
					Int("pid", k.proc.Pid()).Msg("member ignored SIGTERM")
				_ = k.proc.Signal(syscall.SIGKILL)
			}
		}
		for _, k := range ms {
			select {
			case <-k.proc.Done():
			case <-time.After(grace):
				l.log.Error().Str("event", "unreaped").Int("pid", k.proc.Pid()).Msg("member survived SIGKILL")
			}
		}
		return
	}
}

func exited(m *member) bool {
	select {
	case <-m.proc.Done():
		return true
	default:
		return false
	}
}

func (l *Launcher) closeControl() {
	l.mu.Lock()
	dc, pc := l.decodeCtl, l.prefillCtl
	l.decodeCtl, l.prefillCtl = nil, nil
	l.mu.Unlock()
	for _, c := range []*control.Aggregated{pc, dc} {
		if c != nil {
			_ = c.Close()
		}
	}
}

// Wait blocks while the group runs. The exit of any member is fatal: the
// rest are killed and a ChildDeathError is returned. Wait returns nil once
// Shutdown has been called.
func (l *Launcher) Wait(ctx context.Context) error {
	l.mu.Lock()
	if l.stopping {
		l.mu.Unlock()
		return nil
	}
	if l.state != StateRunning {
		l.mu.Unlock()
		return ErrNotRunning
	}
	ch := l.exitCh
	l.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
		l.mu.Lock()
		if l.stopping {
			l.mu.Unlock()
			return nil
		}
		var dead *member
		for _, m := range l.members {
			if m.status == memberExited {
				dead = m
				break
			}
		}
		l.mu.Unlock()
		if dead == nil {
			continue
		}
		err := &ChildDeathError{Role: dead.spec.Label(), Rank: dead.spec.Rank, PID: dead.proc.Pid(),
			Err: dead.proc.ExitErr(), Stderr: dead.proc.StderrTail()}
		l.fail(err)
		return err
	}
}

// Shutdown asks every worker to stop over its control channel, Prefill
// first, then kills whatever is still alive and returns to IDLE.
func (l *Launcher) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	if l.state == StateIdle {
		l.mu.Unlock()
		return nil
	}
	l.stopping = true
	dc, pc := l.decodeCtl, l.prefillCtl
	ms := append([]*member(nil), l.members...)
	gid := l.groupID
	ch := l.exitCh
	l.mu.Unlock()
	select {
	case ch <- struct{}{}:
	default:
	}

	for _, c := range []*control.Aggregated{pc, dc} {
		if c == nil {
			continue
		}
		if err := c.Send(control.Message{Op: control.OpShutdown}); err != nil {
			l.log.Warn().Str("event", "shutdown_send").Err(err).Msg("control broadcast incomplete")
		}
	}
	timer := time.NewTimer(l.cfg.KillGrace())
	defer timer.Stop()
wait:
	for _, m := range ms {
		select {
		case <-m.proc.Done():
		case <-timer.C:
			break wait
		case <-ctx.Done():
			break wait
		}
	}
	l.killAll()
	l.closeControl()

	l.mu.Lock()
	dir, own := l.runDir, l.ownRunDir
	l.mu.Unlock()
	if own && dir != "" {
		_ = os.RemoveAll(dir)
	}
	if err := l.move(StateIdle); err != nil {
		return err
	}
	l.log.Info().Str("event", "shutdown").Str("group", gid).Msg("group stopped")
	l.pub.Publish(Event{Name: "shutdown", GroupID: gid})
	return ctx.Err()
}

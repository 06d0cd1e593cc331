//go:build linux || darwin

package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// DefaultStderrTail bounds the stderr kept per member for diagnostics.
const DefaultStderrTail = 4096

// ExecSpawner re-executes a binary as `<Binary> <Args...> worker ...` with
// the readiness pipe on fd 3 and the handoff pipe on fd 4. Each child runs
// in its own process group.
type ExecSpawner struct {
	// Binary defaults to the running executable.
	Binary string
	// Args are inserted before the worker subcommand.
	Args []string
	// Env is appended to the inherited environment.
	Env []string
	// Stderr, if set, also receives every child's stderr.
	Stderr     io.Writer
	StderrTail int
	Log        zerolog.Logger
}

func (s *ExecSpawner) command(spec Spec) (string, []string, error) {
	if len(spec.Command) > 0 {
		return spec.Command[0], spec.Command[1:], nil
	}
	bin := s.Binary
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return "", nil, fmt.Errorf("resolve executable: %w", err)
		}
		bin = exe
	}
	args := append(append([]string(nil), s.Args...),
		"worker",
		"--config", spec.ConfigPath,
		"--role", spec.Role.String(),
		"--rank", strconv.Itoa(spec.Rank),
		"--gpu", strconv.Itoa(spec.GPU),
		"--group", spec.GroupID,
	)
	if spec.Budget > 0 {
		args = append(args, "--budget", strconv.FormatInt(spec.Budget, 10))
	}
	if spec.Control != "" {
		args = append(args, "--control", spec.Control)
	}
	return bin, args, nil
}

// Spawn starts the member. The SM percentage is exported only into the
// child's environment.
func (s *ExecSpawner) Spawn(_ context.Context, spec Spec) (Process, error) {
	defer closeChildEnds(spec)
	bin, args, err := s.command(spec)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(bin, args...)
	cmd.Env = append(os.Environ(), s.Env...)
	if spec.SMPercent > 0 {
		cmd.Env = append(cmd.Env, "CUDA_MPS_ACTIVE_THREAD_PERCENTAGE="+strconv.Itoa(spec.SMPercent))
	}
	cmd.Env = append(cmd.Env, "SEMIPD_GROUP_ID="+spec.GroupID)
	if spec.Readiness != nil {
		cmd.ExtraFiles = append(cmd.ExtraFiles, spec.Readiness)
		if spec.Handoff != nil {
			cmd.ExtraFiles = append(cmd.ExtraFiles, spec.Handoff)
		}
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	n := s.StderrTail
	if n <= 0 {
		n = DefaultStderrTail
	}
	tail := newTailBuffer(n)
	cmd.Stderr = tail
	if s.Stderr != nil {
		cmd.Stderr = io.MultiWriter(tail, s.Stderr)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s rank %d: %w", spec.Label(), spec.Rank, err)
	}
	p := &execProcess{cmd: cmd, tail: tail, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	s.Log.Debug().Str("event", "exec").Str("role", spec.Label()).Int("rank", spec.Rank).
		Int("pid", cmd.Process.Pid).Str("bin", bin).Strs("args", args).Msg("child started")
	return p, nil
}

func closeChildEnds(spec Spec) {
	if spec.Readiness != nil {
		_ = spec.Readiness.Close()
	}
	if spec.Handoff != nil {
		_ = spec.Handoff.Close()
	}
}

type execProcess struct {
	cmd  *exec.Cmd
	tail *tailBuffer
	done chan struct{}
	err  error
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }
func (p *execProcess) StderrTail() string    { return p.tail.String() }

func (p *execProcess) ExitErr() error {
	<-p.done
	return p.err
}

// Signal targets the process group the child leads.
func (p *execProcess) Signal(sig syscall.Signal) error {
	err := unix.Kill(-p.cmd.Process.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

package launcher

import (
	"context"
	"os"
	"sync"
	"syscall"

	"semipd/internal/role"
)

// AuxRole labels the optional auxiliary member in events and status.
const AuxRole = "aux"

// Spec describes one member to spawn.
//
// Spawn takes ownership of Readiness and Handoff: they are the child's ends
// of the pipes and must be closed once the child holds them.
type Spec struct {
	Role       role.Role
	Aux        bool
	Rank       int
	GPU        int
	Budget     int64
	SMPercent  int
	GroupID    string
	ConfigPath string
	Control    string
	// Command replaces the worker re-exec for the auxiliary member.
	Command []string

	Readiness *os.File
	Handoff   *os.File
}

// Label is the role name used in logs, events and status.
func (s Spec) Label() string {
	if s.Aux {
		return AuxRole
	}
	return s.Role.String()
}

// Process is a spawned member.
type Process interface {
	Pid() int
	// Signal delivers sig to the member's whole process group.
	Signal(sig syscall.Signal) error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// ExitErr is valid after Done is closed.
	ExitErr() error
	// StderrTail returns the last bytes the process wrote to stderr.
	StderrTail() string
}

// Spawner starts members.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Process, error)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer { return &tailBuffer{max: max} }

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

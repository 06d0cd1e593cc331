package launcher

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"semipd/internal/role"
)

var (
	// ErrReadinessTimeout means a member did not report within its window.
	ErrReadinessTimeout = errors.New("readiness timeout")
	// ErrMissingBudget means a Decode rank reported READY without a budget.
	ErrMissingBudget = errors.New("decode readiness carried no token budget")
	// ErrAlreadyLaunched is returned by Launch outside IDLE.
	ErrAlreadyLaunched = errors.New("launcher is not idle")
	// ErrNotRunning is returned by Wait outside RUNNING.
	ErrNotRunning = errors.New("launcher is not running")

	errExitedEarly = errors.New("exited after reporting ready")
)

// SizingDivergenceError reports Decode ranks that disagree on the budget.
type SizingDivergenceError struct {
	Budgets map[int]int64
}

func (e *SizingDivergenceError) Error() string {
	ranks := make([]int, 0, len(e.Budgets))
	for r := range e.Budgets {
		ranks = append(ranks, r)
	}
	sort.Ints(ranks)
	parts := make([]string, len(ranks))
	for i, r := range ranks {
		parts[i] = fmt.Sprintf("rank %d=%d", r, e.Budgets[r])
	}
	return "decode ranks disagree on max_total_num_tokens: " + strings.Join(parts, ", ")
}

// IsSizingDivergence reports whether err is or wraps a SizingDivergenceError.
func IsSizingDivergence(err error) bool {
	var e *SizingDivergenceError
	return errors.As(err, &e)
}

// ChildDeathError reports a member that went away: its readiness channel
// closed without a message or the process exited while RUNNING.
type ChildDeathError struct {
	Role   string
	Rank   int
	PID    int
	Err    error
	Stderr string
}

func (e *ChildDeathError) Error() string {
	msg := fmt.Sprintf("%s rank %d (pid %d) died", e.Role, e.Rank, e.PID)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += "; stderr tail: " + e.Stderr
	}
	return msg
}

func (e *ChildDeathError) Unwrap() error { return e.Err }

// IsChildDeath reports whether err is or wraps a ChildDeathError.
func IsChildDeath(err error) bool {
	var e *ChildDeathError
	return errors.As(err, &e)
}

// WorkerFailedError carries a FAILED readiness report.
type WorkerFailedError struct {
	Role    role.Role
	Rank    int
	Message string
}

func (e *WorkerFailedError) Error() string {
	return fmt.Sprintf("%s rank %d reported failure: %s", e.Role, e.Rank, e.Message)
}

// failureKind labels err for the failures metric.
func failureKind(err error) string {
	var wf *WorkerFailedError
	switch {
	case IsSizingDivergence(err):
		return "sizing_divergence"
	case errors.Is(err, ErrReadinessTimeout):
		return "readiness_timeout"
	case IsChildDeath(err):
		return "child_death"
	case errors.As(err, &wf):
		return "worker_failed"
	case errors.Is(err, ErrMissingBudget):
		return "missing_budget"
	default:
		return "other"
	}
}

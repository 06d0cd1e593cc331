// Package role names the instance roles of a disaggregated group and the
// role-specific state each carries.
package role

import (
	"fmt"
	"strings"
)

// Role is the instance role of a worker process.
type Role string

const (
	Decode  Role = "decode"
	Prefill Role = "prefill"
	Other   Role = "other"
)

func Parse(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case Decode, Prefill, Other:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

func (r Role) String() string { return string(r) }

// SharesMemory reports whether the role takes part in weight and KV sharing.
func (r Role) SharesMemory() bool { return r == Decode || r == Prefill }

// State is the role-tagged startup state of a worker. Exactly one of
// DecodeState, PrefillState or OtherState.
type State interface {
	Role() Role
	state()
}

// DecodeState owns device memory and profiles its own budget.
type DecodeState struct{}

// PrefillState adopts the group-agreed token budget.
type PrefillState struct {
	Budget int64
}

// OtherState is the non-disaggregated baseline.
type OtherState struct{}

func (DecodeState) Role() Role  { return Decode }
func (PrefillState) Role() Role { return Prefill }
func (OtherState) Role() Role   { return Other }

func (DecodeState) state()  {}
func (PrefillState) state() {}
func (OtherState) state()   {}

// NewState builds the state for r. budget is required for Prefill and
// rejected elsewhere.
func NewState(r Role, budget int64) (State, error) {
	switch r {
	case Decode:
		if budget != 0 {
			return nil, fmt.Errorf("decode role profiles its own budget; got external %d", budget)
		}
		return DecodeState{}, nil
	case Prefill:
		if budget <= 0 {
			return nil, fmt.Errorf("prefill role requires a positive external budget, got %d", budget)
		}
		return PrefillState{Budget: budget}, nil
	case Other:
		if budget != 0 {
			return nil, fmt.Errorf("other role does not take an external budget")
		}
		return OtherState{}, nil
	}
	return nil, fmt.Errorf("unknown role %q", r)
}

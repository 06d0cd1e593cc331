package launcher

// State is the launcher's position in the group handshake. FAILED is
// reachable from every state.
type State string

const (
	StateIdle              State = "IDLE"
	StateSpawningDecode    State = "SPAWNING_DECODE"
	StateAwaitDecodeReady  State = "AWAIT_DECODE_READY"
	StateSpawningPrefill   State = "SPAWNING_PREFILL"
	StateAwaitPrefillReady State = "AWAIT_PREFILL_READY"
	StateSpawningAux       State = "SPAWNING_AUX"
	StateAwaitAuxReady     State = "AWAIT_AUX_READY"
	StateRunning           State = "RUNNING"
	StateFailed            State = "FAILED"
)

var allStates = []State{
	StateIdle, StateSpawningDecode, StateAwaitDecodeReady,
	StateSpawningPrefill, StateAwaitPrefillReady,
	StateSpawningAux, StateAwaitAuxReady, StateRunning, StateFailed,
}

// next lists the forward edges of the handshake.
var next = map[State][]State{
	StateIdle:              {StateSpawningDecode},
	StateSpawningDecode:    {StateAwaitDecodeReady},
	StateAwaitDecodeReady:  {StateSpawningPrefill, StateSpawningAux, StateRunning},
	StateSpawningPrefill:   {StateAwaitPrefillReady},
	StateAwaitPrefillReady: {StateSpawningAux, StateRunning},
	StateSpawningAux:       {StateAwaitAuxReady},
	StateAwaitAuxReady:     {StateRunning},
	StateRunning:           {StateIdle},
	StateFailed:            {StateIdle},
}

func (s State) String() string { return string(s) }

// canMove reports whether from→to is a legal transition.
func canMove(from, to State) bool {
	if to == StateFailed {
		return true
	}
	for _, n := range next[from] {
		if n == to {
			return true
		}
	}
	return false
}

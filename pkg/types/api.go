package types

// MemberStatus describes one process of a launched group for /status.
type MemberStatus struct {
	// Role of the process: decode, prefill, other or aux.
	// example: decode
	Role string `json:"role" example:"decode"`
	// Tensor-parallel rank; -1 for the auxiliary process.
	// example: 0
	Rank int `json:"rank" example:"0"`
	// Device ordinal the process was bound to.
	// example: 0
	GPU int `json:"gpu" example:"0"`
	// Process ID.
	// example: 12345
	PID int `json:"pid,omitempty" example:"12345"`
	// Share of compute units granted to the process, in percent.
	// example: 80
	SMPercent int `json:"sm_percent,omitempty" example:"80"`
	// Lifecycle of the process: spawned, ready or exited.
	// example: ready
	State string `json:"state" example:"ready"`
	// Exit error, if the process exited.
	Error string `json:"error,omitempty"`
}

// GroupStatus is returned by GET /status.
type GroupStatus struct {
	// Launcher state machine position.
	// example: RUNNING
	State string `json:"state" example:"RUNNING"`
	// Identifier of the launched group.
	GroupID string `json:"group_id,omitempty"`
	// Token budget agreed by every Decode rank.
	// example: 65536
	MaxTotalNumTokens int64 `json:"max_total_num_tokens,omitempty" example:"65536"`
	// Longest admissible request input.
	// example: 4090
	MaxReqInputLen int64 `json:"max_req_input_len,omitempty" example:"4090"`
	// Members of the group in spawn order.
	Members []MemberStatus `json:"members"`
	// Failure that moved the launcher to FAILED, if any.
	Error string `json:"error,omitempty"`
	// Launch start time in unix seconds.
	StartedUnix int64 `json:"started_unix,omitempty"`
	// Handshake duration in milliseconds, once RUNNING.
	HandshakeMS int64 `json:"handshake_ms,omitempty"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: not running
	Error string `json:"error" example:"not running"`
	// HTTP status code.
	// example: 503
	Code int `json:"code" example:"503"`
}

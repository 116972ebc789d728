package protocol

// ShellFrameType tags a message on the shell transport. Data frames
// carry terminal bytes; everything else is out-of-band control.
type ShellFrameType string

const (
	// FrameOpen asks the client to allocate a PTY for a new session.
	FrameOpen ShellFrameType = "open"
	// FrameOpened confirms the client's PTY is running.
	FrameOpened ShellFrameType = "opened"
	// FrameInput carries admin keystrokes toward the PTY.
	FrameInput ShellFrameType = "input"
	// FrameOutput carries PTY output toward the admin.
	FrameOutput ShellFrameType = "output"
	// FrameResize propagates a terminal geometry change.
	FrameResize ShellFrameType = "resize"
	// FrameClose tears a session down; Reason says why.
	FrameClose ShellFrameType = "close"
	// FrameError reports a session-scoped failure.
	FrameError ShellFrameType = "error"
)

// Close reasons carried on FrameClose.
const (
	CloseReasonAdmin     = "admin_disconnect"
	CloseReasonClient    = "client_disconnect"
	CloseReasonIdle      = "idle_timeout"
	CloseReasonAbsolute  = "absolute_timeout"
	CloseReasonTransport = "transport_failure"
	CloseReasonExited    = "process_exited"
	CloseReasonOffline   = "client_offline"
)

// ShellFrame is one JSON message on the duplex shell transport. All
// frames for every session of a client share that client's channel and
// are demultiplexed by SessionID.
type ShellFrame struct {
	Type      ShellFrameType `json:"type"`
	SessionID string         `json:"session_id"`
	// Data is base64-encoded terminal bytes for input/output frames.
	Data string `json:"data,omitempty"`
	Rows int    `json:"rows,omitempty"`
	Cols int    `json:"cols,omitempty"`
	// Command is the shell to launch, sent on open frames only.
	Command string `json:"command,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Code    string `json:"code,omitempty"`
}

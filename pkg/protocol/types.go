// Package protocol defines the wire types exchanged between the
// coordinator, edge agents, and the admin CLI.
package protocol

import "time"

// EnvelopeStatus is the lifecycle state of a queued command.
type EnvelopeStatus string

const (
	StatusQueued    EnvelopeStatus = "queued"
	StatusDelivered EnvelopeStatus = "delivered"
	StatusExecuted  EnvelopeStatus = "executed"
	StatusExpired   EnvelopeStatus = "expired"
	StatusCleared   EnvelopeStatus = "cleared"
)

// CommandEnvelope is a signed, nonce-tagged command instance issued to
// one client. The signature covers the canonical encoding of every
// field except the signature itself.
type CommandEnvelope struct {
	UUID      string            `json:"uuid"`
	ClientID  string            `json:"client_id"`
	CommandID string            `json:"command_id"`
	Params    map[string]string `json:"params"`
	IssuedAt  int64             `json:"issued_at"`
	Nonce     string            `json:"nonce"`
	Signature string            `json:"signature"`
}

// Distinguished exit codes reported by the agent when a command never
// ran (or was killed) for protocol reasons.
const (
	ExitTimeout  = -1
	ExitRejected = -2
)

// CommandResult is the outcome of exactly one executed envelope.
type CommandResult struct {
	CommandUUID     string    `json:"command_uuid"`
	CommandID       string    `json:"command_id"`
	ClientID        string    `json:"client_id"`
	ExitCode        int       `json:"exit_code"`
	Stdout          string    `json:"stdout"`
	Stderr          string    `json:"stderr"`
	ExecutedAt      time.Time `json:"executed_at"`
	DurationSeconds float64   `json:"duration_seconds"`
}

// PollResponse carries the envelopes delivered by a single poll.
type PollResponse struct {
	Envelopes []CommandEnvelope `json:"envelopes"`
}

// HeartbeatRequest is the agent's periodic liveness report.
type HeartbeatRequest struct {
	ClientID     string            `json:"client_id"`
	Hostname     string            `json:"hostname"`
	Interfaces   map[string]string `json:"interfaces,omitempty"`
	AgentVersion string            `json:"agent_version,omitempty"`
}

// ClientStatus is the derived liveness view of one client.
type ClientStatus struct {
	ClientID              string            `json:"client_id"`
	Status                string            `json:"status"`
	LastSeen              time.Time         `json:"last_seen"`
	SecondsSinceHeartbeat float64           `json:"seconds_since_heartbeat"`
	Hostname              string            `json:"hostname"`
	Interfaces            map[string]string `json:"interfaces,omitempty"`
}

const (
	ClientOnline  = "online"
	ClientOffline = "offline"
)

// AuditEntry is one append-only compliance record.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	Outcome   string    `json:"outcome"`
}

// SessionState is the lifecycle state of a shell session.
type SessionState string

const (
	SessionOpening SessionState = "opening"
	SessionActive  SessionState = "active"
	SessionClosed  SessionState = "closed"
)

// ShellSession is the admin-visible view of one interactive session.
type ShellSession struct {
	SessionID    string       `json:"session_id"`
	ClientID     string       `json:"client_id"`
	AdminID      string       `json:"admin_id"`
	State        SessionState `json:"state"`
	CreatedAt    time.Time    `json:"created_at"`
	LastActivity time.Time    `json:"last_activity"`
	Rows         int          `json:"rows"`
	Cols         int          `json:"cols"`
}

// Authentication headers. Clients present their identity and secret on
// every request; admins present their API key.
const (
	HeaderAdminKey  = "X-Admin-Key"
	HeaderClientID  = "X-Client-ID"
	HeaderClientKey = "X-Client-Key"
)

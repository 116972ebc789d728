package main

import "time"

// Admin holds one coordinator operator. The API key is stored only as
// a salted HMAC hash; the plaintext leaves the process exactly once,
// in the create response.
type Admin struct {
	ID          uint   `gorm:"primaryKey"`
	AdminID     string `gorm:"uniqueIndex"`
	DisplayName string
	KeyHash     string `gorm:"uniqueIndex"`
	CreatedAt   time.Time
}

// Client holds one registered edge agent. The secret key is shared
// with exactly that agent and is what the signing engine stamps
// envelopes with; it must never appear in logs or list responses.
type Client struct {
	ID        uint   `gorm:"primaryKey"`
	ClientID  string `gorm:"uniqueIndex"`
	SecretKey string
	Revoked   bool
	CreatedAt time.Time
	RevokedAt *time.Time
}

// EnvelopeRecord is one queued command. Autoincrement ID gives FIFO
// order per client; Status follows the envelope lifecycle.
type EnvelopeRecord struct {
	ID        uint   `gorm:"primaryKey"`
	UUID      string `gorm:"uniqueIndex"`
	ClientID  string `gorm:"index"`
	CommandID string
	ParamsRaw string `gorm:"type:text"`
	IssuedAt  int64
	Nonce     string
	Signature string
	Status    string `gorm:"index"`
	IssuedBy  string
	UpdatedAt time.Time
}

// ResultRecord stores one command outcome, keyed by the envelope UUID
// for idempotent lookup.
type ResultRecord struct {
	ID              uint   `gorm:"primaryKey"`
	CommandUUID     string `gorm:"uniqueIndex"`
	CommandID       string
	ClientID        string `gorm:"index"`
	ExitCode        int
	Stdout          string `gorm:"type:text"`
	Stderr          string `gorm:"type:text"`
	ExecutedAt      time.Time
	DurationSeconds float64
	ReceivedAt      time.Time
}

// AuditRecord is one append-only compliance entry. Nothing updates or
// deletes rows in this table.
type AuditRecord struct {
	ID        uint      `gorm:"primaryKey"`
	Timestamp time.Time `gorm:"index"`
	Actor     string
	Action    string `gorm:"index"`
	Target    string
	Outcome   string
}

// HeartbeatRow keeps the latest heartbeat per client, overwritten on
// each report.
type HeartbeatRow struct {
	ID            uint   `gorm:"primaryKey"`
	ClientID      string `gorm:"uniqueIndex"`
	Hostname      string
	InterfacesRaw string `gorm:"type:text"`
	AgentVersion  string
	LastSeen      time.Time
}

func allModels() []any {
	return []any{
		&Admin{},
		&Client{},
		&EnvelopeRecord{},
		&ResultRecord{},
		&AuditRecord{},
		&HeartbeatRow{},
	}
}

package main

import (
	"time"

	"gorm.io/gorm"

	"github.com/jhuang59/router-benchmark/pkg/protocol"
)

// Audit actions. Every lifecycle transition maps to exactly one.
const (
	actionAdminBootstrap = "admin.bootstrap"
	actionAdminCreate    = "admin.create"
	actionClientRegister = "client.register"
	actionClientRevoke   = "client.revoke"
	actionCommandQueued  = "command.queued"
	actionCommandPolled  = "command.delivered"
	actionCommandDone    = "command.executed"
	actionCommandExpired = "command.expired"
	actionCommandCleared = "command.cleared"
	actionSessionOpen    = "session.open"
	actionSessionClose   = "session.close"
	actionAuthAttempt    = "auth.attempt"
)

const (
	outcomeOK     = "ok"
	outcomeDenied = "denied"
	outcomeFailed = "failed"
)

// AuditLog is the append-only compliance record. Append is the only
// mutator; queries never page through anything but a newest-first scan.
type AuditLog struct {
	db *gorm.DB
}

func NewAuditLog(db *gorm.DB) *AuditLog {
	return &AuditLog{db: db}
}

// Append writes one entry. Audit failures must not mask the audited
// operation, so the error is returned for logging only.
func (a *AuditLog) Append(actor, action, target, outcome string) error {
	entry := AuditRecord{
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		Action:    action,
		Target:    target,
		Outcome:   outcome,
	}
	return a.db.Create(&entry).Error
}

// AuditFilter narrows a Query; zero fields match everything.
type AuditFilter struct {
	Actor  string
	Action string
	Target string
}

// Query returns up to limit entries, newest first.
func (a *AuditLog) Query(filter AuditFilter, limit int) ([]protocol.AuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := a.db.Model(&AuditRecord{}).Order("id desc").Limit(limit)
	if filter.Actor != "" {
		q = q.Where("actor = ?", filter.Actor)
	}
	if filter.Action != "" {
		q = q.Where("action = ?", filter.Action)
	}
	if filter.Target != "" {
		q = q.Where("target = ?", filter.Target)
	}

	var rows []AuditRecord
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	entries := make([]protocol.AuditEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, protocol.AuditEntry{
			Timestamp: r.Timestamp,
			Actor:     r.Actor,
			Action:    r.Action,
			Target:    r.Target,
			Outcome:   r.Outcome,
		})
	}
	return entries, nil
}

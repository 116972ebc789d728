package main

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jhuang59/router-benchmark/pkg/auth"
	"github.com/jhuang59/router-benchmark/pkg/protocol"
	"github.com/jhuang59/router-benchmark/pkg/whitelist"
)

// CommandQueue owns the per-client envelope FIFO and its state
// machine. Enqueue, poll, and clear are each atomic with respect to
// one client's queue; unrelated clients never contend.
type CommandQueue struct {
	db        *gorm.DB
	registry  *whitelist.Registry
	creds     *CredentialStore
	audit     *AuditLog
	freshness time.Duration
	maxOutput int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewCommandQueue(db *gorm.DB, registry *whitelist.Registry, creds *CredentialStore, audit *AuditLog, freshness time.Duration, maxOutput int) *CommandQueue {
	if freshness <= 0 {
		freshness = auth.DefaultFreshnessWindow
	}
	if maxOutput <= 0 {
		maxOutput = 64 * 1024
	}
	return &CommandQueue{
		db:        db,
		registry:  registry,
		creds:     creds,
		audit:     audit,
		freshness: freshness,
		maxOutput: maxOutput,
		locks:     make(map[string]*sync.Mutex),
	}
}

// clientLock returns the mutex guarding one client's queue.
func (q *CommandQueue) clientLock(clientID string) *sync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()
	lock, ok := q.locks[clientID]
	if !ok {
		lock = &sync.Mutex{}
		q.locks[clientID] = lock
	}
	return lock
}

// Enqueue validates, signs, and appends a command for clientID.
func (q *CommandQueue) Enqueue(clientID, commandID string, params map[string]string, adminID string) (*protocol.CommandEnvelope, error) {
	sanitized, err := q.registry.Validate(commandID, params)
	if err != nil {
		return nil, err
	}

	secret, err := q.creds.ClientSecret(clientID)
	if err != nil {
		return nil, err
	}

	env, err := auth.NewEnvelope(uuid.NewString(), clientID, commandID, sanitized, secret)
	if err != nil {
		return nil, err
	}

	paramsRaw, err := json.Marshal(env.Params)
	if err != nil {
		return nil, err
	}

	lock := q.clientLock(clientID)
	lock.Lock()
	defer lock.Unlock()

	record := EnvelopeRecord{
		UUID:      env.UUID,
		ClientID:  env.ClientID,
		CommandID: env.CommandID,
		ParamsRaw: string(paramsRaw),
		IssuedAt:  env.IssuedAt,
		Nonce:     env.Nonce,
		Signature: env.Signature,
		Status:    string(protocol.StatusQueued),
		IssuedBy:  adminID,
	}
	if err := q.db.Create(&record).Error; err != nil {
		return nil, err
	}

	q.mustAudit(adminID, actionCommandQueued, env.UUID, outcomeOK)
	return env, nil
}

// Poll atomically hands every deliverable Queued envelope for clientID
// to the caller, FIFO, transitioning each to Delivered. Over-age rows
// are lazily marked Expired and never returned. At-most-once: a crash
// after the transition but before the response reaches the client
// loses those envelopes rather than duplicating them.
func (q *CommandQueue) Poll(clientID string) ([]protocol.CommandEnvelope, error) {
	lock := q.clientLock(clientID)
	lock.Lock()
	defer lock.Unlock()

	q.expireStale(clientID)

	var rows []EnvelopeRecord
	err := q.db.Where("client_id = ? AND status = ?", clientID, string(protocol.StatusQueued)).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]uint, 0, len(rows))
	envelopes := make([]protocol.CommandEnvelope, 0, len(rows))
	for _, r := range rows {
		env, err := recordToEnvelope(r)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, env)
		ids = append(ids, r.ID)
	}

	err = q.db.Model(&EnvelopeRecord{}).
		Where("id IN ?", ids).
		Update("status", string(protocol.StatusDelivered)).Error
	if err != nil {
		return nil, err
	}

	for _, env := range envelopes {
		q.mustAudit(clientID, actionCommandPolled, env.UUID, outcomeOK)
	}
	return envelopes, nil
}

// expireStale transitions over-age Queued rows to Expired. Caller
// holds the client lock.
func (q *CommandQueue) expireStale(clientID string) {
	cutoff := time.Now().Add(-q.freshness).Unix()

	var stale []EnvelopeRecord
	err := q.db.Where("client_id = ? AND status = ? AND issued_at < ?",
		clientID, string(protocol.StatusQueued), cutoff).
		Find(&stale).Error
	if err != nil || len(stale) == 0 {
		return
	}

	ids := make([]uint, 0, len(stale))
	for _, r := range stale {
		ids = append(ids, r.ID)
	}
	if err := q.db.Model(&EnvelopeRecord{}).
		Where("id IN ?", ids).
		Update("status", string(protocol.StatusExpired)).Error; err != nil {
		logger.Error().Err(err).Str("client_id", clientID).Msg("Failed expiring stale envelopes")
		return
	}
	for _, r := range stale {
		q.mustAudit("coordinator", actionCommandExpired, r.UUID, outcomeOK)
	}
}

// SweepExpired runs the lazy expiry across all clients. Called from
// the periodic janitor so stale intent ages out even for clients that
// never poll again.
func (q *CommandQueue) SweepExpired() {
	var clientIDs []string
	err := q.db.Model(&EnvelopeRecord{}).
		Where("status = ?", string(protocol.StatusQueued)).
		Distinct().
		Pluck("client_id", &clientIDs).Error
	if err != nil {
		logger.Error().Err(err).Msg("Expiry sweep failed")
		return
	}
	for _, clientID := range clientIDs {
		lock := q.clientLock(clientID)
		lock.Lock()
		q.expireStale(clientID)
		lock.Unlock()
	}
}

// ClearPending transitions every Queued envelope for clientID to
// Cleared. Admin-triggered only. Returns the number cleared.
func (q *CommandQueue) ClearPending(clientID, adminID string) (int, error) {
	lock := q.clientLock(clientID)
	lock.Lock()
	defer lock.Unlock()

	var rows []EnvelopeRecord
	err := q.db.Where("client_id = ? AND status = ?", clientID, string(protocol.StatusQueued)).
		Find(&rows).Error
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	ids := make([]uint, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	err = q.db.Model(&EnvelopeRecord{}).
		Where("id IN ?", ids).
		Update("status", string(protocol.StatusCleared)).Error
	if err != nil {
		return 0, err
	}

	for _, r := range rows {
		q.mustAudit(adminID, actionCommandCleared, r.UUID, outcomeOK)
	}
	return len(rows), nil
}

// RecordResult accepts a result for a Delivered envelope, transitions
// it to Executed, and stores the outcome. Results for unknown or
// not-yet-delivered envelopes are rejected so a client cannot report
// work it was never handed.
func (q *CommandQueue) RecordResult(result *protocol.CommandResult) error {
	lock := q.clientLock(result.ClientID)
	lock.Lock()
	defer lock.Unlock()

	var record EnvelopeRecord
	err := q.db.Where("uuid = ? AND client_id = ?", result.CommandUUID, result.ClientID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return protocol.Errf(protocol.CodeUnknownEnvelope, "no envelope %q for client %q", result.CommandUUID, result.ClientID)
		}
		return err
	}
	if record.Status != string(protocol.StatusDelivered) {
		return protocol.Errf(protocol.CodeUnknownEnvelope, "envelope %q is %s, not delivered", result.CommandUUID, record.Status)
	}

	stored := ResultRecord{
		CommandUUID:     result.CommandUUID,
		CommandID:       result.CommandID,
		ClientID:        result.ClientID,
		ExitCode:        result.ExitCode,
		Stdout:          truncateOutput(result.Stdout, q.maxOutput),
		Stderr:          truncateOutput(result.Stderr, q.maxOutput),
		ExecutedAt:      result.ExecutedAt,
		DurationSeconds: result.DurationSeconds,
		ReceivedAt:      time.Now().UTC(),
	}

	err = q.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&stored).Error; err != nil {
			return err
		}
		return tx.Model(&record).Update("status", string(protocol.StatusExecuted)).Error
	})
	if err != nil {
		return err
	}

	q.mustAudit(result.ClientID, actionCommandDone, result.CommandUUID, outcomeOK)
	return nil
}

// Pending lists the current Queued envelopes for a client, expiry
// applied, without delivering them.
func (q *CommandQueue) Pending(clientID string) ([]protocol.CommandEnvelope, error) {
	lock := q.clientLock(clientID)
	lock.Lock()
	defer lock.Unlock()

	q.expireStale(clientID)

	var rows []EnvelopeRecord
	err := q.db.Where("client_id = ? AND status = ?", clientID, string(protocol.StatusQueued)).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	envelopes := make([]protocol.CommandEnvelope, 0, len(rows))
	for _, r := range rows {
		env, err := recordToEnvelope(r)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, nil
}

// Results returns stored results, optionally filtered by client,
// newest first.
func (q *CommandQueue) Results(clientID string, limit int) ([]protocol.CommandResult, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := q.db.Model(&ResultRecord{}).Order("id desc").Limit(limit)
	if clientID != "" {
		query = query.Where("client_id = ?", clientID)
	}

	var rows []ResultRecord
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	results := make([]protocol.CommandResult, 0, len(rows))
	for _, r := range rows {
		results = append(results, resultFromRecord(r))
	}
	return results, nil
}

// ResultByUUID looks a single result up by envelope UUID.
func (q *CommandQueue) ResultByUUID(commandUUID string) (*protocol.CommandResult, error) {
	var row ResultRecord
	err := q.db.Where("command_uuid = ?", commandUUID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, protocol.Errf(protocol.CodeUnknownEnvelope, "no result for %q", commandUUID)
		}
		return nil, err
	}
	result := resultFromRecord(row)
	return &result, nil
}

func recordToEnvelope(r EnvelopeRecord) (protocol.CommandEnvelope, error) {
	params := map[string]string{}
	if r.ParamsRaw != "" {
		if err := json.Unmarshal([]byte(r.ParamsRaw), &params); err != nil {
			return protocol.CommandEnvelope{}, err
		}
	}
	return protocol.CommandEnvelope{
		UUID:      r.UUID,
		ClientID:  r.ClientID,
		CommandID: r.CommandID,
		Params:    params,
		IssuedAt:  r.IssuedAt,
		Nonce:     r.Nonce,
		Signature: r.Signature,
	}, nil
}

func resultFromRecord(r ResultRecord) protocol.CommandResult {
	return protocol.CommandResult{
		CommandUUID:     r.CommandUUID,
		CommandID:       r.CommandID,
		ClientID:        r.ClientID,
		ExitCode:        r.ExitCode,
		Stdout:          r.Stdout,
		Stderr:          r.Stderr,
		ExecutedAt:      r.ExecutedAt,
		DurationSeconds: r.DurationSeconds,
	}
}

func truncateOutput(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... [output truncated]"
}

func (q *CommandQueue) mustAudit(actor, action, target, outcome string) {
	if err := q.audit.Append(actor, action, target, outcome); err != nil {
		logger.Error().Err(err).Str("action", action).Msg("Failed writing audit entry")
	}
}

package main

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhuang59/router-benchmark/pkg/auth"
	"github.com/jhuang59/router-benchmark/pkg/protocol"
)

func enqueuePing(t *testing.T, env *testEnv, clientID, target string) *protocol.CommandEnvelope {
	t.Helper()
	envelope, err := env.queue.Enqueue(clientID, "ping", map[string]string{"target": target, "count": "1"}, "admin-test")
	require.NoError(t, err)
	return envelope
}

func TestEnqueueSignsVerifiableEnvelope(t *testing.T) {
	env := newTestEnv(t)
	secret := env.registerClient(t, "edge-1")

	envelope := enqueuePing(t, env, "edge-1", "router.lan")
	require.NotEmpty(t, envelope.UUID)
	require.NotEmpty(t, envelope.Nonce)
	assert.NoError(t, auth.Verify(secret, envelope, auth.DefaultFreshnessWindow))
}

func TestEnqueueRejectsUnknownCommand(t *testing.T) {
	env := newTestEnv(t)
	env.registerClient(t, "edge-1")

	_, err := env.queue.Enqueue("edge-1", "rm-rf", nil, "admin-test")
	assert.Equal(t, protocol.CodeUnknownCommand, protocol.ErrCode(err))
}

func TestEnqueueRejectsInvalidParams(t *testing.T) {
	env := newTestEnv(t)
	env.registerClient(t, "edge-1")

	_, err := env.queue.Enqueue("edge-1", "ping", map[string]string{"target": "a;b", "count": "1"}, "admin-test")
	assert.Equal(t, protocol.CodeInvalidParameter, protocol.ErrCode(err))
}

func TestEnqueueRejectsUnknownClient(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.queue.Enqueue("ghost", "uptime", nil, "admin-test")
	assert.Equal(t, protocol.CodeUnknownClient, protocol.ErrCode(err))
}

func TestPollDeliversFIFOAndDrains(t *testing.T) {
	env := newTestEnv(t)
	env.registerClient(t, "edge-1")

	var queued []string
	for i := 0; i < 5; i++ {
		envelope := enqueuePing(t, env, "edge-1", fmt.Sprintf("host%d.lan", i))
		queued = append(queued, envelope.UUID)
	}

	delivered, err := env.queue.Poll("edge-1")
	require.NoError(t, err)
	require.Len(t, delivered, 5)
	for i, envelope := range delivered {
		assert.Equal(t, queued[i], envelope.UUID)
	}

	// Delivery is terminal for the queue: nothing left to poll.
	again, err := env.queue.Poll("edge-1")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestPollIsolatesClients(t *testing.T) {
	env := newTestEnv(t)
	env.registerClient(t, "edge-1")
	env.registerClient(t, "edge-2")

	enqueuePing(t, env, "edge-1", "host.lan")

	other, err := env.queue.Poll("edge-2")
	require.NoError(t, err)
	assert.Empty(t, other)

	mine, err := env.queue.Poll("edge-1")
	require.NoError(t, err)
	assert.Len(t, mine, 1)
}

func TestConcurrentEnqueueKeepsEveryCommand(t *testing.T) {
	env := newTestEnv(t)
	env.registerClient(t, "edge-1")

	const n = 100
	var wg sync.WaitGroup
	uuids := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			envelope := enqueuePing(t, env, "edge-1", "host.lan")
			uuids <- envelope.UUID
		}()
	}
	wg.Wait()
	close(uuids)

	seen := make(map[string]bool, n)
	for id := range uuids {
		require.False(t, seen[id])
		seen[id] = true
	}

	delivered, err := env.queue.Poll("edge-1")
	require.NoError(t, err)
	assert.Len(t, delivered, n)
}

func TestStaleEnvelopesExpireInsteadOfDelivering(t *testing.T) {
	env := newTestEnv(t)
	env.registerClient(t, "edge-1")

	envelope := enqueuePing(t, env, "edge-1", "host.lan")
	old := time.Now().Add(-10 * time.Minute).Unix()
	require.NoError(t, env.db.Model(&EnvelopeRecord{}).
		Where("uuid = ?", envelope.UUID).
		Update("issued_at", old).Error)

	delivered, err := env.queue.Poll("edge-1")
	require.NoError(t, err)
	assert.Empty(t, delivered)

	var record EnvelopeRecord
	require.NoError(t, env.db.Where("uuid = ?", envelope.UUID).First(&record).Error)
	assert.Equal(t, string(protocol.StatusExpired), record.Status)

	entries, err := env.audit.Query(AuditFilter{Action: actionCommandExpired}, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "coordinator", entries[0].Actor)
}

func TestSweepExpiredCoversIdleClients(t *testing.T) {
	env := newTestEnv(t)
	env.registerClient(t, "edge-1")

	envelope := enqueuePing(t, env, "edge-1", "host.lan")
	old := time.Now().Add(-10 * time.Minute).Unix()
	require.NoError(t, env.db.Model(&EnvelopeRecord{}).
		Where("uuid = ?", envelope.UUID).
		Update("issued_at", old).Error)

	env.queue.SweepExpired()

	var record EnvelopeRecord
	require.NoError(t, env.db.Where("uuid = ?", envelope.UUID).First(&record).Error)
	assert.Equal(t, string(protocol.StatusExpired), record.Status)
}

func TestClearPendingOnlyAffectsQueued(t *testing.T) {
	env := newTestEnv(t)
	env.registerClient(t, "edge-1")

	first := enqueuePing(t, env, "edge-1", "a.lan")
	delivered, err := env.queue.Poll("edge-1")
	require.NoError(t, err)
	require.Len(t, delivered, 1)

	enqueuePing(t, env, "edge-1", "b.lan")
	enqueuePing(t, env, "edge-1", "c.lan")

	cleared, err := env.queue.ClearPending("edge-1", "admin-test")
	require.NoError(t, err)
	assert.Equal(t, 2, cleared)

	// The delivered envelope still accepts its result.
	result := &protocol.CommandResult{
		CommandUUID: first.UUID,
		CommandID:   "ping",
		ClientID:    "edge-1",
		ExitCode:    0,
		Stdout:      "ok",
		ExecutedAt:  time.Now().UTC(),
	}
	assert.NoError(t, env.queue.RecordResult(result))
}

func TestRecordResultRequiresDelivery(t *testing.T) {
	env := newTestEnv(t)
	env.registerClient(t, "edge-1")

	envelope := enqueuePing(t, env, "edge-1", "host.lan")

	// Still Queued: the client was never handed this envelope.
	err := env.queue.RecordResult(&protocol.CommandResult{
		CommandUUID: envelope.UUID,
		ClientID:    "edge-1",
		ExecutedAt:  time.Now().UTC(),
	})
	assert.Equal(t, protocol.CodeUnknownEnvelope, protocol.ErrCode(err))

	_, err = env.queue.Poll("edge-1")
	require.NoError(t, err)
	require.NoError(t, env.queue.RecordResult(&protocol.CommandResult{
		CommandUUID: envelope.UUID,
		CommandID:   "ping",
		ClientID:    "edge-1",
		ExitCode:    0,
		ExecutedAt:  time.Now().UTC(),
	}))

	// Executed is terminal: a second report is rejected.
	err = env.queue.RecordResult(&protocol.CommandResult{
		CommandUUID: envelope.UUID,
		ClientID:    "edge-1",
		ExecutedAt:  time.Now().UTC(),
	})
	assert.Equal(t, protocol.CodeUnknownEnvelope, protocol.ErrCode(err))
}

func TestRecordResultRejectsWrongClient(t *testing.T) {
	env := newTestEnv(t)
	env.registerClient(t, "edge-1")
	env.registerClient(t, "edge-2")

	envelope := enqueuePing(t, env, "edge-1", "host.lan")
	_, err := env.queue.Poll("edge-1")
	require.NoError(t, err)

	err = env.queue.RecordResult(&protocol.CommandResult{
		CommandUUID: envelope.UUID,
		ClientID:    "edge-2",
		ExecutedAt:  time.Now().UTC(),
	})
	assert.Equal(t, protocol.CodeUnknownEnvelope, protocol.ErrCode(err))
}

func TestRecordResultTruncatesOutput(t *testing.T) {
	env := newTestEnv(t)
	env.registerClient(t, "edge-1")

	envelope := enqueuePing(t, env, "edge-1", "host.lan")
	_, err := env.queue.Poll("edge-1")
	require.NoError(t, err)

	huge := strings.Repeat("x", 80*1024)
	require.NoError(t, env.queue.RecordResult(&protocol.CommandResult{
		CommandUUID: envelope.UUID,
		CommandID:   "ping",
		ClientID:    "edge-1",
		Stdout:      huge,
		ExecutedAt:  time.Now().UTC(),
	}))

	stored, err := env.queue.ResultByUUID(envelope.UUID)
	require.NoError(t, err)
	assert.Less(t, len(stored.Stdout), len(huge))
	assert.True(t, strings.HasSuffix(stored.Stdout, "[output truncated]"))
}

func TestResultsNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	env.registerClient(t, "edge-1")

	var uuids []string
	for i := 0; i < 3; i++ {
		envelope := enqueuePing(t, env, "edge-1", fmt.Sprintf("h%d.lan", i))
		uuids = append(uuids, envelope.UUID)
	}
	_, err := env.queue.Poll("edge-1")
	require.NoError(t, err)

	for _, id := range uuids {
		require.NoError(t, env.queue.RecordResult(&protocol.CommandResult{
			CommandUUID: id,
			CommandID:   "ping",
			ClientID:    "edge-1",
			ExecutedAt:  time.Now().UTC(),
		}))
	}

	results, err := env.queue.Results("edge-1", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, uuids[2], results[0].CommandUUID)
	assert.Equal(t, uuids[1], results[1].CommandUUID)
}

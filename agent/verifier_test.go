package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhuang59/router-benchmark/pkg/auth"
	"github.com/jhuang59/router-benchmark/pkg/protocol"
	"github.com/jhuang59/router-benchmark/pkg/whitelist"
)

const testSecret = "2b7e151628aed2a6abf7158809cf4f3c2b7e151628aed2a6abf7158809cf4f3c"

func newTestVerifier(t *testing.T) *verifier {
	t.Helper()
	return newVerifier("edge-1", testSecret, whitelist.Default())
}

func signedEnvelope(t *testing.T, commandID string, params map[string]string) *protocol.CommandEnvelope {
	t.Helper()
	env, err := auth.NewEnvelope("uuid-1", "edge-1", commandID, params, testSecret)
	require.NoError(t, err)
	return env
}

func TestCheckAcceptsValidEnvelope(t *testing.T) {
	v := newTestVerifier(t)
	env := signedEnvelope(t, "ping", map[string]string{"target": "core.lan", "count": "2"})

	cmdline, err := v.check(env)
	require.NoError(t, err)
	assert.Equal(t, "ping -c 2 -W 2 core.lan", cmdline)
}

func TestCheckRejectsTamperedParams(t *testing.T) {
	v := newTestVerifier(t)
	env := signedEnvelope(t, "ping", map[string]string{"target": "core.lan", "count": "2"})
	env.Params["target"] = "evil.example"

	_, err := v.check(env)
	assert.Equal(t, protocol.CodeInvalidSignature, protocol.ErrCode(err))
}

func TestCheckRejectsReplay(t *testing.T) {
	v := newTestVerifier(t)
	env := signedEnvelope(t, "uptime", nil)

	_, err := v.check(env)
	require.NoError(t, err)

	_, err = v.check(env)
	assert.Equal(t, protocol.CodeReplayDetected, protocol.ErrCode(err))
}

func TestCheckRejectsForeignClientID(t *testing.T) {
	v := newTestVerifier(t)
	env, err := auth.NewEnvelope("uuid-1", "edge-2", "uptime", nil, testSecret)
	require.NoError(t, err)

	_, err = v.check(env)
	assert.Equal(t, protocol.CodeInvalidSignature, protocol.ErrCode(err))
}

func TestCheckRejectsStaleEnvelope(t *testing.T) {
	v := newTestVerifier(t)
	env := signedEnvelope(t, "uptime", nil)
	env.IssuedAt = time.Now().Add(-10 * time.Minute).Unix()
	env.Signature = auth.Sign(testSecret, env)

	_, err := v.check(env)
	assert.Equal(t, protocol.CodeExpired, protocol.ErrCode(err))
}

// A signed envelope for a command outside the local catalog must still
// be refused: the agent's whitelist is authoritative on the agent.
func TestCheckRejectsUnknownCommandEvenIfSigned(t *testing.T) {
	v := newTestVerifier(t)
	env := signedEnvelope(t, "wipe-disk", nil)

	_, err := v.check(env)
	assert.Equal(t, protocol.CodeUnknownCommand, protocol.ErrCode(err))
}

// Rejection must not consume the nonce, or a forged probe could block
// a later legitimate envelope carrying the same nonce.
func TestForgedEnvelopeDoesNotBurnNonce(t *testing.T) {
	v := newTestVerifier(t)
	env := signedEnvelope(t, "uptime", nil)

	forged := *env
	forged.CommandID = "hostname"
	_, err := v.check(&forged)
	require.Equal(t, protocol.CodeInvalidSignature, protocol.ErrCode(err))

	_, err = v.check(env)
	assert.NoError(t, err)
}

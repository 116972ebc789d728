package main

import (
	"time"

	"github.com/jhuang59/router-benchmark/pkg/auth"
	"github.com/jhuang59/router-benchmark/pkg/protocol"
	"github.com/jhuang59/router-benchmark/pkg/whitelist"
)

// verifier decides whether a delivered envelope may execute. The agent
// trusts nothing about transport or coordinator state: every envelope
// must carry a valid signature, a fresh timestamp, an unseen nonce,
// and parameters the agent's own whitelist accepts.
type verifier struct {
	secret   string
	clientID string
	registry *whitelist.Registry
	nonces   *auth.NonceLedger
	maxAge   time.Duration
}

func newVerifier(clientID, secret string, registry *whitelist.Registry) *verifier {
	return &verifier{
		secret:   secret,
		clientID: clientID,
		registry: registry,
		nonces:   auth.NewNonceLedger(2 * auth.DefaultFreshnessWindow),
		maxAge:   auth.DefaultFreshnessWindow,
	}
}

// check returns the shell command line to run, or a coded error naming
// why the envelope was rejected. Order matters: identity and signature
// first, replay second, parameter semantics last, so a forged envelope
// never reaches the whitelist and never burns a nonce.
func (v *verifier) check(env *protocol.CommandEnvelope) (string, error) {
	if env.ClientID != v.clientID {
		return "", protocol.Errf(protocol.CodeInvalidSignature, "envelope addressed to %q", env.ClientID)
	}
	if err := auth.Verify(v.secret, env, v.maxAge); err != nil {
		return "", err
	}
	if err := v.nonces.CheckAndStore(env.Nonce, time.Unix(env.IssuedAt, 0)); err != nil {
		return "", err
	}

	sanitized, err := v.registry.Validate(env.CommandID, env.Params)
	if err != nil {
		return "", err
	}
	return v.registry.Build(env.CommandID, sanitized)
}

// Package auth implements the HMAC signing and verification engine
// shared by the coordinator and edge agents. Both sides hold the same
// per-client secret; an observer without it can neither forge nor
// usefully replay an envelope.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jhuang59/router-benchmark/pkg/protocol"
)

// DefaultFreshnessWindow bounds how old an envelope may be and still
// verify. It also bounds the nonce ledger's memory.
const DefaultFreshnessWindow = 5 * time.Minute

// maxClockSkew tolerates agents whose clocks run slightly ahead of the
// coordinator's.
const maxClockSkew = time.Minute

// GenerateSecret returns a 256-bit hex-encoded secret key.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// GenerateNonce returns a 128-bit hex-encoded single-use value.
func GenerateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// CanonicalString produces the deterministic byte sequence the
// signature covers: scalar fields joined with "|", params rendered in
// sorted, percent-escaped form. Any single-bit change to client_id,
// command_id, params, issued_at, or nonce yields a different string.
func CanonicalString(env *protocol.CommandEnvelope) string {
	values := url.Values{}
	for k, v := range env.Params {
		values.Set(k, v)
	}
	parts := []string{
		env.ClientID,
		env.CommandID,
		values.Encode(),
		strconv.FormatInt(env.IssuedAt, 10),
		env.Nonce,
	}
	return strings.Join(parts, "|")
}

// Sign computes the hex HMAC-SHA256 signature for env under secret.
func Sign(secret string, env *protocol.CommandEnvelope) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(CanonicalString(env)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks env's signature and timestamp freshness. Nonce replay
// is the caller's concern (see NonceLedger); Verify alone already
// bounds the replay window to maxAge.
func Verify(secret string, env *protocol.CommandEnvelope, maxAge time.Duration) error {
	expected := Sign(secret, env)
	if !hmac.Equal([]byte(expected), []byte(env.Signature)) {
		return protocol.Errf(protocol.CodeInvalidSignature, "signature verification failed")
	}

	issued := time.Unix(env.IssuedAt, 0)
	age := time.Since(issued)
	if age > maxAge {
		return protocol.Errf(protocol.CodeExpired, "envelope too old: %s", age.Round(time.Second))
	}
	if age < -maxClockSkew {
		return protocol.Errf(protocol.CodeExpired, "envelope from future: clock skew detected")
	}

	return nil
}

// NewEnvelope mints and signs an envelope for clientID. The nonce and
// issue time are fresh; the caller assigns the UUID.
func NewEnvelope(uuid, clientID, commandID string, params map[string]string, secret string) (*protocol.CommandEnvelope, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("minting nonce: %w", err)
	}
	env := &protocol.CommandEnvelope{
		UUID:      uuid,
		ClientID:  clientID,
		CommandID: commandID,
		Params:    params,
		IssuedAt:  time.Now().Unix(),
		Nonce:     nonce,
	}
	env.Signature = Sign(secret, env)
	return env, nil
}

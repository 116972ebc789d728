package auth

import (
	"sync"
	"time"

	"github.com/jhuang59/router-benchmark/pkg/protocol"
)

// NonceLedger tracks consumed nonces on the verifying side that did
// not mint them. Entries are pruned once their issue time falls
// outside the freshness window, so memory stays bounded by the
// envelope rate within one window.
type NonceLedger struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
}

func NewNonceLedger(window time.Duration) *NonceLedger {
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	return &NonceLedger{window: window, seen: make(map[string]time.Time)}
}

// CheckAndStore consumes a nonce, returning a replay error if it was
// already seen. Expired entries are pruned on every call.
func (l *NonceLedger) CheckAndStore(nonce string, issuedAt time.Time) error {
	if nonce == "" {
		return protocol.Errf(protocol.CodeInvalidSignature, "missing nonce")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.window)
	for n, ts := range l.seen {
		if ts.Before(cutoff) {
			delete(l.seen, n)
		}
	}

	if _, dup := l.seen[nonce]; dup {
		return protocol.Errf(protocol.CodeReplayDetected, "nonce already consumed")
	}
	l.seen[nonce] = issuedAt
	return nil
}

// Len reports the number of live ledger entries.
func (l *NonceLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

package auth

import "crypto/subtle"

// SecureCompare reports whether a and b are equal without leaking
// timing information about the correct value.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

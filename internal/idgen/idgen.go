// Package idgen generates random identifiers for requests and ledger events.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// RequestID returns a 32 hex char id for the X-Request-ID header.
func RequestID() string {
	return Hex(16)
}

// EventID returns an "evt_" prefixed id for a ledger event.
func EventID() string {
	return WithPrefix("evt_")
}

// WithPrefix returns prefix + 24 hex chars.
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex returns a random hex string of numBytes bytes.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

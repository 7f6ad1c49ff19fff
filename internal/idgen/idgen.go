// Package idgen provides cryptographically random ID generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Prefixes for settlement entities.
const (
	Escrow         = "esc_"
	CommissionRule = "cmr_"
	Audit          = "aud_"
	Refund         = "rfd_"
	ManualRefund   = "man_"
)

// WithPrefix generates a random ID with a prefix (e.g. "esc_", "rfd_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

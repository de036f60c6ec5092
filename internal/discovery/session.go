package discovery

import (
	"crypto/rand"
	"encoding/hex"
)

// NewSessionID mints a 12-hex session identifier.
func NewSessionID() string {
	return randomHex(6)
}

// NewToken mints a 32-hex bearer token.
func NewToken() string {
	return randomHex(16)
}

func randomHex(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return hex.EncodeToString(b)
}

package api

import (
	"crypto/rand"
	"encoding/hex"
)

// generateSecret produces a fresh 32-byte webhook signing secret.
func generateSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is
		// broken; there is no safe fallback for a signing secret.
		panic("failed to generate webhook secret: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

package reward

import (
	"crypto/rand"
	"encoding/hex"
)

const sessionTokenBytes = 16

// GenerateSessionToken returns a fresh 128-bit random token, hex encoded.
// Collision probability is negligible; the store's primary key is the backstop.
func GenerateSessionToken() (SessionToken, error) {
	buffer := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(buffer); err != nil {
		return SessionToken{}, WrapError("token", "session", "entropy", err)
	}
	return SessionToken{value: hex.EncodeToString(buffer)}, nil
}

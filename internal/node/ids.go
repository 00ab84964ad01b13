package node

import (
	"crypto/rand"
	"encoding/hex"
)

// generateNodeID produces a random node identifier.
func generateNodeID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return "node-" + hex.EncodeToString(buf[:]), nil
}

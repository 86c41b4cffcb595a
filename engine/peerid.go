package engine

import (
	"crypto/rand"
	"fmt"
)

// peerIDPrefix identifies this client to peers.
const peerIDPrefix = "-PY0001-"

// newPeerID generates a 20-byte peer ID: the fixed prefix followed by
// 12 random bytes.
func newPeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:8], peerIDPrefix)
	if _, err := rand.Read(id[8:]); err != nil {
		return id, fmt.Errorf("engine: generate peer id: %w", err)
	}
	return id, nil
}

package core

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	sha256 "github.com/minio/sha256-simd"
)

// NodeID is the 16-character opaque identifier used as the peer address
// throughout the fabric. It binds to a public key:
// NodeID = hex(sha256(pubkey))[:16].
type NodeID string

// nodeIDFromPublicKey derives a NodeID deterministically from a compressed
// secp256k1 public key, so identity never needs a separate registration
// handshake.
func nodeIDFromPublicKey(pub *btcec.PublicKey) NodeID {
	digest := sha256.Sum256(pub.SerializeCompressed())
	return NodeID(hex.EncodeToString(digest[:])[:16])
}

// randomHex16 returns an opaque 16-character random token that is not a
// node identity. Nothing in the node calls it at present (sync request ids
// are UUIDv4, see sync.go). NodeID itself is always derived from a key,
// never random, so two nodes never collide on identity while differing in
// signing key.
func randomHex16() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("random id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

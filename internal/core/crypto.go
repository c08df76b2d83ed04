package core

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	sha256 "github.com/minio/sha256-simd"
)

// KeyPair is a node's secp256k1 identity key. The public half is published
// in the rendezvous register frame (§4.2) and is the basis for NodeID
// derivation (see ids.go).
type KeyPair struct {
	priv *btcec.PrivateKey
	pub  *btcec.PublicKey
	id   NodeID
}

// NewKeyPair generates a fresh identity keypair from the system CSPRNG.
func NewKeyPair() (*KeyPair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	pub := priv.PubKey()
	return &KeyPair{priv: priv, pub: pub, id: nodeIDFromPublicKey(pub)}, nil
}

// KeyPairFromSeed reconstructs a keypair from a previously persisted 32-byte
// private scalar, used when a node restarts with the same identity.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != 32 {
		return nil, fmt.Errorf("keypair seed must be 32 bytes, got %d", len(seed))
	}
	priv := secp256k1PrivKeyFromBytes(seed)
	pub := priv.PubKey()
	return &KeyPair{priv: priv, pub: pub, id: nodeIDFromPublicKey(pub)}, nil
}

func secp256k1PrivKeyFromBytes(b []byte) *btcec.PrivateKey {
	return btcec.PrivKeyFromBytes(b)
}

// ID returns the NodeID derived from this keypair's public key.
func (k *KeyPair) ID() NodeID { return k.id }

// PublicKeyHex returns the compressed public key, hex-encoded, for transport
// over the wire (the rendezvous register frame and peer handshakes).
func (k *KeyPair) PublicKeyHex() string {
	return hex.EncodeToString(k.pub.SerializeCompressed())
}

// Seed returns the raw 32-byte private scalar for persistence.
func (k *KeyPair) Seed() []byte { return k.priv.Serialize() }

// Sign signs the SHA-256 digest of payload and returns a DER-encoded
// signature.
func (k *KeyPair) Sign(payload []byte) []byte {
	digest := sha256.Sum256(payload)
	sig := ecdsa.Sign(k.priv, digest[:])
	return sig.Serialize()
}

// PublicKeyFromHex parses a hex-encoded compressed public key as published
// in a rendezvous register frame.
func PublicKeyFromHex(s string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return pub, nil
}

// Verify checks a DER signature against payload using the given public key.
func Verify(pub *btcec.PublicKey, payload, sig []byte) bool {
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(payload)
	return parsed.Verify(digest[:], pub)
}

// VerifyWithNodeID checks a signature against the public key asserted by the
// signer, but only after confirming that key actually hashes to the claimed
// NodeID — otherwise a peer could sign with an unrelated key and claim any
// identity.
func VerifyWithNodeID(id NodeID, pubHex string, payload, sig []byte) bool {
	pub, err := PublicKeyFromHex(pubHex)
	if err != nil {
		return false
	}
	if nodeIDFromPublicKey(pub) != id {
		return false
	}
	return Verify(pub, payload, sig)
}

// SHA256Hex returns the hex-encoded SHA-256 digest of data, the canonical
// hash form used for file content hashes and block hashes (§4.1).
func SHA256Hex(data []byte) string {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}

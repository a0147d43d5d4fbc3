// Package mekcrypto provides tamper-evidence for the two append-only record
// types the kernel persists: snapshot.Snapshot and patternlog.Entry. Payloads
// are serialized via core/pkg/canonicalize (RFC 8785 JCS) before signing, so
// the signed bytes are stable across re-marshaling.
package mekcrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/mek-systems/mek/core/pkg/canonicalize"
)

// Signer signs and verifies arbitrary payloads, keyed by an opaque key ID.
type Signer interface {
	Sign(data []byte) (string, error)
	Verify(message, signature []byte) bool
	PublicKey() string
	KeyID() string
}

// Ed25519Signer is the production Signer: a private/public key pair plus a
// KeyID label.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	keyID   string
}

// NewEd25519Signer generates a fresh Ed25519 key pair under keyID.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("mekcrypto: key generation: %w", err)
	}
	return &Ed25519Signer{privKey: priv, pubKey: pub, keyID: keyID}, nil
}

// NewEd25519SignerFromKey wraps an existing private key (e.g. one derived
// via DeriveSigningKey) under keyID.
func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{privKey: priv, pubKey: priv.Public().(ed25519.PublicKey), keyID: keyID}
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.privKey, data)), nil
}

func (s *Ed25519Signer) Verify(message, signature []byte) bool {
	return ed25519.Verify(s.pubKey, message, signature)
}

func (s *Ed25519Signer) PublicKey() string { return hex.EncodeToString(s.pubKey) }
func (s *Ed25519Signer) KeyID() string     { return s.keyID }

// VerifyHex verifies a hex-encoded signature against a hex-encoded public
// key, with no Signer instance required — used to check a record against a
// detached, previously recorded public key.
func VerifyHex(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("mekcrypto: invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("mekcrypto: invalid signature hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("mekcrypto: invalid public key size")
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}

// SignedRecord is the tamper-evidence envelope attached to a persisted
// record: the canonical hash the signature actually covers, the signature
// itself, and which key produced it.
type SignedRecord struct {
	CanonicalHash string
	Signature     string
	KeyID         string
}

// Seal canonicalizes v (via JCS) and signs its hash, producing a
// SignedRecord suitable for storing alongside a Snapshot or patternlog.Entry.
func Seal(signer Signer, v interface{}) (*SignedRecord, error) {
	hash, err := canonicalize.CanonicalHash(v)
	if err != nil {
		return nil, fmt.Errorf("mekcrypto: canonicalize: %w", err)
	}
	sig, err := signer.Sign([]byte(hash))
	if err != nil {
		return nil, fmt.Errorf("mekcrypto: sign: %w", err)
	}
	return &SignedRecord{CanonicalHash: hash, Signature: sig, KeyID: signer.KeyID()}, nil
}

// VerifySeal recomputes v's canonical hash and checks it against rec, using
// pubKeyHex as the verifying key.
func VerifySeal(pubKeyHex string, rec *SignedRecord, v interface{}) (bool, error) {
	hash, err := canonicalize.CanonicalHash(v)
	if err != nil {
		return false, fmt.Errorf("mekcrypto: canonicalize: %w", err)
	}
	if hash != rec.CanonicalHash {
		return false, nil
	}
	return VerifyHex(pubKeyHex, rec.Signature, []byte(hash))
}

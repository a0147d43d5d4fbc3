package mekcrypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"hash"
	"sort"
	"sync"

	"golang.org/x/crypto/hkdf"
)

func newSHA256() hash.Hash { return sha256.New() }

// KeyRing holds multiple Signers for key rotation: deterministic "active
// key" selection (lexicographically last key ID) rather than an explicit
// current-key pointer, so selection survives a restart without persisting
// extra state.
type KeyRing struct {
	mu      sync.RWMutex
	signers map[string]Signer
}

// NewKeyRing returns an empty KeyRing.
func NewKeyRing() *KeyRing {
	return &KeyRing{signers: make(map[string]Signer)}
}

// AddKey adds a signer, keyed by its own KeyID.
func (k *KeyRing) AddKey(s Signer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.signers[s.KeyID()] = s
}

// RevokeKey removes a key by ID. A revoked key can no longer sign through
// the ring; verification of records it already signed is unaffected here —
// callers needing revocation-aware verification should check their own
// revocation record separately, mirroring how authority.Store's
// RevocationEvent is independent of Grant data.
func (k *KeyRing) RevokeKey(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.signers, keyID)
}

func (k *KeyRing) activeLocked() (Signer, error) {
	if len(k.signers) == 0 {
		return nil, fmt.Errorf("mekcrypto: no keys in ring")
	}
	ids := make([]string, 0, len(k.signers))
	for id := range k.signers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return k.signers[ids[len(ids)-1]], nil
}

// Seal signs v with the ring's active key.
func (k *KeyRing) Seal(v interface{}) (*SignedRecord, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	signer, err := k.activeLocked()
	if err != nil {
		return nil, err
	}
	return Seal(signer, v)
}

// Verify checks rec against v using whichever key in the ring matches
// rec.KeyID.
func (k *KeyRing) Verify(rec *SignedRecord, v interface{}) (bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	signer, ok := k.signers[rec.KeyID]
	if !ok {
		return false, fmt.Errorf("mekcrypto: unknown or revoked key %q", rec.KeyID)
	}
	return VerifySeal(signer.PublicKey(), rec, v)
}

// DeriveSigningKey derives a deterministic Ed25519 key pair from a root
// secret using HKDF-SHA256, labeled by keyID, so a restarted process can
// re-derive the same signing identity from a root secret without
// persisting the private key.
func DeriveSigningKey(rootSecret []byte, keyID string) (*Ed25519Signer, error) {
	reader := hkdf.New(newSHA256, rootSecret, nil, []byte("mek-signing-key:"+keyID))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := reader.Read(seed); err != nil {
		return nil, fmt.Errorf("mekcrypto: derive key: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return NewEd25519SignerFromKey(priv, keyID), nil
}

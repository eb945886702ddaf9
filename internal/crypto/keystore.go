// Package crypto manages the node's Ed25519 signing keys: generation,
// file-backed persistence, rotation, and verification against every key the
// store has ever held. This is a development-grade software key store, not
// an HSM; private material lives in a 0600 file and is never logged.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// KeyRecord is one keypair generation. Records are append-only; rotation
// adds a record and advances the active index, it never removes one.
type KeyRecord struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	PrivateKeyPEM string    `json:"private_key_pem"`
	PublicKeyPEM  string    `json:"public_key_pem"`
}

type keyStoreFile struct {
	ActiveIndex int         `json:"active_index"`
	Keys        []KeyRecord `json:"keys"`
}

// KeyStore holds the ordered keypair history and the active signing key.
// Callers are responsible for serializing Sign and Rotate; the store itself
// carries no lock (the service layer owns the single-writer discipline).
type KeyStore struct {
	path        string
	activeIndex int
	records     []KeyRecord
	privs       []ed25519.PrivateKey
	pubs        []ed25519.PublicKey
}

// EnsureKeyStore loads the key store at path, generating and persisting a
// first keypair when the file does not exist. Idempotent: an existing store
// is never regenerated. A present-but-unreadable store is an error; callers
// must treat that as fatal and refuse to serve.
func EnsureKeyStore(path string) (*KeyStore, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		ks := &KeyStore{path: path}
		if _, err := ks.Rotate(); err != nil {
			return nil, fmt.Errorf("create key store: %w", err)
		}
		return ks, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read key store: %w", err)
	}
	var file keyStoreFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse key store: %w", err)
	}
	if len(file.Keys) == 0 {
		return nil, errors.New("key store holds no keys")
	}
	if file.ActiveIndex < 0 || file.ActiveIndex >= len(file.Keys) {
		return nil, fmt.Errorf("key store active index %d out of range", file.ActiveIndex)
	}
	ks := &KeyStore{path: path, activeIndex: file.ActiveIndex, records: file.Keys}
	for i, rec := range file.Keys {
		priv, err := parsePrivatePEM(rec.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
		pub, err := ParsePublicKey(rec.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
		if !pub.Equal(priv.Public().(ed25519.PublicKey)) {
			return nil, fmt.Errorf("key %d: public key does not match private key", i)
		}
		ks.privs = append(ks.privs, priv)
		ks.pubs = append(ks.pubs, pub)
	}
	return ks, nil
}

// Rotate generates a new keypair, appends it, makes it active, and persists
// the store. Returns the new active index. Historical keys are retained so
// statements signed before the rotation keep verifying.
func (ks *KeyStore) Rotate() (int, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return 0, fmt.Errorf("generate keypair: %w", err)
	}
	privPEM, err := marshalPrivatePEM(priv)
	if err != nil {
		return 0, err
	}
	pubPEM, err := MarshalPublicPEM(pub)
	if err != nil {
		return 0, err
	}
	rec := KeyRecord{
		ID:            KeyID(pub),
		CreatedAt:     time.Now().UTC(),
		PrivateKeyPEM: privPEM,
		PublicKeyPEM:  pubPEM,
	}
	// Persist the candidate state first and commit to memory only on
	// success. A key that signs statements but never reached disk would
	// make those statements unverifiable after a restart.
	records := append(append([]KeyRecord(nil), ks.records...), rec)
	activeIndex := len(records) - 1
	if err := ks.save(keyStoreFile{ActiveIndex: activeIndex, Keys: records}); err != nil {
		return 0, err
	}
	ks.records = records
	ks.privs = append(ks.privs, priv)
	ks.pubs = append(ks.pubs, pub)
	ks.activeIndex = activeIndex
	return ks.activeIndex, nil
}

func (ks *KeyStore) save(file keyStoreFile) error {
	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode key store: %w", err)
	}
	if dir := filepath.Dir(ks.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create key store directory: %w", err)
		}
	}
	tmp := ks.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write key store: %w", err)
	}
	if err := os.Rename(tmp, ks.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit key store: %w", err)
	}
	return nil
}

// Sign signs a canonical payload with the active key.
func (ks *KeyStore) Sign(canonical []byte) (signature, keyID string) {
	return SignatureB64(ks.privs[ks.activeIndex], canonical), ks.records[ks.activeIndex].ID
}

// VerifyAny reports whether signature validates under any key the store has
// ever held. Linear scan; rotation is rare enough that an index would be
// overbuilt.
func (ks *KeyStore) VerifyAny(canonical []byte, signature string) bool {
	for _, pub := range ks.pubs {
		if Verify(pub, canonical, signature) {
			return true
		}
	}
	return false
}

// Holds reports whether pub matches any key the store has ever held.
func (ks *KeyStore) Holds(pub ed25519.PublicKey) bool {
	for _, known := range ks.pubs {
		if known.Equal(pub) {
			return true
		}
	}
	return false
}

func (ks *KeyStore) ActiveIndex() int { return ks.activeIndex }

func (ks *KeyStore) Active() KeyRecord { return ks.records[ks.activeIndex] }

func (ks *KeyStore) ActivePublicKey() ed25519.PublicKey { return ks.pubs[ks.activeIndex] }

// Records returns the keypair history in creation order. Private material is
// included; callers exposing records externally must strip it first.
func (ks *KeyStore) Records() []KeyRecord {
	out := make([]KeyRecord, len(ks.records))
	copy(out, ks.records)
	return out
}

func (ks *KeyStore) Len() int { return len(ks.records) }

package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/civicgraph/integrity-chain/internal/canonical"
)

// Alg is the only signature algorithm the chain accepts.
const Alg = "Ed25519"

// GenesisPrevHash is the prev_hash sentinel carried by the first entry.
var GenesisPrevHash = strings.Repeat("0", 64)

func SHA256Hex(in []byte) string {
	h := sha256.Sum256(in)
	return hex.EncodeToString(h[:])
}

// EntryContentHash computes the content hash binding an entry into the chain:
// SHA-256 over the canonical JSON of every entry field except content_hash.
func EntryContentHash(entry LedgerEntry) (string, error) {
	shape := struct {
		Seq          uint64    `json:"seq"`
		PrevHash     string    `json:"prev_hash"`
		Signature    string    `json:"signature"`
		PublicKeyPEM string    `json:"public_key_pem"`
		Payload      string    `json:"payload"`
		Timestamp    time.Time `json:"ts"`
	}{
		Seq:          entry.Seq,
		PrevHash:     entry.PrevHash,
		Signature:    entry.Signature,
		PublicKeyPEM: entry.PublicKeyPEM,
		Payload:      entry.Payload,
		Timestamp:    entry.Timestamp.UTC(),
	}
	raw, err := canonical.Marshal(shape)
	if err != nil {
		return "", err
	}
	return SHA256Hex(raw), nil
}

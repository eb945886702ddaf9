package protocol

import (
	"encoding/json"
	"time"
)

// SignRequest carries an arbitrary JSON artifact to be canonicalized and
// signed with the active key.
type SignRequest struct {
	Payload json.RawMessage `json:"payload"`
}

// SignedStatement binds an artifact's canonical form to an Ed25519 signature.
// The hash is informational; the signature is the authenticity proof.
type SignedStatement struct {
	Canonical  string `json:"canonical"`
	HashSHA256 string `json:"hash_sha256"`
	Signature  string `json:"signature"`
	Alg        string `json:"alg"`
	KeyID      string `json:"kid"`
}

type KeyInfo struct {
	ID           string    `json:"id"`
	PublicKeyPEM string    `json:"public_key_pem"`
	CreatedAt    time.Time `json:"created_at"`
}

type ActiveKeyResponse struct {
	ID           string `json:"id"`
	PublicKeyPEM string `json:"public_key_pem"`
}

type KeyListResponse struct {
	ActiveIndex int       `json:"active_index"`
	Keys        []KeyInfo `json:"keys"`
}

type RotateResponse struct {
	OK          bool   `json:"ok"`
	ActiveIndex int    `json:"active_index"`
	KeyID       string `json:"kid"`
}

// AppendRequest asks the ledger to anchor an already-signed canonical payload.
type AppendRequest struct {
	Canonical    string `json:"canonical"`
	Signature    string `json:"signature"`
	PublicKeyPEM string `json:"public_key_pem"`
}

// LedgerEntry is one link of the hash chain. ContentHash covers the canonical
// JSON of the entry with the content_hash field omitted.
type LedgerEntry struct {
	Seq          uint64    `json:"seq"`
	ContentHash  string    `json:"content_hash"`
	PrevHash     string    `json:"prev_hash"`
	Signature    string    `json:"signature"`
	PublicKeyPEM string    `json:"public_key_pem"`
	Payload      string    `json:"payload"`
	Timestamp    time.Time `json:"ts"`
}

// Verification issue classification codes.
const (
	IssueSeqGap              = "SEQ_GAP"
	IssuePrevHashMismatch    = "PREVHASH_MISMATCH"
	IssueContentHashMismatch = "CONTENTHASH_MISMATCH"
	IssueSignatureInvalid    = "SIGNATURE_INVALID"
)

// VerifyIssue is a single finding from a full-chain walk. Findings are data,
// not errors; a verify pass reports every issue it encounters.
type VerifyIssue struct {
	Seq      uint64 `json:"seq"`
	Code     string `json:"code"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

type VerifyReport struct {
	OK      bool          `json:"ok"`
	Entries int           `json:"entries"`
	Issues  []VerifyIssue `json:"issues"`
}

type ReloadResponse struct {
	OK      bool   `json:"ok"`
	Entries int    `json:"entries"`
	HeadSeq uint64 `json:"head_seq"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type HealthResponse struct {
	Service     string  `json:"service"`
	Version     string  `json:"version"`
	Status      string  `json:"status"`
	Backend     string  `json:"backend"`
	ActiveKeyID string  `json:"active_kid"`
	KeyCount    int     `json:"key_count"`
	HeadSeq     *uint64 `json:"head_seq,omitempty"`
	HeadHash    string  `json:"head_hash,omitempty"`
}

// BatchManifest is the payload shape anchored for a batch of artifacts
// (e.g. an anomaly detector's event batch): per-item hashes plus the merkle
// root binding them into one ledger entry.
type BatchManifest struct {
	BatchID    string    `json:"batch_id"`
	Source     string    `json:"source"`
	CreatedAt  time.Time `json:"created_at"`
	ItemHashes []string  `json:"item_hashes"`
	MerkleRoot string    `json:"merkle_root"`
}

// Package ledger implements the hash-linked append-only chain over a
// storage.LedgerStore. A Chain is not safe for concurrent use; the service
// layer serializes every operation behind one writer lock.
package ledger

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/civicgraph/integrity-chain/internal/crypto"
	"github.com/civicgraph/integrity-chain/internal/protocol"
	"github.com/civicgraph/integrity-chain/internal/storage"
)

// ErrSignatureInvalid rejects an append whose signature does not verify
// against the supplied public key. The chain never trusts the caller's
// claim of authenticity.
var ErrSignatureInvalid = errors.New("signature does not verify against supplied public key")

// ErrPersistence wraps store failures during append. The in-memory chain is
// left untouched so the requested anchoring either fully happened or not at
// all.
var ErrPersistence = errors.New("ledger persistence failed")

// KeyResolver is the node's key history. Verify consults it to confirm
// that an entry's stored key was actually held by this node at some point,
// and as a fallback when the stored key no longer parses. A nil resolver
// means offline audit without a key store, where the stored key is the only
// provenance available.
type KeyResolver interface {
	VerifyAny(canonical []byte, signature string) bool
	Holds(pub ed25519.PublicKey) bool
}

type Chain struct {
	store   storage.LedgerStore
	entries []protocol.LedgerEntry
}

// Load reads the full persisted sequence into memory. The store stays the
// source of truth; memory exists so Head is O(1).
func Load(ctx context.Context, store storage.LedgerStore) (*Chain, error) {
	entries, err := store.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	return &Chain{store: store, entries: entries}, nil
}

// Head returns the most recent entry, or nil for an empty chain.
func (c *Chain) Head() *protocol.LedgerEntry {
	if len(c.entries) == 0 {
		return nil
	}
	entry := c.entries[len(c.entries)-1]
	return &entry
}

func (c *Chain) Len() int { return len(c.entries) }

func (c *Chain) Entry(seq uint64) (protocol.LedgerEntry, bool) {
	if seq >= uint64(len(c.entries)) {
		return protocol.LedgerEntry{}, false
	}
	entry := c.entries[seq]
	if entry.Seq != seq {
		// Persisted sequence is damaged; refuse positional lookup and let
		// Verify report the gap.
		return protocol.LedgerEntry{}, false
	}
	return entry, true
}

// Append verifies the signature, links the new entry to the current head,
// persists it durably, and only then extends the in-memory chain.
func (c *Chain) Append(ctx context.Context, canonical, signature, publicKeyPEM string, now time.Time) (protocol.LedgerEntry, error) {
	pub, err := crypto.ParsePublicKey(publicKeyPEM)
	if err != nil {
		return protocol.LedgerEntry{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if !crypto.Verify(pub, []byte(canonical), signature) {
		return protocol.LedgerEntry{}, ErrSignatureInvalid
	}

	prevHash := protocol.GenesisPrevHash
	var seq uint64
	if head := c.Head(); head != nil {
		prevHash = head.ContentHash
		seq = head.Seq + 1
	}

	entry := protocol.LedgerEntry{
		Seq:          seq,
		PrevHash:     prevHash,
		Signature:    signature,
		PublicKeyPEM: publicKeyPEM,
		Payload:      canonical,
		// Microsecond resolution is the finest every backend round-trips
		// exactly (timestamptz drops nanoseconds); the content hash covers
		// the timestamp, so the stored and recomputed renderings must match
		// byte for byte.
		Timestamp: now.UTC().Truncate(time.Microsecond),
	}
	contentHash, err := protocol.EntryContentHash(entry)
	if err != nil {
		return protocol.LedgerEntry{}, fmt.Errorf("compute content hash: %w", err)
	}
	entry.ContentHash = contentHash

	if err := c.store.Append(ctx, entry); err != nil {
		return protocol.LedgerEntry{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	c.entries = append(c.entries, entry)
	return entry, nil
}

// Reload discards in-memory state and re-reads the store. Recovery and test
// hook; external tooling that edits the ledger file becomes visible without
// a process restart.
func (c *Chain) Reload(ctx context.Context) error {
	entries, err := c.store.ReadAll(ctx)
	if err != nil {
		return fmt.Errorf("reload ledger: %w", err)
	}
	c.entries = entries
	return nil
}

// Verify walks the whole chain from genesis and reports every violation
// found: seq contiguity, prev-hash linkage, content-hash recomputation, and
// signature validity. It never stops at the first issue; for an audit tool,
// complete corruption diagnostics beat fail-fast.
func (c *Chain) Verify(resolver KeyResolver) protocol.VerifyReport {
	report := protocol.VerifyReport{OK: true, Entries: len(c.entries), Issues: []protocol.VerifyIssue{}}
	prevContentHash := protocol.GenesisPrevHash
	for i, entry := range c.entries {
		wantSeq := uint64(i)
		if entry.Seq != wantSeq {
			report.Issues = append(report.Issues, protocol.VerifyIssue{
				Seq:      entry.Seq,
				Code:     protocol.IssueSeqGap,
				Expected: strconv.FormatUint(wantSeq, 10),
				Actual:   strconv.FormatUint(entry.Seq, 10),
				Detail:   "sequence is not contiguous from genesis",
			})
		}
		if entry.PrevHash != prevContentHash {
			report.Issues = append(report.Issues, protocol.VerifyIssue{
				Seq:      entry.Seq,
				Code:     protocol.IssuePrevHashMismatch,
				Expected: prevContentHash,
				Actual:   entry.PrevHash,
				Detail:   "prev_hash does not match preceding entry content_hash",
			})
		}
		computed, hashErr := protocol.EntryContentHash(entry)
		if hashErr != nil {
			report.Issues = append(report.Issues, protocol.VerifyIssue{
				Seq:    entry.Seq,
				Code:   protocol.IssueContentHashMismatch,
				Detail: fmt.Sprintf("content hash recomputation failed: %v", hashErr),
			})
		} else if computed != entry.ContentHash {
			report.Issues = append(report.Issues, protocol.VerifyIssue{
				Seq:      entry.Seq,
				Code:     protocol.IssueContentHashMismatch,
				Expected: computed,
				Actual:   entry.ContentHash,
				Detail:   "stored content_hash does not match recomputation",
			})
		}
		if !verifyEntrySignature(entry, resolver) {
			report.Issues = append(report.Issues, protocol.VerifyIssue{
				Seq:    entry.Seq,
				Code:   protocol.IssueSignatureInvalid,
				Detail: "signature does not verify under the stored key or any known key",
			})
		}
		// Link the next entry against the recomputed hash when available so
		// a corrupted stored content_hash yields one content-hash issue
		// instead of cascading prev-hash issues down the rest of the chain.
		if hashErr == nil {
			prevContentHash = computed
		} else {
			prevContentHash = entry.ContentHash
		}
	}
	report.OK = len(report.Issues) == 0
	return report
}

// verifyEntrySignature checks the key recorded on the entry first, then
// requires that key to be one the resolver has ever held. Without the
// membership check a rewritten head entry signed with an outsider's key and
// a recomputed content hash would pass a full verification. Stored-key-only
// acceptance is reserved for the nil-resolver offline audit, which has no
// key history to consult.
func verifyEntrySignature(entry protocol.LedgerEntry, resolver KeyResolver) bool {
	if pub, err := crypto.ParsePublicKey(entry.PublicKeyPEM); err == nil {
		if crypto.Verify(pub, []byte(entry.Payload), entry.Signature) {
			if resolver == nil {
				return true
			}
			if resolver.Holds(pub) {
				return true
			}
		}
	}
	if resolver == nil {
		return false
	}
	return resolver.VerifyAny([]byte(entry.Payload), entry.Signature)
}

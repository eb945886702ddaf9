package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/civicgraph/integrity-chain/internal/canonical"
	"github.com/civicgraph/integrity-chain/internal/crypto"
	"github.com/civicgraph/integrity-chain/internal/ledger"
	"github.com/civicgraph/integrity-chain/internal/protocol"
)

// IntegrityService owns the key store and the chain behind one writer lock.
// Sign, rotate, and append are read-modify-write sequences (head read plus
// append, active-key read plus sign) that must not interleave.
type IntegrityService struct {
	mu         sync.Mutex
	keys       *crypto.KeyStore
	chain      *ledger.Chain
	writeToken string
	service    string
	version    string
	backend    string
	now        func() time.Time
}

type Params struct {
	Keys       *crypto.KeyStore
	Chain      *ledger.Chain
	WriteToken string
	Service    string
	Version    string
	Backend    string
	Now        func() time.Time
}

func New(params Params) (*IntegrityService, error) {
	if params.Keys == nil {
		return nil, fmt.Errorf("key store is required")
	}
	if params.Chain == nil {
		return nil, fmt.Errorf("chain is required")
	}
	if params.Service == "" {
		params.Service = "integrity-node"
	}
	if params.Version == "" {
		params.Version = "dev"
	}
	if params.Backend == "" {
		params.Backend = "file"
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	return &IntegrityService{
		keys:       params.Keys,
		chain:      params.Chain,
		writeToken: params.WriteToken,
		service:    params.Service,
		version:    params.Version,
		backend:    params.Backend,
		now:        params.Now,
	}, nil
}

// VerifyWriteToken guards mutating operations when bearer auth is enabled.
func (s *IntegrityService) VerifyWriteToken(token string) bool {
	token = strings.TrimSpace(token)
	if token == "" || s.writeToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.writeToken)) == 1
}

// Sign canonicalizes the payload and signs it with the active key.
func (s *IntegrityService) Sign(_ context.Context, req protocol.SignRequest) (protocol.SignedStatement, error) {
	if len(req.Payload) == 0 {
		return protocol.SignedStatement{}, Malformed("payload is required", nil)
	}
	canon, err := canonical.MarshalRaw(req.Payload)
	if err != nil {
		return protocol.SignedStatement{}, Malformed("payload is not valid json", err)
	}

	s.mu.Lock()
	sig, kid := s.keys.Sign(canon)
	s.mu.Unlock()

	return protocol.SignedStatement{
		Canonical:  string(canon),
		HashSHA256: protocol.SHA256Hex(canon),
		Signature:  sig,
		Alg:        protocol.Alg,
		KeyID:      kid,
	}, nil
}

// VerifyStatement checks a signature against every key the node has held.
func (s *IntegrityService) VerifyStatement(_ context.Context, canonical, signature string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys.VerifyAny([]byte(canonical), signature)
}

func (s *IntegrityService) ActiveKey(_ context.Context) protocol.ActiveKeyResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.keys.Active()
	return protocol.ActiveKeyResponse{ID: rec.ID, PublicKeyPEM: rec.PublicKeyPEM}
}

// Keys lists every public key with the active index. Private material never
// leaves the key store.
func (s *IntegrityService) Keys(_ context.Context) protocol.KeyListResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.keys.Records()
	out := protocol.KeyListResponse{ActiveIndex: s.keys.ActiveIndex(), Keys: make([]protocol.KeyInfo, 0, len(records))}
	for _, rec := range records {
		out.Keys = append(out.Keys, protocol.KeyInfo{ID: rec.ID, PublicKeyPEM: rec.PublicKeyPEM, CreatedAt: rec.CreatedAt})
	}
	return out
}

// Rotate introduces a new active signing key; old keys are retained so
// historical statements keep verifying.
func (s *IntegrityService) Rotate(_ context.Context) (protocol.RotateResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.keys.Rotate()
	if err != nil {
		return protocol.RotateResponse{}, Internal("rotate signing key", err)
	}
	return protocol.RotateResponse{OK: true, ActiveIndex: idx, KeyID: s.keys.Active().ID}, nil
}

// Append anchors a signed canonical payload as the next chain entry.
func (s *IntegrityService) Append(ctx context.Context, req protocol.AppendRequest) (protocol.LedgerEntry, error) {
	if strings.TrimSpace(req.Canonical) == "" {
		return protocol.LedgerEntry{}, Malformed("canonical payload is required", nil)
	}
	if strings.TrimSpace(req.Signature) == "" {
		return protocol.LedgerEntry{}, Malformed("signature is required", nil)
	}
	if strings.TrimSpace(req.PublicKeyPEM) == "" {
		return protocol.LedgerEntry{}, Malformed("public_key_pem is required", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.chain.Append(ctx, req.Canonical, req.Signature, req.PublicKeyPEM, s.now())
	if errors.Is(err, ledger.ErrSignatureInvalid) {
		return protocol.LedgerEntry{}, NewAppError(http.StatusUnprocessableEntity, CodeSignatureInvalid, "signature does not verify against supplied public key", false, err)
	}
	if errors.Is(err, ledger.ErrPersistence) {
		return protocol.LedgerEntry{}, NewAppError(http.StatusInternalServerError, CodePersistenceFailure, "ledger write failed; entry was not anchored", true, err)
	}
	if err != nil {
		return protocol.LedgerEntry{}, Internal("append ledger entry", err)
	}
	return entry, nil
}

// Head returns the latest entry, or nil for an empty chain.
func (s *IntegrityService) Head(_ context.Context) *protocol.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chain.Head()
}

func (s *IntegrityService) Entry(_ context.Context, seq uint64) (protocol.LedgerEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chain.Entry(seq)
}

// Verify walks the persisted chain and reports every finding in one pass.
func (s *IntegrityService) Verify(_ context.Context) protocol.VerifyReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chain.Verify(s.keys)
}

// Reload re-reads the ledger store, discarding in-memory chain state.
func (s *IntegrityService) Reload(ctx context.Context) (protocol.ReloadResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.chain.Reload(ctx); err != nil {
		return protocol.ReloadResponse{}, Internal("reload ledger", err)
	}
	resp := protocol.ReloadResponse{OK: true, Entries: s.chain.Len()}
	if head := s.chain.Head(); head != nil {
		resp.HeadSeq = head.Seq
	}
	return resp, nil
}

func (s *IntegrityService) Health(_ context.Context) protocol.HealthResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := protocol.HealthResponse{
		Service:     s.service,
		Version:     s.version,
		Status:      "ok",
		Backend:     s.backend,
		ActiveKeyID: s.keys.Active().ID,
		KeyCount:    s.keys.Len(),
	}
	if head := s.chain.Head(); head != nil {
		seq := head.Seq
		out.HeadSeq = &seq
		out.HeadHash = head.ContentHash
	}
	return out
}

// Package storetest provides an in-process LedgerStore for tests. It lives
// outside the storage package so corruption hooks never ship in the
// production API.
package storetest

import (
	"context"
	"sync"

	"github.com/civicgraph/integrity-chain/internal/protocol"
)

// MemStore is an in-memory LedgerStore.
type MemStore struct {
	mu      sync.Mutex
	entries []protocol.LedgerEntry
}

func NewMemStore() *MemStore {
	return &MemStore{}
}

func (s *MemStore) Append(_ context.Context, entry protocol.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemStore) ReadAll(_ context.Context) ([]protocol.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.LedgerEntry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

func (s *MemStore) Close() {}

// Tamper overwrites a stored entry in place, standing in for out-of-band
// corruption of the backing store.
func (s *MemStore) Tamper(i int, mutate func(*protocol.LedgerEntry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(&s.entries[i])
}

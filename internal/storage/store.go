// Package storage defines the persistence boundary for the integrity chain.
// The ledger file (or table) is the sole source of truth; in-memory chain
// state is always reconstructible by re-reading the store.
package storage

import (
	"context"

	"github.com/civicgraph/integrity-chain/internal/protocol"
)

// LedgerStore persists ledger entries in append order. Append must be
// durable before it returns and must leave no partial entry behind on
// failure; ReadAll returns every persisted entry in seq order.
type LedgerStore interface {
	Append(ctx context.Context, entry protocol.LedgerEntry) error
	ReadAll(ctx context.Context) ([]protocol.LedgerEntry, error)
	Close()
}

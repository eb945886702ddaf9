// Package ledgerpostgres is the optional Postgres-backed LedgerStore for
// deployments that already run a database and want the chain queryable in
// SQL. The file store remains the default; both persist the same entries.
package ledgerpostgres

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/civicgraph/integrity-chain/internal/protocol"
)

//go:embed migrations/001_init.sql
var migration001 string

type Store struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, dsn string, maxConns, minConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns >= 0 {
		cfg.MinConns = minConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := &Store{pool: pool}
	if err := store.applyMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) applyMigrations(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, migration001); err != nil {
		return fmt.Errorf("apply migration 001: %w", err)
	}
	return nil
}

// Append inserts a fully-formed entry inside a serializable transaction.
// The insert is atomic, so a crash mid-append leaves no partial row.
func (s *Store) Append(ctx context.Context, entry protocol.LedgerEntry) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx, `
INSERT INTO chain_entries (seq, content_hash, prev_hash, signature, public_key_pem, payload, ts)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, int64(entry.Seq), entry.ContentHash, entry.PrevHash, entry.Signature, entry.PublicKeyPEM, entry.Payload, entry.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("insert chain entry: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) ReadAll(ctx context.Context) ([]protocol.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
SELECT seq, content_hash, prev_hash, signature, public_key_pem, payload, ts
FROM chain_entries ORDER BY seq ASC
`)
	if err != nil {
		return nil, fmt.Errorf("read chain entries: %w", err)
	}
	defer rows.Close()

	var out []protocol.LedgerEntry
	for rows.Next() {
		var entry protocol.LedgerEntry
		var seq int64
		if err := rows.Scan(&seq, &entry.ContentHash, &entry.PrevHash, &entry.Signature, &entry.PublicKeyPEM, &entry.Payload, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("scan chain entry: %w", err)
		}
		entry.Seq = uint64(seq)
		entry.Timestamp = entry.Timestamp.UTC()
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chain entries: %w", err)
	}
	return out, nil
}

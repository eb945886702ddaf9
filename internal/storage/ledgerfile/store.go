// Package ledgerfile is the default LedgerStore: a human-inspectable JSONL
// file, one entry per line, with fsync-before-return append semantics.
package ledgerfile

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/civicgraph/integrity-chain/internal/protocol"
)

type Store struct {
	path string
}

func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("ledger path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	// Probe readability early so a corrupt file fails at startup, not on
	// the first append.
	s := &Store{path: path}
	if _, err := s.ReadAll(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() {}

// Append writes one JSON line and fsyncs before returning. A failed or
// short write is rolled back by truncating to the pre-append size so the
// file never holds a partial entry.
func (s *Store) Append(_ context.Context, entry protocol.LedgerEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode ledger entry: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()

	offset, err := f.Seek(0, 2)
	if err != nil {
		return fmt.Errorf("seek ledger file: %w", err)
	}
	line := append(raw, '\n')
	if _, err := f.Write(line); err != nil {
		_ = f.Truncate(offset)
		return fmt.Errorf("append ledger entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Truncate(offset)
		return fmt.Errorf("sync ledger file: %w", err)
	}
	return nil
}

// ReadAll parses every line of the ledger file. A missing file is an empty
// ledger. A trailing unparseable line is a persisted-state error surfaced to
// the caller, never silently skipped.
func (s *Store) ReadAll(_ context.Context) ([]protocol.LedgerEntry, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()

	var out []protocol.LedgerEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry protocol.LedgerEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("ledger line %d: %w", lineNo, err)
		}
		out = append(out, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ledger file: %w", err)
	}
	return out, nil
}

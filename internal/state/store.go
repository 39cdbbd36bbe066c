// Package state persists the oracle's documents (push state, error state,
// trade state) and its append-only snapshot journal.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// Well-known document and journal names.
const (
	PushStateDoc  = "push_state"
	ErrorStateDoc = "error_state"
	TradeStateDoc = "trade_state"
	SnapshotLog   = "snapshots"
)

// Store reads and writes whole JSON documents by name and appends records to
// named journals. Documents are always replaced in full.
type Store interface {
	// Load decodes the named document into v. It reports false when the
	// document does not exist yet.
	Load(ctx context.Context, name string, v any) (bool, error)
	Save(ctx context.Context, name string, v any) error
	Append(ctx context.Context, journal string, record any) error
	// Tail returns up to n most recent journal records, oldest first.
	Tail(ctx context.Context, journal string, n int) ([]json.RawMessage, error)
	Close() error
}

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open returns the store for backend rooted at dir.
func Open(backend, dir string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendFile:
		return NewFileStore(dir)
	case BackendSQLite:
		return NewSQLiteStore(filepath.Join(dir, "oracle.db"))
	default:
		return nil, fmt.Errorf("unknown state backend %q (want %s or %s)", backend, BackendFile, BackendSQLite)
	}
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid document name %q", name)
	}
	return nil
}

func lastN(records []json.RawMessage, n int) []json.RawMessage {
	if n <= 0 {
		return nil
	}
	if len(records) > n {
		records = records[len(records)-n:]
	}
	return records
}

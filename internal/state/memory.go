package state

import (
	"context"
	"encoding/json"
	"sync"
)

// Memory is an in-process Store. Documents are held in encoded form so that
// callers never share mutable values with the store.
type Memory struct {
	mu       sync.Mutex
	docs     map[string][]byte
	journals map[string][]json.RawMessage
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]byte), journals: make(map[string][]json.RawMessage)}
}

func (m *Memory) Load(_ context.Context, name string, v any) (bool, error) {
	m.mu.Lock()
	b, ok := m.docs[name]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, v)
}

func (m *Memory) Save(_ context.Context, name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.docs[name] = b
	m.mu.Unlock()
	return nil
}

func (m *Memory) Append(_ context.Context, journal string, record any) error {
	b, err := json.Marshal(record)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.journals[journal] = append(m.journals[journal], b)
	m.mu.Unlock()
	return nil
}

// Journal returns a copy of the records appended to journal.
func (m *Memory) Journal(journal string) []json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]json.RawMessage(nil), m.journals[journal]...)
}

func (m *Memory) Tail(_ context.Context, journal string, n int) ([]json.RawMessage, error) {
	return lastN(m.Journal(journal), n), nil
}

func (m *Memory) Close() error { return nil }

// ReadOnly wraps a Store so that reads pass through and writes land in a
// private in-memory overlay. Simulation runs use it to leave persisted state
// untouched while still seeing their own writes within the run.
type ReadOnly struct {
	base    Store
	overlay *Memory
}

func NewReadOnly(base Store) *ReadOnly {
	return &ReadOnly{base: base, overlay: NewMemory()}
}

func (r *ReadOnly) Load(ctx context.Context, name string, v any) (bool, error) {
	if ok, err := r.overlay.Load(ctx, name, v); ok || err != nil {
		return ok, err
	}
	return r.base.Load(ctx, name, v)
}

func (r *ReadOnly) Save(ctx context.Context, name string, v any) error {
	return r.overlay.Save(ctx, name, v)
}

func (r *ReadOnly) Append(ctx context.Context, journal string, record any) error {
	return r.overlay.Append(ctx, journal, record)
}

// Tail lists base records followed by those appended during this run.
func (r *ReadOnly) Tail(ctx context.Context, journal string, n int) ([]json.RawMessage, error) {
	base, err := r.base.Tail(ctx, journal, n)
	if err != nil {
		return nil, err
	}
	return lastN(append(base, r.overlay.Journal(journal)...), n), nil
}

func (r *ReadOnly) Close() error { return nil }

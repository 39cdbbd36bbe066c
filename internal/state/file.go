package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps each document in <dir>/<name>.json and each journal in
// <dir>/<name>.jsonl, rotated to <name>.jsonl.1 at JournalMaxBytes. Saves go
// through a temp file and rename.
type FileStore struct {
	dir string
	// JournalMaxBytes applies to journals opened after it is set.
	JournalMaxBytes int64

	mu       sync.Mutex
	journals map[string]*journal
}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir, JournalMaxBytes: DefaultJournalMaxBytes, journals: make(map[string]*journal)}, nil
}

func (s *FileStore) docPath(name string) string {
	return filepath.Join(s.dir, name+".json")
}

func (s *FileStore) Load(_ context.Context, name string, v any) (bool, error) {
	if err := validName(name); err != nil {
		return false, err
	}
	path := s.docPath(name)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}

func (s *FileStore) Save(_ context.Context, name string, v any) error {
	if err := validName(name); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	path := s.docPath(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) journal(name string) *journal {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.journals[name]
	if j == nil {
		j = newJournal(filepath.Join(s.dir, name+".jsonl"), s.JournalMaxBytes)
		s.journals[name] = j
	}
	return j
}

func (s *FileStore) Append(_ context.Context, journal string, record any) error {
	if err := validName(journal); err != nil {
		return err
	}
	return s.journal(journal).append(record)
}

func (s *FileStore) Tail(_ context.Context, journal string, n int) ([]json.RawMessage, error) {
	if err := validName(journal); err != nil {
		return nil, err
	}
	return s.journal(journal).tail(n)
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for name, j := range s.journals {
		if err := j.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.journals, name)
	}
	return firstErr
}

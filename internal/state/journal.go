package state

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// DefaultJournalMaxBytes is the size at which a file journal rotates.
const DefaultJournalMaxBytes = 16 << 20

// journal is one append-only JSONL file plus a single rotated generation
// (<path>.1). Once the live file would grow past maxBytes it replaces the
// previous generation, so disk use stays near 2*maxBytes.
type journal struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	file     *os.File
	size     int64
}

func newJournal(path string, maxBytes int64) *journal {
	if maxBytes <= 0 {
		maxBytes = DefaultJournalMaxBytes
	}
	return &journal{path: path, maxBytes: maxBytes}
}

func (j *journal) rotatedPath() string { return j.path + ".1" }

func (j *journal) openLocked() error {
	if j.file != nil {
		return nil
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	j.file, j.size = f, info.Size()
	return nil
}

func (j *journal) rotateLocked() error {
	if err := j.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	j.file, j.size = nil, 0
	if err := os.Rename(j.path, j.rotatedPath()); err != nil {
		return fmt.Errorf("rotate %s: %w", j.path, err)
	}
	return j.openLocked()
}

// append writes record as one line. A record is never split across
// generations.
func (j *journal) append(record any) error {
	if record == nil {
		return fmt.Errorf("journal %s: nil record", j.path)
	}
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("journal %s: %w", j.path, err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.openLocked(); err != nil {
		return err
	}
	if j.size > 0 && j.size+int64(len(line)) > j.maxBytes {
		if err := j.rotateLocked(); err != nil {
			return err
		}
	}
	n, err := j.file.Write(line)
	j.size += int64(n)
	return err
}

// tail returns up to n most recent records across both generations.
func (j *journal) tail(n int) ([]json.RawMessage, error) {
	if n <= 0 {
		return nil, nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	recent, err := readRecords(j.path, n)
	if err != nil {
		return nil, err
	}
	if len(recent) >= n {
		return recent, nil
	}
	older, err := readRecords(j.rotatedPath(), n-len(recent))
	if err != nil {
		return nil, err
	}
	return append(older, recent...), nil
}

func (j *journal) close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file, j.size = nil, 0
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

// readRecords returns the last n non-blank lines of path. A missing file
// has no records.
func readRecords(path string, n int) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []json.RawMessage
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		out = append(out, json.RawMessage(append([]byte(nil), line...)))
		if len(out) > 2*n {
			out = append([]json.RawMessage(nil), lastN(out, n)...)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return lastN(out, n), nil
}

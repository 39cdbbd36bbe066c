package state

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Count int        `json:"count"`
	Names []string   `json:"names"`
	At    *time.Time `json:"at,omitempty"`
}

func backends(t *testing.T) map[string]Store {
	t.Helper()
	fileStore, err := Open(BackendFile, t.TempDir())
	require.NoError(t, err)
	sqliteStore, err := Open(BackendSQLite, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = fileStore.Close()
		_ = sqliteStore.Close()
	})
	return map[string]Store{
		"file":   fileStore,
		"sqlite": sqliteStore,
		"memory": NewMemory(),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			var missing doc
			ok, err := s.Load(ctx, PushStateDoc, &missing)
			require.NoError(t, err)
			assert.False(t, ok)

			at := time.UnixMilli(1_700_000_000_000).UTC()
			require.NoError(t, s.Save(ctx, PushStateDoc, doc{Count: 1, Names: []string{"a"}, At: &at}))
			require.NoError(t, s.Save(ctx, PushStateDoc, doc{Count: 2, Names: []string{"b", "c"}}))

			var got doc
			ok, err = s.Load(ctx, PushStateDoc, &got)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, 2, got.Count)
			assert.Equal(t, []string{"b", "c"}, got.Names)
			assert.Nil(t, got.At, "whole-document overwrite must drop old fields")

			var other doc
			ok, err = s.Load(ctx, ErrorStateDoc, &other)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStoreRejectsBadNames(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	assert.Error(t, s.Save(ctx, "../escape", doc{}))
	assert.Error(t, s.Append(ctx, "", doc{}))
	_, err = s.Load(ctx, ".hidden", &doc{})
	assert.Error(t, err)
}

func TestFileStoreAtomicSave(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, s.Save(context.Background(), ErrorStateDoc, doc{Count: 3}))
	_, err = os.Stat(filepath.Join(dir, ErrorStateDoc+".json.tmp"))
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")

	b, err := os.ReadFile(filepath.Join(dir, ErrorStateDoc+".json"))
	require.NoError(t, err)
	var got doc
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, 3, got.Count)
}

func TestFileStoreCorruptDocument(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, PushStateDoc+".json"), []byte("{not json"), 0o644))
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	_, err = s.Load(context.Background(), PushStateDoc, &doc{})
	assert.Error(t, err)
}

func TestFileStoreJournal(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, SnapshotLog, map[string]int{"n": 1}))
	require.NoError(t, s.Append(ctx, SnapshotLog, map[string]int{"n": 2}))
	require.NoError(t, s.Close())

	f, err := os.Open(filepath.Join(dir, SnapshotLog+".jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var ns []int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec map[string]int
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		ns = append(ns, rec["n"])
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, []int{1, 2}, ns)
}

func TestSQLiteStoreTail(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "oracle.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Append(ctx, SnapshotLog, map[string]int{"n": i}))
	}
	require.NoError(t, s.Append(ctx, "other", map[string]int{"n": 99}))

	tail, err := s.Tail(ctx, SnapshotLog, 3)
	require.NoError(t, err)
	require.Len(t, tail, 3)
	var ns []int
	for _, raw := range tail {
		var rec map[string]int
		require.NoError(t, json.Unmarshal(raw, &rec))
		ns = append(ns, rec["n"])
	}
	assert.Equal(t, []int{3, 4, 5}, ns)

	for _, n := range []int{0, -1} {
		none, err := s.Tail(ctx, SnapshotLog, n)
		require.NoError(t, err)
		assert.Nil(t, none, "n=%d", n)
	}
}

func TestReadOnlyOverlay(t *testing.T) {
	ctx := context.Background()
	base := NewMemory()
	require.NoError(t, base.Save(ctx, PushStateDoc, doc{Count: 1}))

	ro := NewReadOnly(base)
	var got doc
	ok, err := ro.Load(ctx, PushStateDoc, &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, got.Count)

	require.NoError(t, ro.Save(ctx, PushStateDoc, doc{Count: 7}))
	require.NoError(t, ro.Append(ctx, SnapshotLog, doc{Count: 7}))

	ok, err = ro.Load(ctx, PushStateDoc, &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 7, got.Count)

	var baseDoc doc
	_, err = base.Load(ctx, PushStateDoc, &baseDoc)
	require.NoError(t, err)
	assert.Equal(t, 1, baseDoc.Count, "base store must be untouched")
	assert.Empty(t, base.Journal(SnapshotLog))
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open("redis", t.TempDir())
	assert.Error(t, err)
}

func TestFileJournalRotates(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	defer s.Close()
	// Each record is 25 bytes, so a generation holds four.
	s.JournalMaxBytes = 100
	ctx := context.Background()

	for i := 1; i <= 7; i++ {
		require.NoError(t, s.Append(ctx, SnapshotLog, doc{Count: i}))
	}

	_, err = os.Stat(filepath.Join(dir, SnapshotLog+".jsonl.1"))
	require.NoError(t, err, "rotated generation exists")
	info, err := os.Stat(filepath.Join(dir, SnapshotLog+".jsonl"))
	require.NoError(t, err)
	assert.LessOrEqual(t, info.Size(), int64(100))

	tail, err := s.Tail(ctx, SnapshotLog, 4)
	require.NoError(t, err)
	var got []int
	for _, raw := range tail {
		var d doc
		require.NoError(t, json.Unmarshal(raw, &d))
		got = append(got, d.Count)
	}
	assert.Equal(t, []int{4, 5, 6, 7}, got)

	none, err := s.Tail(ctx, SnapshotLog, 0)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestFileJournalReopensAtExistingSize(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	s.JournalMaxBytes = 100
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, SnapshotLog, doc{Count: 1}))
	require.NoError(t, s.Append(ctx, SnapshotLog, doc{Count: 2}))
	require.NoError(t, s.Close())

	s2, err := NewFileStore(dir)
	require.NoError(t, err)
	defer s2.Close()
	s2.JournalMaxBytes = 100
	for i := 3; i <= 5; i++ {
		require.NoError(t, s2.Append(ctx, SnapshotLog, doc{Count: i}))
	}

	_, err = os.Stat(filepath.Join(dir, SnapshotLog+".jsonl.1"))
	require.NoError(t, err, "size carried over from the existing file")
	tail, err := s2.Tail(ctx, SnapshotLog, 10)
	require.NoError(t, err)
	assert.Len(t, tail, 5)
}

func TestFileStoreTail(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	empty, err := s.Tail(ctx, SnapshotLog, 3)
	require.NoError(t, err)
	assert.Empty(t, empty)

	for i := 1; i <= 8; i++ {
		require.NoError(t, s.Append(ctx, SnapshotLog, doc{Count: i}))
	}
	tail, err := s.Tail(ctx, SnapshotLog, 3)
	require.NoError(t, err)
	require.Len(t, tail, 3)
	var got []int
	for _, raw := range tail {
		var d doc
		require.NoError(t, json.Unmarshal(raw, &d))
		got = append(got, d.Count)
	}
	assert.Equal(t, []int{6, 7, 8}, got)
}

func TestReadOnlyTailIncludesOverlay(t *testing.T) {
	ctx := context.Background()
	base := NewMemory()
	require.NoError(t, base.Append(ctx, SnapshotLog, doc{Count: 1}))
	require.NoError(t, base.Append(ctx, SnapshotLog, doc{Count: 2}))

	ro := NewReadOnly(base)
	require.NoError(t, ro.Append(ctx, SnapshotLog, doc{Count: 3}))

	tail, err := ro.Tail(ctx, SnapshotLog, 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	var first, second doc
	require.NoError(t, json.Unmarshal(tail[0], &first))
	require.NoError(t, json.Unmarshal(tail[1], &second))
	assert.Equal(t, 2, first.Count)
	assert.Equal(t, 3, second.Count)
}

package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "state.json"))

	err := store.Load()

	assert.NoError(t, err)
	assert.False(t, store.Contains("123"))
	assert.Empty(t, store.Snapshot())
}

func TestRecordAndPersistRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewStore(path)
	require.NoError(t, store.Load())

	store.Record("123", "page-1")
	store.Record("456", "page-2")
	store.SetCursor("token-abc")
	require.NoError(t, store.Persist())

	reloaded := NewStore(path)
	require.NoError(t, reloaded.Load())

	assert.True(t, reloaded.Contains("123"))
	assert.True(t, reloaded.Contains("456"))
	assert.False(t, reloaded.Contains("789"))
	assert.Equal(t, "token-abc", reloaded.Cursor())
	assert.Equal(t, "page-1", reloaded.Snapshot()["123"].NotionPageID)
}

func TestRecordIsIdempotent(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, store.Load())

	store.Record("123", "page-1")
	store.Record("123", "page-1")
	store.Record("123", "page-9")

	unique, total, _ := store.Stats()
	assert.Equal(t, 1, unique)
	assert.Equal(t, 1, total)
	// Overwrite wins: latest page id is kept.
	assert.Equal(t, "page-9", store.Snapshot()["123"].NotionPageID)
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	store := NewStore(path)

	err := store.Load()

	assert.ErrorIs(t, err, ErrStateCorrupt)
	var corrupt *CorruptError
	require.True(t, errors.As(err, &corrupt))
	assert.Equal(t, path, corrupt.Path)
}

func TestPersistReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	store := NewStore(path)
	require.NoError(t, store.Load())

	store.Record("1", "page-1")
	require.NoError(t, store.Persist())
	store.Record("2", "page-2")
	require.NoError(t, store.Persist())

	// No temp files left behind, and the final file parses.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	reloaded := NewStore(path)
	require.NoError(t, reloaded.Load())
	assert.True(t, reloaded.Contains("1"))
	assert.True(t, reloaded.Contains("2"))
}

func TestPersistCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "state.json")
	store := NewStore(path)
	require.NoError(t, store.Load())

	store.Record("1", "page-1")

	assert.NoError(t, store.Persist())
	assert.FileExists(t, path)
}

package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fieldnotes/clipsync/internal/model"
)

// ErrStateCorrupt signals that the persisted state file exists but cannot be
// parsed. The orchestrator must halt rather than resync blindly: a blind
// resync risks duplicate destination rows.
var ErrStateCorrupt = errors.New("state file corrupt")

// CorruptError wraps ErrStateCorrupt with the file path and parse failure.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("state file %s corrupt: %v", e.Path, e.Err)
}

func (e *CorruptError) Is(target error) bool { return target == ErrStateCorrupt }

func (e *CorruptError) Unwrap() error { return e.Err }

type snapshot struct {
	Records     map[string]model.SyncRecord `json:"records"`
	LastCursor  string                      `json:"last_cursor,omitempty"`
	LastSync    time.Time                   `json:"last_sync_time,omitempty"`
	TotalSynced int                         `json:"total_synced"`
}

// Store tracks which source IDs have already been written to the destination.
// All mutations happen in memory; Persist flushes the whole snapshot to disk
// with write-temp-then-rename semantics so a crash never leaves a truncated
// file behind.
type Store struct {
	mu   sync.RWMutex
	path string
	snap snapshot
}

func NewStore(path string) *Store {
	return &Store{
		path: path,
		snap: snapshot{Records: map[string]model.SyncRecord{}},
	}
}

// Path returns the backing file location.
func (s *Store) Path() string { return s.path }

// Load reads the snapshot from disk. A missing file is not an error: the
// store starts empty. An unparsable file returns a CorruptError.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.snap = snapshot{Records: map[string]model.SyncRecord{}}
			return nil
		}
		return err
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return &CorruptError{Path: s.path, Err: err}
	}
	if snap.Records == nil {
		snap.Records = map[string]model.SyncRecord{}
	}
	s.snap = snap
	return nil
}

// Contains reports whether sourceID has a confirmed sync record.
func (s *Store) Contains(sourceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.snap.Records[sourceID]
	return ok
}

// Record marks sourceID as synced to the given page. Recording the same ID
// twice is an overwrite, not an error; the total counter only advances for
// IDs not seen before.
func (s *Store) Record(sourceID, notionPageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snap.Records[sourceID]; !ok {
		s.snap.TotalSynced++
	}
	s.snap.Records[sourceID] = model.SyncRecord{
		SourceID:     sourceID,
		NotionPageID: notionPageID,
		SyncedAt:     time.Now().UTC(),
	}
}

// Snapshot returns a copy of the current source_id -> SyncRecord mapping.
func (s *Store) Snapshot() map[string]model.SyncRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]model.SyncRecord, len(s.snap.Records))
	for id, rec := range s.snap.Records {
		out[id] = rec
	}
	return out
}

// Cursor returns the persisted pagination token from the last poll cycle.
func (s *Store) Cursor() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.LastCursor
}

func (s *Store) SetCursor(cursor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.LastCursor = cursor
}

// Stats reports totals for the status command and the metrics endpoint.
func (s *Store) Stats() (unique int, total int, lastSync time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snap.Records), s.snap.TotalSynced, s.snap.LastSync
}

// Persist flushes the whole snapshot atomically: write to a temp file in the
// same directory, fsync, then rename over the prior file.
func (s *Store) Persist() error {
	s.mu.Lock()
	s.snap.LastSync = time.Now().UTC()
	data, err := json.MarshalIndent(s.snap, "", "  ")
	path := s.path
	s.mu.Unlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

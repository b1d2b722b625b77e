package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldnotes/clipsync/internal/model"
	"github.com/fieldnotes/clipsync/internal/notion"
	"github.com/fieldnotes/clipsync/internal/retry"
	"github.com/fieldnotes/clipsync/internal/source"
	"github.com/fieldnotes/clipsync/internal/state"
)

func item(id string) model.CanonicalItem {
	return model.CanonicalItem{
		SourceID:     id,
		Title:        "tweet " + id,
		AuthorName:   "Jane",
		AuthorHandle: "jane",
		BodyText:     "body " + id,
		URL:          "https://x.com/jane/status/" + id,
		Category:     model.CategoryRegular,
	}
}

// fakeSource serves fixed pages of bookmarks keyed by cursor.
type fakeSource struct {
	mu    sync.Mutex
	pages map[string]fakePage
	err   error
	calls int
}

type fakePage struct {
	items []model.CanonicalItem
	next  string
	err   error
}

func (f *fakeSource) FetchBookmarks(_ context.Context, cursor string) ([]model.CanonicalItem, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, "", f.err
	}
	page := f.pages[cursor]
	if page.err != nil {
		return nil, "", page.err
	}
	return page.items, page.next, nil
}

// fakeWriter records upserts and can fail specific source IDs, optionally a
// limited number of times.
type fakeWriter struct {
	mu          sync.Mutex
	upserts     []string
	failID      string
	failErr     error
	failCount   int
	validateErr error
	block       chan struct{}
}

func (f *fakeWriter) Upsert(_ context.Context, it model.CanonicalItem) (string, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if it.SourceID == f.failID && f.failCount != 0 {
		if f.failCount > 0 {
			f.failCount--
		}
		return "", f.failErr
	}
	f.upserts = append(f.upserts, it.SourceID)
	return "page-" + it.SourceID, nil
}

func (f *fakeWriter) ValidateDatabase(context.Context) error { return f.validateErr }

func (f *fakeWriter) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.upserts...)
}

type fakeResolver struct {
	item model.CanonicalItem
	err  error
	last struct {
		url, tag string
	}
}

func (f *fakeResolver) Resolve(_ context.Context, url, tag string) (model.CanonicalItem, error) {
	f.last.url, f.last.tag = url, tag
	if f.err != nil {
		return model.CanonicalItem{}, f.err
	}
	it := f.item
	it.UserTag = tag
	return it, nil
}

func newTestSyncer(t *testing.T, src Source, res Resolver, w Writer) (*Syncer, *state.Store) {
	t.Helper()
	store := state.NewStore(filepath.Join(t.TempDir(), "state.json"))
	s := New(Options{
		State:    store,
		Source:   src,
		Resolver: res,
		Writer:   w,
		Policy: retry.Policy{
			MaxAttempts: 3,
			Sleep:       func(context.Context, time.Duration) error { return nil },
		},
	})
	require.NoError(t, s.LoadState())
	return s, store
}

func TestRunCycleWritesOnlyUnseenItems(t *testing.T) {
	src := &fakeSource{pages: map[string]fakePage{
		"": {items: []model.CanonicalItem{item("3"), item("2"), item("1")}},
	}}
	w := &fakeWriter{}
	s, store := newTestSyncer(t, src, nil, w)
	store.Record("2", "page-2")

	stats, err := s.RunCycle(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, stats.Fetched)
	assert.Equal(t, 2, stats.Synced)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, []string{"3", "1"}, w.written())
}

func TestRunCycleSecondRunWritesNothing(t *testing.T) {
	src := &fakeSource{pages: map[string]fakePage{
		"": {items: []model.CanonicalItem{item("1"), item("2")}},
	}}
	w := &fakeWriter{}
	s, _ := newTestSyncer(t, src, nil, w)

	_, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	stats, err := s.RunCycle(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, stats.Synced)
	assert.Equal(t, 2, stats.Skipped)
	assert.Len(t, w.written(), 2)
}

func TestRunCycleFollowsPagination(t *testing.T) {
	src := &fakeSource{pages: map[string]fakePage{
		"":       {items: []model.CanonicalItem{item("4"), item("3")}, next: "page-2"},
		"page-2": {items: []model.CanonicalItem{item("2"), item("1")}},
	}}
	w := &fakeWriter{}
	s, store := newTestSyncer(t, src, nil, w)

	stats, err := s.RunCycle(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 4, stats.Synced)
	assert.Equal(t, []string{"4", "3", "2", "1"}, w.written())
	assert.Empty(t, store.Cursor())
}

func TestRunCyclePartialProgressSurvivesFailure(t *testing.T) {
	src := &fakeSource{pages: map[string]fakePage{
		"": {items: []model.CanonicalItem{item("3"), item("2"), item("1")}},
	}}
	w := &fakeWriter{
		failID:    "2",
		failErr:   &notion.ValidationError{Message: "bad select"},
		failCount: -1,
	}
	s, store := newTestSyncer(t, src, nil, w)

	_, err := s.RunCycle(context.Background())

	assert.ErrorIs(t, err, notion.ErrValidation)
	// Item 3 was confirmed before the halt and must survive a reload.
	reloaded := state.NewStore(storePath(store))
	require.NoError(t, reloaded.Load())
	assert.True(t, reloaded.Contains("3"))
	assert.False(t, reloaded.Contains("2"))
	assert.False(t, reloaded.Contains("1"))
}

func TestRunCycleFetchHaltPreservesConfirmedWrites(t *testing.T) {
	src := &fakeSource{pages: map[string]fakePage{
		"":       {items: []model.CanonicalItem{item("10"), item("9")}, next: "page-2"},
		"page-2": {err: fmt.Errorf("%w: refresh rejected", source.ErrAuthExpired)},
	}}
	w := &fakeWriter{}
	s, store := newTestSyncer(t, src, nil, w)

	_, err := s.RunCycle(context.Background())

	assert.ErrorIs(t, err, source.ErrAuthExpired)
	assert.Equal(t, []string{"10", "9"}, w.written())
	// Writes confirmed on the first page must survive a process exit.
	reloaded := state.NewStore(storePath(store))
	require.NoError(t, reloaded.Load())
	assert.True(t, reloaded.Contains("10"))
	assert.True(t, reloaded.Contains("9"))
	// The persisted cursor lets the next cycle resume the halted walk.
	assert.Equal(t, "page-2", reloaded.Cursor())
}

func TestRunCycleRetriesRateLimitThenSucceeds(t *testing.T) {
	src := &fakeSource{pages: map[string]fakePage{
		"": {items: []model.CanonicalItem{item("1")}},
	}}
	w := &fakeWriter{
		failID:    "1",
		failErr:   &retry.RateLimitedError{RetryAfter: time.Second},
		failCount: 1,
	}
	s, _ := newTestSyncer(t, src, nil, w)

	stats, err := s.RunCycle(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, stats.Synced)
	assert.Equal(t, []string{"1"}, w.written())
}

func TestRunCycleHaltsOnAuthExpired(t *testing.T) {
	src := &fakeSource{err: fmt.Errorf("%w: refresh rejected", source.ErrAuthExpired)}
	s, _ := newTestSyncer(t, src, nil, &fakeWriter{})

	_, err := s.RunCycle(context.Background())

	assert.ErrorIs(t, err, source.ErrAuthExpired)
	assert.Equal(t, 1, s.Stats().CyclesHalted)
}

func TestRunCycleSkipsWhenBusy(t *testing.T) {
	release := make(chan struct{})
	src := &fakeSource{pages: map[string]fakePage{
		"": {items: []model.CanonicalItem{item("1")}},
	}}
	w := &fakeWriter{block: release}
	s, _ := newTestSyncer(t, src, nil, w)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.RunCycle(context.Background())
	}()

	// Wait for the first cycle to reach the blocked write. The cycle holds
	// the lock before fetching, so a recorded fetch call means any RunCycle
	// below races nothing: it must observe the busy lock.
	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.calls > 0
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := s.RunCycle(context.Background())
		return errors.Is(err, ErrCycleInProgress)
	}, time.Second, 5*time.Millisecond)

	close(release)
	<-done
}

func TestRunBackfillHonorsLimit(t *testing.T) {
	src := &fakeSource{pages: map[string]fakePage{
		"":       {items: []model.CanonicalItem{item("5"), item("4")}, next: "page-2"},
		"page-2": {items: []model.CanonicalItem{item("3"), item("2")}},
	}}
	w := &fakeWriter{}
	s, store := newTestSyncer(t, src, nil, w)

	stats, err := s.RunBackfill(context.Background(), 3)

	require.NoError(t, err)
	assert.Equal(t, 3, stats.Synced)
	assert.Equal(t, []string{"5", "4", "3"}, w.written())
	// Backfill never touches the poll cursor.
	assert.Empty(t, store.Cursor())
}

func TestCorruptStateHaltsEveryCycle(t *testing.T) {
	store := state.NewStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, writeCorrupt(storePath(store)))
	s := New(Options{
		State:  store,
		Source: &fakeSource{},
		Writer: &fakeWriter{},
	})

	require.ErrorIs(t, s.LoadState(), state.ErrStateCorrupt)

	_, err := s.RunCycle(context.Background())
	assert.ErrorIs(t, err, state.ErrStateCorrupt)

	_, err = s.RunMessageCycle(context.Background(), "https://x.com/jane/status/1")
	assert.ErrorIs(t, err, state.ErrStateCorrupt)
}

func TestRunMessageCycleSavesItem(t *testing.T) {
	res := &fakeResolver{item: item("42")}
	w := &fakeWriter{}
	s, store := newTestSyncer(t, &fakeSource{}, res, w)

	result, err := s.RunMessageCycle(context.Background(), "tech https://x.com/jane/status/42")

	require.NoError(t, err)
	assert.Equal(t, "page-42", result.PageID)
	assert.False(t, result.Duplicate)
	assert.Equal(t, "https://x.com/jane/status/42", res.last.url)
	assert.Equal(t, "Tech", res.last.tag)
	assert.True(t, store.Contains("42"))

	// Immediately durable: a reload sees the record.
	reloaded := state.NewStore(storePath(store))
	require.NoError(t, reloaded.Load())
	assert.True(t, reloaded.Contains("42"))
}

func TestRunMessageCycleDuplicate(t *testing.T) {
	res := &fakeResolver{item: item("42")}
	w := &fakeWriter{}
	s, store := newTestSyncer(t, &fakeSource{}, res, w)
	store.Record("42", "page-42")

	result, err := s.RunMessageCycle(context.Background(), "https://x.com/jane/status/42")

	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Empty(t, w.written())
}

func TestRunMessageCycleNoURL(t *testing.T) {
	s, store := newTestSyncer(t, &fakeSource{}, &fakeResolver{}, &fakeWriter{})

	_, err := s.RunMessageCycle(context.Background(), "hello there")

	assert.ErrorIs(t, err, source.ErrNoURLFound)
	unique, _, _ := store.Stats()
	assert.Zero(t, unique)
}

func TestRunMessageCycleQueueFull(t *testing.T) {
	release := make(chan struct{})
	res := &fakeResolver{item: item("1")}
	w := &fakeWriter{block: release}
	s, _ := newTestSyncer(t, &fakeSource{}, res, w)

	first := make(chan error, 1)
	go func() {
		_, err := s.RunMessageCycle(context.Background(), "https://x.com/jane/status/1")
		first <- err
	}()

	// One trigger may queue behind the running cycle; the next must be
	// rejected. Saturate until the queue reports full.
	queued := make(chan error, 8)
	require.Eventually(t, func() bool {
		go func() {
			_, err := s.RunMessageCycle(context.Background(), "https://x.com/jane/status/2")
			queued <- err
		}()
		select {
		case err := <-queued:
			return errors.Is(err, ErrQueueFull)
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, time.Second, 10*time.Millisecond)

	close(release)
	assert.NoError(t, <-first)
}

// ctxRecordingWriter captures the context state seen by each upsert attempt
// and always fails retryably.
type ctxRecordingWriter struct {
	ctxErrs []error
}

func (w *ctxRecordingWriter) Upsert(ctx context.Context, _ model.CanonicalItem) (string, error) {
	w.ctxErrs = append(w.ctxErrs, ctx.Err())
	return "", &retry.TransientError{Cause: errors.New("destination down")}
}

func (w *ctxRecordingWriter) ValidateDatabase(context.Context) error { return nil }

func TestShutdownInterruptsBackoffNotInFlightWrite(t *testing.T) {
	w := &ctxRecordingWriter{}
	store := state.NewStore(filepath.Join(t.TempDir(), "state.json"))
	s := New(Options{
		State:    store,
		Resolver: &fakeResolver{item: item("1")},
		Writer:   w,
		Policy: retry.Policy{
			MaxAttempts: 5,
			Sleep:       func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
		},
	})
	require.NoError(t, s.LoadState())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.RunMessageCycle(ctx, "https://x.com/jane/status/1")

	// The backoff sleep observes the cancellation, so the ladder stops after
	// one attempt instead of burning the full budget.
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, w.ctxErrs, 1)
	// The attempt already in flight ran to completion with a live context.
	assert.NoError(t, w.ctxErrs[0])
}

func storePath(s *state.Store) string { return s.Path() }

func writeCorrupt(path string) error {
	return os.WriteFile(path, []byte("{broken"), 0o644)
}

// Package syncer drives one sync cycle at a time:
// fetch -> filter -> write -> persist. Cycles are serialized by a single
// in-process lock; any halt aborts the current cycle, never the process.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldnotes/clipsync/internal/model"
	"github.com/fieldnotes/clipsync/internal/retry"
	"github.com/fieldnotes/clipsync/internal/source"
	"github.com/fieldnotes/clipsync/internal/state"
)

var (
	// ErrCycleInProgress is the poll trigger's skip signal: a cycle is
	// already running, try again next tick.
	ErrCycleInProgress = errors.New("sync cycle already in progress")
	// ErrQueueFull rejects a webhook trigger once the bounded wait queue
	// behind the running cycle is occupied.
	ErrQueueFull = errors.New("trigger queue full")
)

// Source fetches candidate items ordered newest-first, plus the pagination
// cursor for the following call.
type Source interface {
	FetchBookmarks(ctx context.Context, cursor string) ([]model.CanonicalItem, string, error)
}

// Resolver turns an inbound message URL into a canonical item.
type Resolver interface {
	Resolve(ctx context.Context, url, tag string) (model.CanonicalItem, error)
}

// Writer creates destination rows. It never checks for duplicates: the state
// store filter in this package is authoritative.
type Writer interface {
	Upsert(ctx context.Context, item model.CanonicalItem) (string, error)
	ValidateDatabase(ctx context.Context) error
}

type Options struct {
	State    *state.Store
	Source   Source
	Resolver Resolver
	Writer   Writer
	Policy   retry.Policy

	// QueueDepth bounds webhook triggers waiting behind a running cycle.
	QueueDepth int
}

type Syncer struct {
	mu      sync.Mutex
	tickets chan struct{}

	state    *state.Store
	source   Source
	resolver Resolver
	writer   Writer
	policy   retry.Policy

	// corrupt is sticky: once the state file is unreadable every cycle
	// halts until the operator resolves it.
	corruptMu sync.Mutex
	corrupt   error

	statsMu sync.Mutex
	totals  Totals
}

// Totals are cumulative across cycles, for status and metrics reporting.
type Totals struct {
	CyclesRun    int
	CyclesHalted int
	ItemsFetched int
	ItemsSynced  int
	ItemsSkipped int
}

// CycleStats describes a single completed (or halted) cycle.
type CycleStats struct {
	CycleID string
	Fetched int
	Synced  int
	Skipped int
}

// MessageResult is the webhook cycle outcome.
type MessageResult struct {
	Item      model.CanonicalItem
	PageID    string
	Duplicate bool
}

func New(opts Options) *Syncer {
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = 1
	}
	return &Syncer{
		tickets:  make(chan struct{}, depth),
		state:    opts.State,
		source:   opts.Source,
		resolver: opts.Resolver,
		writer:   opts.Writer,
		policy:   opts.Policy,
	}
}

// LoadState loads the persisted snapshot. A corrupt file halts all future
// cycles: resyncing blindly risks duplicate destination rows.
func (s *Syncer) LoadState() error {
	err := s.state.Load()
	if errors.Is(err, state.ErrStateCorrupt) {
		s.setCorrupt(err)
	}
	return err
}

// Setup validates the destination schema before the first cycle.
func (s *Syncer) Setup(ctx context.Context) error {
	return s.writer.ValidateDatabase(ctx)
}

// RunCycle runs one poll cycle. A cycle already in progress is skipped with
// ErrCycleInProgress; the scheduler retries next tick.
func (s *Syncer) RunCycle(ctx context.Context) (CycleStats, error) {
	if !s.mu.TryLock() {
		return CycleStats{}, ErrCycleInProgress
	}
	defer s.mu.Unlock()
	return s.runPollCycle(ctx, pollConfig{cursor: s.state.Cursor(), advanceCursor: true})
}

// RunBackfill walks all bookmarks from the beginning, ignoring the stored
// cursor, syncing at most limit items (0 means no limit). Useful after
// clearing state or on first run.
func (s *Syncer) RunBackfill(ctx context.Context, limit int) (CycleStats, error) {
	if !s.mu.TryLock() {
		return CycleStats{}, ErrCycleInProgress
	}
	defer s.mu.Unlock()
	return s.runPollCycle(ctx, pollConfig{limit: limit})
}

type pollConfig struct {
	cursor        string
	limit         int
	advanceCursor bool
}

func (s *Syncer) runPollCycle(ctx context.Context, cfg pollConfig) (CycleStats, error) {
	stats := CycleStats{CycleID: uuid.NewString()}
	if err := s.haltedErr(); err != nil {
		return stats, err
	}
	log.Printf("cycle %s: starting poll cycle", stats.CycleID)
	started := time.Now()

	cursor := cfg.cursor
	halted := func(err error) (CycleStats, error) {
		s.recordCycle(stats, true)
		log.Printf("cycle %s: halted: %v", stats.CycleID, err)
		return stats, err
	}

	for {
		// Fetching. Records confirmed on earlier pages must survive a halt
		// here, same as on the write-error path.
		items, next, err := s.source.FetchBookmarks(ctx, cursor)
		if err != nil {
			if stats.Synced > 0 {
				s.persist(stats.CycleID)
			}
			if errors.Is(err, source.ErrAuthExpired) {
				return halted(fmt.Errorf("source authorization expired, re-run authorization: %w", err))
			}
			return halted(err)
		}
		stats.Fetched += len(items)

		// Filtering: local dedup is authoritative, the destination may
		// hold stale or user-edited rows.
		pending := make([]model.CanonicalItem, 0, len(items))
		for _, item := range items {
			if s.state.Contains(item.SourceID) {
				stats.Skipped++
				continue
			}
			pending = append(pending, item)
		}

		// Writing: record each confirmed write immediately so partial
		// progress is durable even if a later item fails.
		for _, item := range pending {
			if ctx.Err() != nil {
				s.persist(stats.CycleID)
				return halted(ctx.Err())
			}
			pageID, err := s.write(ctx, item)
			if err != nil {
				s.persist(stats.CycleID)
				return halted(err)
			}
			s.state.Record(item.SourceID, pageID)
			stats.Synced++
			if cfg.limit > 0 && stats.Synced >= cfg.limit {
				next = ""
				break
			}
		}

		// The cursor only advances once every item of the page is either
		// skipped or durably recorded. Pagination tokens are only valid
		// relative to the previous request: a mid-walk token lets a halted
		// cycle resume its walk, and after a complete walk the cursor resets
		// to empty. The next cycle re-walks the list from the top with the
		// dedup filter skipping everything already recorded.
		if cfg.advanceCursor {
			s.state.SetCursor(next)
		}
		cursor = next
		if next == "" {
			break
		}
	}

	// Persisting
	if err := s.persist(stats.CycleID); err != nil {
		return halted(err)
	}
	s.recordCycle(stats, false)
	log.Printf("cycle %s: complete in %s: %d fetched, %d synced, %d skipped",
		stats.CycleID, time.Since(started).Round(time.Millisecond), stats.Fetched, stats.Synced, stats.Skipped)
	return stats, nil
}

// RunMessageCycle runs one webhook-triggered cycle for a raw message body.
// At most QueueDepth triggers wait behind the running cycle; beyond that the
// caller gets ErrQueueFull and should signal retry-later.
func (s *Syncer) RunMessageCycle(ctx context.Context, body string) (MessageResult, error) {
	select {
	case s.tickets <- struct{}{}:
	default:
		return MessageResult{}, ErrQueueFull
	}
	s.mu.Lock()
	<-s.tickets
	defer s.mu.Unlock()

	if err := s.haltedErr(); err != nil {
		return MessageResult{}, err
	}

	cycleID := uuid.NewString()

	parsed, err := source.ParseMessage(body)
	if err != nil {
		// Malformed trigger input: report to sender, no state mutation.
		return MessageResult{}, err
	}

	item, err := s.resolver.Resolve(ctx, parsed.URL, parsed.Tag)
	if err != nil {
		s.recordCycle(CycleStats{CycleID: cycleID}, true)
		log.Printf("cycle %s: resolution failed: %v", cycleID, err)
		return MessageResult{}, err
	}

	if s.state.Contains(item.SourceID) {
		log.Printf("cycle %s: item %s already synced, skipping", cycleID, item.SourceID)
		s.recordCycle(CycleStats{CycleID: cycleID, Fetched: 1, Skipped: 1}, false)
		return MessageResult{Item: item, Duplicate: true}, nil
	}

	pageID, err := s.write(ctx, item)
	if err != nil {
		s.recordCycle(CycleStats{CycleID: cycleID, Fetched: 1}, true)
		log.Printf("cycle %s: halted: %v", cycleID, err)
		return MessageResult{}, err
	}
	s.state.Record(item.SourceID, pageID)

	// A one-item cycle persists immediately: the sender must never be left
	// with an ambiguous "received but maybe not saved" acknowledgment.
	if err := s.persist(cycleID); err != nil {
		s.recordCycle(CycleStats{CycleID: cycleID, Fetched: 1, Synced: 1}, true)
		return MessageResult{}, err
	}
	s.recordCycle(CycleStats{CycleID: cycleID, Fetched: 1, Synced: 1}, false)
	log.Printf("cycle %s: saved %s as page %s", cycleID, item.SourceID, pageID)
	return MessageResult{Item: item, PageID: pageID}, nil
}

// write pushes one item through the retry ladder. Only the in-flight
// destination call is shielded from cancellation, so a started write can
// finish and be recorded; the backoff sleeps between attempts stay
// cancellable and shutdown never stalls mid-ladder.
func (s *Syncer) write(ctx context.Context, item model.CanonicalItem) (string, error) {
	var pageID string
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		pageID, err = s.writer.Upsert(context.WithoutCancel(ctx), item)
		return err
	})
	return pageID, err
}

func (s *Syncer) persist(cycleID string) error {
	if err := s.state.Persist(); err != nil {
		log.Printf("cycle %s: state persist failed: %v", cycleID, err)
		return err
	}
	return nil
}

func (s *Syncer) haltedErr() error {
	s.corruptMu.Lock()
	defer s.corruptMu.Unlock()
	return s.corrupt
}

func (s *Syncer) setCorrupt(err error) {
	s.corruptMu.Lock()
	s.corrupt = err
	s.corruptMu.Unlock()
}

func (s *Syncer) recordCycle(stats CycleStats, halted bool) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.totals.CyclesRun++
	if halted {
		s.totals.CyclesHalted++
	}
	s.totals.ItemsFetched += stats.Fetched
	s.totals.ItemsSynced += stats.Synced
	s.totals.ItemsSkipped += stats.Skipped
}

// Stats returns cumulative totals across all cycles of this process.
func (s *Syncer) Stats() Totals {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.totals
}

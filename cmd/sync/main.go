package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/fieldnotes/clipsync/internal/config"
	"github.com/fieldnotes/clipsync/internal/notion"
	"github.com/fieldnotes/clipsync/internal/retry"
	"github.com/fieldnotes/clipsync/internal/source"
	"github.com/fieldnotes/clipsync/internal/state"
	"github.com/fieldnotes/clipsync/internal/syncer"
)

func main() {
	once := flag.Bool("once", false, "run a single sync cycle and exit")
	backfill := flag.Bool("backfill", false, "run a one-time backfill of existing bookmarks")
	backfillLimit := flag.Int("backfill-limit", 0, "maximum items to sync during backfill (0 = all)")
	setupOnly := flag.Bool("setup-only", false, "validate configuration and destination schema, then exit")
	status := flag.Bool("status", false, "print sync status and exit")
	cfgPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment")
	}

	path := *cfgPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if *status {
		printStatus(cfg)
		return
	}

	if err := cfg.ValidateSync(); err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	policy := retry.Policy{MaxAttempts: cfg.Sync.MaxRetries}
	store := state.NewStore(cfg.Sync.StateFile)
	bookmarks := source.NewBookmarksClient(cfg.Twitter, source.BookmarksOptions{Policy: policy})

	sync := syncer.New(syncer.Options{
		State:  store,
		Source: bookmarks,
		Writer: notion.NewWriter(cfg.Notion),
		Policy: policy,
	})
	if err := sync.LoadState(); err != nil {
		log.Fatalf("Failed to load state: %v", err)
	}

	// Shutdown aborts between items; an in-flight write still completes.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sync.Setup(ctx); err != nil {
		log.Fatalf("Destination validation failed: %v", err)
	}
	if err := bookmarks.VerifyCredentials(ctx); err != nil {
		log.Fatalf("Source authentication failed: %v", err)
	}
	log.Println("Setup completed successfully")
	if *setupOnly {
		return
	}

	if *backfill {
		stats, err := sync.RunBackfill(ctx, *backfillLimit)
		if err != nil {
			log.Fatalf("Backfill halted: %v", err)
		}
		log.Printf("Backfill complete: %d synced, %d already existed", stats.Synced, stats.Skipped)
		return
	}

	if *once {
		if _, err := sync.RunCycle(ctx); err != nil {
			log.Fatalf("Sync cycle halted: %v", err)
		}
		return
	}

	runLoop(ctx, sync, time.Duration(cfg.Sync.IntervalMinutes)*time.Minute)
}

// runLoop invokes one discrete cycle per tick. The cycle function owns no
// timing logic itself; a halted cycle is logged and the next tick retries.
func runLoop(ctx context.Context, sync *syncer.Syncer, interval time.Duration) {
	log.Printf("Starting sync service (polling every %s)", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := sync.RunCycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			if errors.Is(err, state.ErrStateCorrupt) {
				log.Fatalf("State corrupt, manual intervention required: %v", err)
			}
			log.Printf("Sync cycle halted: %v", err)
		}
		select {
		case <-ctx.Done():
			log.Println("Sync service stopped")
			return
		case <-ticker.C:
		}
	}
	log.Println("Sync service stopped")
}

func printStatus(cfg *config.Config) {
	store := state.NewStore(cfg.Sync.StateFile)
	if err := store.Load(); err != nil {
		log.Fatalf("Failed to load state: %v", err)
	}
	unique, total, lastSync := store.Stats()
	fmt.Println("Sync Service Status:")
	fmt.Printf("  State file:    %s\n", cfg.Sync.StateFile)
	fmt.Printf("  Poll interval: %d minutes\n", cfg.Sync.IntervalMinutes)
	fmt.Printf("  Unique items:  %d\n", unique)
	fmt.Printf("  Total synced:  %d\n", total)
	if lastSync.IsZero() {
		fmt.Println("  Last sync:     never")
	} else {
		fmt.Printf("  Last sync:     %s\n", lastSync.Format(time.RFC3339))
	}
}

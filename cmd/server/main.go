package main

import (
	"errors"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/fieldnotes/clipsync/internal/config"
	"github.com/fieldnotes/clipsync/internal/notion"
	"github.com/fieldnotes/clipsync/internal/retry"
	"github.com/fieldnotes/clipsync/internal/server"
	"github.com/fieldnotes/clipsync/internal/source"
	"github.com/fieldnotes/clipsync/internal/state"
	"github.com/fieldnotes/clipsync/internal/syncer"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment")
	}

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/config.toml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.ValidateServer(); err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	policy := retry.Policy{MaxAttempts: cfg.Sync.MaxRetries}
	store := state.NewStore(cfg.Sync.StateFile)

	sync := syncer.New(syncer.Options{
		State:      store,
		Resolver:   source.NewResolver(source.ResolverOptions{Policy: policy}),
		Writer:     notion.NewWriter(cfg.Notion),
		Policy:     policy,
		QueueDepth: cfg.Server.QueueDepth,
	})

	if err := sync.LoadState(); err != nil {
		if errors.Is(err, state.ErrStateCorrupt) {
			// Serve health checks and reject cycles until the operator
			// repairs the state file; a blind resync would duplicate rows.
			log.Printf("State file corrupt, all cycles halted: %v", err)
		} else {
			log.Fatalf("Failed to load state: %v", err)
		}
	}

	srv := server.NewServer(cfg.Server, sync)
	r := srv.SetupRouter()

	log.Printf("Starting webhook server on port %s", cfg.Server.Port)
	if err := r.Run(":" + cfg.Server.Port); err != nil {
		log.Fatal(err)
	}
}

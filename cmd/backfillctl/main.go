// Command backfillctl is a one-shot CLI control surface for the backfill
// orchestrator (C9): start a run, print progress as it polls, and stop
// cooperatively on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/selfreflect/engine/internal/backfill"
	"github.com/selfreflect/engine/internal/embedding"
	"github.com/selfreflect/engine/internal/narrative"
	"github.com/selfreflect/engine/internal/state"
	"github.com/selfreflect/engine/internal/vectorstore"
)

func main() {
	var (
		qdrantAddr   = flag.String("qdrant", "localhost:6334", "Qdrant gRPC address")
		stateFile    = flag.String("state", "/tmp/selfreflect-data/.ingest-state.json", "ingest state file to read candidates from")
		project      = flag.String("project", "", "project filter, or \"\" for all")
		batchSize    = flag.Int("batch-size", 50, "conversations per batch")
		maxBatches   = flag.Int("max-batches", 10, "maximum number of batches this run submits")
		delay        = flag.Duration("delay", 60*time.Second, "delay between batches")
		model        = flag.String("model", "", "narrative model name, sent as given in every batch request (no default is filled in)")
		remoteBase   = flag.String("remote-base", "", "base URL for the narrative batch API")
		remoteAPIKey = flag.String("remote-api-key", "", "API key for the narrative batch API")
		tmpRoot      = flag.String("tmp-root", "/tmp/selfreflect-backfill", "scratch directory for batch request/result files")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := run(logger, config{
		qdrantAddr:   *qdrantAddr,
		stateFile:    *stateFile,
		project:      *project,
		batchSize:    *batchSize,
		maxBatches:   *maxBatches,
		delay:        *delay,
		model:        *model,
		remoteBase:   *remoteBase,
		remoteAPIKey: *remoteAPIKey,
		tmpRoot:      *tmpRoot,
	}); err != nil {
		logger.Error("backfillctl exited with error", "error", err)
		os.Exit(1)
	}
}

type config struct {
	qdrantAddr   string
	stateFile    string
	project      string
	batchSize    int
	maxBatches   int
	delay        time.Duration
	model        string
	remoteBase   string
	remoteAPIKey string
	tmpRoot      string
}

func run(logger *slog.Logger, cfg config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := state.Open(cfg.stateFile)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	if err := st.Load(); err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	store, err := vectorstore.New(cfg.qdrantAddr)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer store.Close()

	provider, err := embedding.New(embedding.ConfigFromEnv(), embedding.ClientDeps{})
	if err != nil {
		return fmt.Errorf("embedding provider: %w", err)
	}

	client := narrative.NewHTTPRemoteClient(cfg.remoteBase, cfg.remoteAPIKey)

	o := &backfill.Orchestrator{
		State:     st,
		Narrative: &narrative.Service{Client: client, TmpRoot: cfg.tmpRoot},
		Store:     &narrative.Store{Vector: store, Embedder: provider},
		Logger:    logger,
	}

	if err := o.Start(backfill.Config{
		BatchSize:           cfg.batchSize,
		MaxBatches:          cfg.maxBatches,
		Model:               cfg.model,
		DelayBetweenBatches: cfg.delay,
		Project:             cfg.project,
	}); err != nil {
		return fmt.Errorf("start backfill: %w", err)
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	done := ctx.Done()
	for {
		select {
		case <-done:
			logger.Info("stop signal received, requesting cooperative shutdown")
			o.Stop()
			done = nil // avoid spinning on an already-cancelled context
		case <-ticker.C:
			s := o.Status()
			logger.Info("backfill progress",
				"running", s.Running,
				"batches_submitted", s.BatchesSubmitted,
				"batches_completed", s.BatchesCompleted,
				"conversations_total", s.ConversationsTotal,
			)
			if !s.Running {
				if s.LastError != "" {
					return fmt.Errorf("backfill run ended with error: %s", s.LastError)
				}
				return nil
			}
		}
	}
}

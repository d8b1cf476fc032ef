// Command ingestd watches a root directory of per-project transcript
// directories and runs newly-seen or changed *.jsonl files through the
// ingestion pipeline into Qdrant (and, optionally, Neo4j for concept-graph
// enrichment).
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/selfreflect/engine/internal/embedding"
	"github.com/selfreflect/engine/internal/graphenrich"
	"github.com/selfreflect/engine/internal/ingest"
	"github.com/selfreflect/engine/internal/state"
	"github.com/selfreflect/engine/internal/vectorstore"
	"github.com/selfreflect/engine/internal/watcher"
	"github.com/selfreflect/engine/pkg/metrics"
)

var met = metrics.New()

var (
	mFilesProcessed = met.Counter("selfreflect_ingest_files_processed_total", "Transcript files ingested")
	mFilesFailed    = met.Counter("selfreflect_ingest_files_failed_total", "Transcript files that failed ingestion")
	mChunksTotal    = met.Counter("selfreflect_ingest_chunks_total", "Total chunks upserted")
	mLastScan       = met.Gauge("selfreflect_ingest_last_scan_timestamp", "Epoch at which the directory watcher was started (set once at startup)")
	mIngestDur      = met.Histogram("selfreflect_ingest_pipeline_duration_seconds", "Per-file pipeline time", nil)
)

func main() {
	var (
		root          = flag.String("dir", "/tmp/selfreflect-data", "root directory of per-project transcript subdirectories")
		qdrantAddr    = flag.String("qdrant", "localhost:6334", "Qdrant gRPC address")
		stateFile     = flag.String("state", "/tmp/selfreflect-data/.ingest-state.json", "processed-files state file")
		scanInterval  = flag.Duration("interval", watcher.DefaultScanInterval, "polling scan interval")
		workers       = flag.Int("workers", watcher.DefaultWorkers, "bounded concurrency for in-flight file ingests")
		maxPerCycle   = flag.Int("max-per-cycle", watcher.DefaultMaxFilesPerCycle, "max files ingested per scan cycle")
		watchFS       = flag.Bool("watch-fs", true, "also react to OS file-system change notifications")
		metricsPort   = flag.Int("metrics-port", 9092, "metrics server port")
		neo4jURL      = flag.String("neo4j", "", "Neo4j bolt URL; empty disables concept-graph enrichment")
		neo4jUser     = flag.String("neo4j-user", "neo4j", "Neo4j username")
		neo4jPass     = flag.String("neo4j-pass", "", "Neo4j password")
		natsURL       = flag.String("nats", "", "NATS server URL; when set, also runs the NATS-driven ingest consumer alongside the directory watcher")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	met.CollectRuntime("selfreflect_ingest", 15*time.Second)
	met.ServeAsync(*metricsPort)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, logger, runConfig{
		root:         *root,
		qdrantAddr:   *qdrantAddr,
		stateFile:    *stateFile,
		scanInterval: *scanInterval,
		workers:      *workers,
		maxPerCycle:  *maxPerCycle,
		watchFS:      *watchFS,
		neo4jURL:     *neo4jURL,
		neo4jUser:    *neo4jUser,
		neo4jPass:    *neo4jPass,
		natsURL:      *natsURL,
	}); err != nil {
		logger.Error("ingestd exited with error", "error", err)
		os.Exit(1)
	}
}

type runConfig struct {
	root         string
	qdrantAddr   string
	stateFile    string
	scanInterval time.Duration
	workers      int
	maxPerCycle  int
	watchFS      bool
	neo4jURL     string
	neo4jUser    string
	neo4jPass    string
	natsURL      string
}

func run(ctx context.Context, logger *slog.Logger, cfg runConfig) error {
	store, err := vectorstore.New(cfg.qdrantAddr)
	if err != nil {
		return err
	}
	defer store.Close()

	provider, err := embedding.New(embedding.ConfigFromEnv(), embedding.ClientDeps{})
	if err != nil {
		return err
	}

	st, err := state.Open(cfg.stateFile)
	if err != nil {
		return err
	}

	var enricher *graphenrich.Enricher
	if cfg.neo4jURL != "" {
		driver, err := neo4j.NewDriverWithContext(cfg.neo4jURL, neo4j.BasicAuth(cfg.neo4jUser, cfg.neo4jPass, ""))
		if err != nil {
			logger.Error("neo4j connect failed, continuing without concept-graph enrichment", "error", err)
		} else if err := driver.VerifyConnectivity(ctx); err != nil {
			logger.Error("neo4j verify failed, continuing without concept-graph enrichment", "error", err)
		} else {
			defer driver.Close(ctx)
			enricher = graphenrich.New(driver)
			enricher.Logger = logger
			logger.Info("concept-graph enrichment enabled")
		}
	}

	deps := ingest.Deps{
		Embedder: provider,
		Store:    store,
		State:    st,
		Logger:   logger,
	}
	if enricher != nil {
		deps.GraphEnricher = enricher
	}

	if cfg.natsURL != "" {
		nc, err := nats.Connect(cfg.natsURL)
		if err != nil {
			logger.Error("nats connect failed, continuing with directory watch only", "error", err)
		} else {
			defer nc.Close()
			sub, err := ingest.StartConsumer(nc, deps)
			if err != nil {
				logger.Error("nats consumer subscribe failed, continuing with directory watch only", "error", err)
			} else {
				defer sub.Unsubscribe()
				logger.Info("nats ingest consumer enabled", "url", cfg.natsURL, "subject", ingest.IngestSubject)
			}
		}
	}

	ingestFn := func(ctx context.Context, path, dir string) (int, error) {
		start := time.Now()
		n, err := deps.Ingest(ctx, path, dir)
		mIngestDur.Since(start)
		if err != nil {
			mFilesFailed.Inc()
			return n, err
		}
		mFilesProcessed.Inc()
		mChunksTotal.Add(int64(n))
		return n, nil
	}

	w := &watcher.Watcher{
		Root:             cfg.root,
		ScanInterval:     cfg.scanInterval,
		Workers:          cfg.workers,
		MaxFilesPerCycle: cfg.maxPerCycle,
		State:            st,
		Ingest:           ingestFn,
		Logger:           logger,
		WatchFS:          cfg.watchFS,
	}

	mLastScan.Set(time.Now().Unix())
	logger.Info("ingestd watching", "root", cfg.root, "interval", cfg.scanInterval)
	return w.Run(ctx)
}

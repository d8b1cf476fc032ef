// Package ingest is the streaming ingestor (C6): per-transcript pipeline
// from raw JSONL file to upserted vector points, with token-aware batching,
// retry-with-backoff on transient failures, and state-store bookkeeping.
package ingest

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/nats-io/nats.go"
	pb "github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"

	"github.com/selfreflect/engine/internal/chunker"
	"github.com/selfreflect/engine/internal/domain"
	"github.com/selfreflect/engine/internal/embedding"
	"github.com/selfreflect/engine/internal/project"
	"github.com/selfreflect/engine/internal/state"
	"github.com/selfreflect/engine/internal/vectorstore"
	"github.com/selfreflect/engine/pkg/fn"
	"github.com/selfreflect/engine/pkg/natsutil"
)

// GraphEnricher is the C13 best-effort hook: Deps.GraphEnricher, when set,
// is given every chunk after it's durably upserted. Errors are the
// enricher's own concern — Ingest never inspects or propagates them.
type GraphEnricher interface {
	Project(ctx context.Context, c domain.Chunk) error
}

const (
	// IngestSubject carries file-ready notifications when the ingestor runs
	// behind NATS instead of being called in-process by the watcher (C12).
	IngestSubject = "ingest.file"
	DLQSubject    = "ingest.file.dlq"
	MaxRetries    = 3
)

// Deps holds everything the ingestor needs per call; constructed once per
// process and reused across files.
type Deps struct {
	Embedder embedding.Provider
	Store    *vectorstore.Store
	State    *state.Store
	Retry    fn.RetryOpts
	MaxTokensPerBatch float64
	MaxChunkSize      int
	Logger   *slog.Logger

	// GraphEnricher is optional; when set, every durably-upserted chunk is
	// projected into the concept graph (C13, best-effort, never fails C6).
	GraphEnricher GraphEnricher
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d Deps) maxTokens() float64 {
	if d.MaxTokensPerBatch > 0 {
		return d.MaxTokensPerBatch
	}
	return DefaultMaxTokensPerBatch
}

func (d Deps) chunkSize() chunker.Options {
	if d.MaxChunkSize > 0 {
		return chunker.Options{MaxChunkSize: d.MaxChunkSize}
	}
	return chunker.DefaultOptions
}

func (d Deps) retryOpts() fn.RetryOpts {
	if d.Retry.MaxAttempts > 0 {
		return d.Retry
	}
	return fn.DefaultRetry
}

// Ingest runs the full pipeline for one transcript file (§4.6). On success
// it returns the number of chunks imported and persists state immediately.
// Re-running on an unchanged file is a no-op skip handled by the caller via
// state.ShouldImport; Ingest itself always (re-)imports when invoked.
func (d Deps) Ingest(ctx context.Context, path string, dirForProject string) (int, error) {
	log := d.logger()

	proj := project.Normalize(dirForProject)
	collection := project.CollectionName(proj, d.Embedder.Tag())

	if err := d.Store.EnsureCollection(ctx, collection, d.Embedder.Dimension()); err != nil {
		log.Error("ingest: ensure collection failed", "error", err, "collection", collection, "path", path)
		return 0, domain.Wrap("ingest.Ingest", path, domain.ErrFileFailed)
	}
	if err := d.Store.EnsurePayloadIndex(ctx, collection, "project", pb.FieldType_FieldTypeKeyword); err != nil {
		log.Warn("ingest: project payload index failed", "error", err, "collection", collection)
	}
	// timestamp_unix backs the retrieval engine's server-side time-range
	// filter and recency ordering (§4.11); "timestamp" alone, stored as an
	// RFC3339 string, isn't a field Qdrant can range-filter or order on.
	if err := d.Store.EnsurePayloadIndex(ctx, collection, "timestamp_unix", pb.FieldType_FieldTypeInteger); err != nil {
		log.Warn("ingest: timestamp payload index failed", "error", err, "collection", collection)
	}

	result, err := chunker.Process(path, conversationID(path), proj, d.chunkSize())
	if err != nil {
		log.Error("ingest: chunk extraction failed", "error", err, "path", path)
		return 0, domain.Wrap("ingest.Ingest", path, domain.ErrFileFailed)
	}
	if len(result.Chunks) == 0 {
		// Empty transcript: zero chunks, no upsert, but state still marks
		// the file completed so it isn't re-ingested every scan cycle
		// (§8 edge case).
		d.recordCompleted(path, collection, 0)
		return 0, nil
	}

	items := make([]textItem, 0, len(result.Chunks))
	for _, c := range result.Chunks {
		items = append(items, splitOversized(c.ChunkIndex, c.Text, d.maxTokens())...)
	}
	batches := buildBatches(items, d.maxTokens())

	byIndex := make(map[int]domain.Chunk, len(result.Chunks))
	for _, c := range result.Chunks {
		byIndex[c.ChunkIndex] = c
	}

	totalImported := 0
	for _, b := range batches {
		texts := make([]string, len(b.items))
		for i, it := range b.items {
			texts[i] = it.text
		}

		vectors, err := embedBatchWithRetry(ctx, d, texts)
		if err != nil {
			log.Error("ingest: embed batch failed after retries", "error", err, "path", path)
			_ = markFailed(d, path)
			return totalImported, domain.Wrap("ingest.Ingest", path, domain.ErrProviderTransient)
		}
		if err := embedding.Validate(vectors, len(texts), d.Embedder.Dimension()); err != nil {
			log.Error("ingest: embedding validation failed", "error", err, "path", path)
			_ = markFailed(d, path)
			return totalImported, err
		}

		points := make([]vectorstore.Point, len(b.items))
		for i, it := range b.items {
			parent := byIndex[it.chunkIndex]
			points[i] = vectorstore.Point{
				ID:     vectorstore.ChunkPointID(parent.ConversationID, it.chunkIndex, it.subIndex),
				Vector: vectors[i],
				Payload: chunkPayload(parent, it.subIndex),
			}
		}

		if err := upsertWithRetry(ctx, d, collection, points); err != nil {
			log.Error("ingest: upsert failed after retries", "error", err, "path", path)
			_ = markFailed(d, path)
			return totalImported, domain.Wrap("ingest.Ingest", path, domain.ErrStoreTransient)
		}

		if d.GraphEnricher != nil {
			seen := make(map[int]bool)
			for _, it := range b.items {
				if seen[it.chunkIndex] {
					continue
				}
				seen[it.chunkIndex] = true
				if err := d.GraphEnricher.Project(ctx, byIndex[it.chunkIndex]); err != nil {
					log.Warn("ingest: graph enrichment failed", "error", err, "path", path)
				}
			}
		}

		totalImported += len(b.items)
		// Step 7: force a memory-reclaim hint after every batch — large
		// transcripts otherwise hold each batch's embeddings past GC's
		// next natural cycle.
		debug.FreeOSMemory()
		runtime.GC()
	}

	d.recordCompleted(path, collection, len(result.Chunks))

	return len(result.Chunks), nil
}

// recordCompleted persists a completed FileRecord, used both for a normal
// finish and for the zero-chunk edge case (§8).
func (d Deps) recordCompleted(path, collection string, chunks int) {
	log := d.logger()
	mtime, err := state.Mtime(path)
	if err != nil {
		log.Warn("ingest: stat for mtime failed", "error", err, "path", path)
	}
	rec := domain.FileRecord{
		ImportedAt:   time.Now(),
		LastModified: mtime,
		Chunks:       chunks,
		Status:       domain.StatusCompleted,
		Collection:   collection,
	}
	if err := d.State.UpdateFile(path, rec); err != nil {
		log.Error("ingest: state update failed", "error", err, "path", path)
	}
}

func embedBatchWithRetry(ctx context.Context, d Deps, texts []string) ([][]float32, error) {
	r := fn.Retry(ctx, d.retryOpts(), func(ctx context.Context) fn.Result[[][]float32] {
		vecs, err := d.Embedder.Embed(ctx, embedding.KindDocument, texts)
		if err != nil {
			return fn.Err[[][]float32](err)
		}
		return fn.Ok(vecs)
	})
	return r.Unwrap()
}

func upsertWithRetry(ctx context.Context, d Deps, collection string, points []vectorstore.Point) error {
	r := fn.Retry(ctx, d.retryOpts(), func(ctx context.Context) fn.Result[struct{}] {
		if err := d.Store.Upsert(ctx, collection, points, false); err != nil {
			return fn.Err[struct{}](err)
		}
		return fn.Ok(struct{}{})
	})
	_, err := r.Unwrap()
	return err
}

func markFailed(d Deps, path string) error {
	mtime, _ := state.Mtime(path)
	return d.State.UpdateFile(path, domain.FileRecord{
		ImportedAt:   time.Now(),
		LastModified: mtime,
		Status:       domain.StatusFailed,
	})
}

func chunkPayload(c domain.Chunk, subIndex int) map[string]any {
	payload := map[string]any{
		"conversation_id": c.ConversationID,
		"chunk_index":     c.ChunkIndex,
		"sub_index":       subIndex,
		"start_role":      c.StartRole,
		"message_count":   c.MessageCount,
		"total_messages":  c.TotalMessages,
		"project":         c.Project,
		"content":         c.Text,
		"timestamp":       c.Timestamp.Format(time.RFC3339),
		"timestamp_unix":  c.Timestamp.Unix(),
		"has_code_blocks": c.Meta.HasCodeBlocks,
	}
	if len(c.Meta.FilesAnalyzed) > 0 {
		payload["files_analyzed"] = c.Meta.FilesAnalyzed
	}
	if len(c.Meta.FilesEdited) > 0 {
		payload["files_edited"] = c.Meta.FilesEdited
	}
	if len(c.Meta.ToolsUsed) > 0 {
		payload["tools_used"] = c.Meta.ToolsUsed
	}
	if len(c.Meta.Concepts) > 0 {
		payload["concepts"] = c.Meta.Concepts
	}
	if len(c.Meta.ASTElements) > 0 {
		payload["ast_elements"] = c.Meta.ASTElements
	}
	return payload
}

func conversationID(path string) string {
	base := path
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] == '/' {
			base = base[i+1:]
			break
		}
	}
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] == '.' {
			return base[:i]
		}
	}
	return base
}

// ingestRequest is the file-ready envelope carried on IngestSubject. The
// retry count travels in the body rather than a NATS header, since
// pkg/natsutil already uses message headers to carry OTel trace context.
type ingestRequest struct {
	Path    string `json:"path"`
	Dir     string `json:"dir"`
	Retries int    `json:"retries"`
}

// dlqMessage is published when a file exhausts its retry budget on the
// NATS transport (mirrors the retry/DLQ envelope convention used elsewhere
// in this codebase).
type dlqMessage struct {
	Path    string `json:"path"`
	Dir     string `json:"dir"`
	Error   string `json:"error"`
	Retries int    `json:"retries"`
}

var ingestTracer = otel.Tracer("selfreflect/engine/internal/ingest")

// StartConsumer runs the ingestor behind a NATS subscription instead of
// direct in-process calls from the watcher (C12). Optional: most
// deployments call Ingest directly from the scan loop. Publish/Subscribe
// go through pkg/natsutil so trace context propagates across the queue the
// same way every other NATS hop in this codebase does.
func StartConsumer(nc *nats.Conn, d Deps) (*nats.Subscription, error) {
	log := d.logger()

	return natsutil.Subscribe(nc, IngestSubject, func(ctx context.Context, req ingestRequest) {
		ctx, span := ingestTracer.Start(ctx, "ingest.consume")
		defer span.End()

		n, err := d.Ingest(ctx, req.Path, req.Dir)
		if err != nil {
			retries := req.Retries + 1
			log.Error("ingest: pipeline failed", "error", err, "path", req.Path, "retry", retries)

			if retries >= MaxRetries {
				dlq := dlqMessage{Path: req.Path, Dir: req.Dir, Error: err.Error(), Retries: retries}
				if perr := natsutil.Publish(ctx, nc, DLQSubject, dlq); perr != nil {
					log.Error("ingest: DLQ publish failed", "error", perr)
				}
			} else {
				retryReq := ingestRequest{Path: req.Path, Dir: req.Dir, Retries: retries}
				if perr := natsutil.Publish(ctx, nc, IngestSubject, retryReq); perr != nil {
					log.Error("ingest: retry publish failed", "error", perr)
				}
			}
			return
		}
		log.Info("ingest: success", "path", req.Path, "chunks", n)
	})
}

// Command searchd is the thin HTTP surface over the project resolver (C10)
// and retrieval engine (C11). It exposes none of the ingestion, narrative,
// or backfill control surfaces — those are out of scope here by design.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/selfreflect/engine/internal/embedding"
	"github.com/selfreflect/engine/internal/retrieval"
	"github.com/selfreflect/engine/internal/vectorstore"
	"github.com/selfreflect/engine/pkg/mid"
)

type Config struct {
	Port       string
	QdrantAddr string
	CORSOrigin string
}

func loadConfig() Config {
	return Config{
		Port:       envOr("PORT", "8082"),
		QdrantAddr: envOr("QDRANT_ADDR", "localhost:6334"),
		CORSOrigin: envOr("CORS_ORIGIN", "*"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()
	if err := run(cfg, logger); err != nil {
		logger.Error("searchd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := vectorstore.New(cfg.QdrantAddr)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer store.Close()

	provider, err := embedding.New(embedding.ConfigFromEnv(), embedding.ClientDeps{})
	if err != nil {
		return fmt.Errorf("embedding provider: %w", err)
	}

	svc := &retrieval.Service{Store: store, Embedder: provider, Logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("POST /v1/reflect", handleReflect(svc, logger))
	mux.HandleFunc("GET /v1/recent-work", handleRecentWork(svc, logger))
	mux.HandleFunc("GET /v1/timeline", handleTimeline(svc, logger))
	mux.HandleFunc("GET /v1/search/file", handleSearchByFile(svc, logger))
	mux.HandleFunc("GET /v1/search/concept", handleSearchByConcept(svc, logger))

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("searchd starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type reflectRequest struct {
	Query    string   `json:"query"`
	Project  string   `json:"project,omitempty"`
	Limit    int      `json:"limit,omitempty"`
	MinScore *float32 `json:"min_score,omitempty"`
	Time     string   `json:"time_range,omitempty"`
	Decay    bool     `json:"decay,omitempty"`
}

func handleReflect(svc *retrieval.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reflectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Query == "" {
			writeError(w, http.StatusBadRequest, "query is required")
			return
		}

		opts := retrieval.ReflectOptions{
			Project:  req.Project,
			Limit:    req.Limit,
			MinScore: req.MinScore,
			Decay:    retrieval.DecayOptions{Enabled: req.Decay},
		}
		if req.Time != "" {
			tr, err := retrieval.ParseTemporal(req.Time, time.Now())
			if err != nil {
				writeError(w, http.StatusBadRequest, "unrecognized time_range phrase")
				return
			}
			opts.TimeRange = &tr
		}

		hits, err := svc.Reflect(r.Context(), req.Query, opts, time.Now())
		if err != nil {
			logger.Error("reflect failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, hits)
	}
}

func handleRecentWork(svc *retrieval.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := intQuery(r, "limit", 0)
		work, err := svc.GetRecentWork(r.Context(), r.URL.Query().Get("project"), limit)
		if err != nil {
			logger.Error("recent work failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, work)
	}
}

func handleTimeline(svc *retrieval.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		phrase := r.URL.Query().Get("time_range")
		if phrase == "" {
			writeError(w, http.StatusBadRequest, "time_range is required")
			return
		}
		tr, err := retrieval.ParseTemporal(phrase, time.Now())
		if err != nil {
			writeError(w, http.StatusBadRequest, "unrecognized time_range phrase")
			return
		}
		granularity := r.URL.Query().Get("granularity")
		if granularity == "" {
			granularity = "day"
		}

		buckets, err := svc.Timeline(r.Context(), tr, granularity, r.URL.Query().Get("project"))
		if err != nil {
			logger.Error("timeline failed", "error", err)
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, buckets)
	}
}

func handleSearchByFile(svc *retrieval.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		substr := r.URL.Query().Get("q")
		if substr == "" {
			writeError(w, http.StatusBadRequest, "q is required")
			return
		}
		limit := intQuery(r, "limit", 0)
		hits, err := svc.SearchByFile(r.Context(), substr, r.URL.Query().Get("project"), limit)
		if err != nil {
			logger.Error("search by file failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, hits)
	}
}

func handleSearchByConcept(svc *retrieval.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		concept := r.URL.Query().Get("q")
		if concept == "" {
			writeError(w, http.StatusBadRequest, "q is required")
			return
		}
		limit := intQuery(r, "limit", 0)
		hits, err := svc.SearchByConcept(r.Context(), concept, r.URL.Query().Get("project"), limit)
		if err != nil {
			logger.Error("search by concept failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, hits)
	}
}

func intQuery(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

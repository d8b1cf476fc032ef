// Package backfill is the singleton backfill orchestrator (C9): a
// cooperative state machine that batches candidate conversations through
// the narrative service (C7) and persists results via narrative storage
// (C8).
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/selfreflect/engine/internal/domain"
	"github.com/selfreflect/engine/internal/narrative"
	"github.com/selfreflect/engine/internal/state"
)

type runState int

const (
	stateIdle runState = iota
	stateRunning
	stateStopping
)

// Config bounds one backfill run (§4.9). Zero values fall back to the
// documented defaults.
type Config struct {
	BatchSize            int
	MaxBatches           int
	Model                string
	DelayBetweenBatches  time.Duration
	Project              string
}

const (
	minBatchSize = 5
	maxBatchSize = 100
	defaultBatchSize = 50

	minMaxBatches = 1
	maxMaxBatches = 50
	defaultMaxBatches = 10

	minDelay = 10 * time.Second
	maxDelay = 600 * time.Second
	defaultDelay = 60 * time.Second
)

func (c Config) normalized() (Config, error) {
	if c.BatchSize == 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.BatchSize < minBatchSize || c.BatchSize > maxBatchSize {
		return c, domain.Wrap("backfill.Start", fmt.Sprintf("batch_size %d out of [%d,%d]", c.BatchSize, minBatchSize, maxBatchSize), domain.ErrBadRequest)
	}
	if c.MaxBatches == 0 {
		c.MaxBatches = defaultMaxBatches
	}
	if c.MaxBatches < minMaxBatches || c.MaxBatches > maxMaxBatches {
		return c, domain.Wrap("backfill.Start", fmt.Sprintf("max_batches %d out of [%d,%d]", c.MaxBatches, minMaxBatches, maxMaxBatches), domain.ErrBadRequest)
	}
	if c.DelayBetweenBatches == 0 {
		c.DelayBetweenBatches = defaultDelay
	}
	if c.DelayBetweenBatches < minDelay || c.DelayBetweenBatches > maxDelay {
		return c, domain.Wrap("backfill.Start", fmt.Sprintf("delay %s out of [%s,%s]", c.DelayBetweenBatches, minDelay, maxDelay), domain.ErrBadRequest)
	}
	return c, nil
}

// Orchestrator holds the singleton run state, guarded by a mutex (§5: "the
// backfill run state is an in-process singleton guarded by a mutex").
type Orchestrator struct {
	mu      sync.Mutex
	phase   runState
	run     domain.BackfillRunState
	cancel  context.CancelFunc

	State     *state.Store
	Narrative *narrative.Service
	Store     *narrative.Store
	Logger    *slog.Logger

	pollInterval time.Duration // default 30s; overridable for tests
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o *Orchestrator) poll() time.Duration {
	if o.pollInterval > 0 {
		return o.pollInterval
	}
	return 30 * time.Second
}

// Start begins a run; rejects with ErrConflict if one is already running.
func (o *Orchestrator) Start(cfg Config) error {
	cfg, err := cfg.normalized()
	if err != nil {
		return err
	}

	o.mu.Lock()
	if o.phase != stateIdle {
		o.mu.Unlock()
		return domain.Wrap("backfill.Start", "", domain.ErrConflict)
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.phase = stateRunning
	o.cancel = cancel
	o.run = domain.BackfillRunState{Running: true, StartedAt: time.Now()}
	o.mu.Unlock()

	go o.runLoop(ctx, cfg)
	return nil
}

// Stop requests cooperative shutdown: the in-flight batch is allowed to
// finish (§4.9, §5).
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase == stateRunning {
		o.phase = stateStopping
		if o.cancel != nil {
			o.cancel()
		}
	}
}

// Status returns the counters plus last_error (§4.9 observability).
func (o *Orchestrator) Status() domain.BackfillRunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.run
}

func (o *Orchestrator) setError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.run.LastError = err.Error()
}

func (o *Orchestrator) isStopping() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase == stateStopping
}

func (o *Orchestrator) finish() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phase = stateIdle
	o.run.Running = false
	o.cancel = nil
}

func (o *Orchestrator) incSubmitted() {
	o.mu.Lock()
	o.run.BatchesSubmitted++
	o.mu.Unlock()
}

func (o *Orchestrator) incCompleted(conversations int) {
	o.mu.Lock()
	o.run.BatchesCompleted++
	o.run.ConversationsTotal += conversations
	o.mu.Unlock()
}

// runLoop drives the fetch-candidates → submit-slices → poll-to-terminal
// sequence (§4.9). It is the sole writer of run progress while active.
func (o *Orchestrator) runLoop(ctx context.Context, cfg Config) {
	log := o.logger()
	defer o.finish()

	var doc state.Document
	if o.State != nil {
		if err := o.State.Load(); err != nil {
			o.setError(err)
			return
		}
		doc = o.State.Document()
	}
	candidates := narrative.SelectCandidates(doc, cfg.Project)

	want := cfg.BatchSize * cfg.MaxBatches
	if want < len(candidates) {
		candidates = candidates[:want]
	}

	for i := 0; i < cfg.MaxBatches; i++ {
		if o.isStopping() {
			log.Info("backfill: stopping before next batch")
			return
		}

		start := i * cfg.BatchSize
		if start >= len(candidates) {
			break
		}
		end := start + cfg.BatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		slice := candidates[start:end]
		if len(slice) == 0 {
			break
		}

		convIDs := make([]string, len(slice))
		pathsByID := make(map[string]string, len(slice))
		for j, c := range slice {
			id := conversationIDFromPath(c.Path)
			convIDs[j] = id
			pathsByID[id] = c.Path
		}

		st, err := o.Narrative.SubmitBatch(ctx, convIDs, pathsByID, cfg.Project, cfg.Model)
		if err != nil {
			log.Error("backfill: submit batch failed", "error", err)
			o.setError(err)
			return
		}
		o.incSubmitted()

		final, err := o.pollToTerminal(ctx, st.BatchID)
		if err != nil {
			log.Error("backfill: poll failed", "error", err)
			o.setError(err)
			return
		}

		if final.Status == domain.BatchCompleted {
			// A Stop() that cancelled ctx must not keep a finished batch's
			// results from being fetched and stored.
			finishCtx := context.WithoutCancel(ctx)
			results, err := o.Narrative.FetchResults(finishCtx, final.BatchID)
			if err != nil {
				log.Error("backfill: fetch results failed", "error", err)
				o.setError(err)
			} else if o.Store != nil {
				for _, r := range results {
					if r.Error != "" {
						continue
					}
					if _, err := o.Store.Store(finishCtx, r.ConversationID, cfg.Project, r.Narrative); err != nil {
						log.Error("backfill: narrative store failed", "error", err, "conversation_id", r.ConversationID)
					}
				}
			}
			o.incCompleted(len(slice))
		} else {
			log.Warn("backfill: batch did not complete", "status", final.Status, "batch_id", final.BatchID)
		}

		if i < cfg.MaxBatches-1 && end < len(candidates) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(cfg.DelayBetweenBatches):
			}
		}
	}
}

// pollToTerminal polls every 30s until the batch reaches a terminal state.
// A Stop() request cancels ctx, but the in-flight batch is still allowed to
// finish (§4.9 step 2, §5): polling continues on its own background
// context so a cancelled ctx can't abort the Poll call itself, and ctx is
// otherwise ignored here rather than used to cut the wait short and
// abandon a not-yet-terminal result.
func (o *Orchestrator) pollToTerminal(ctx context.Context, batchID string) (domain.BatchJobState, error) {
	for {
		st, err := o.Narrative.Poll(context.Background(), batchID)
		if err != nil {
			return st, err
		}
		if st.Status == domain.BatchCompleted || st.Status == domain.BatchFailed {
			return st, nil
		}
		time.Sleep(o.poll())
	}
}

func conversationIDFromPath(path string) string {
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

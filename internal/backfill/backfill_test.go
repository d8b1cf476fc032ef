package backfill

import (
	"context"
	"testing"
	"time"

	"github.com/selfreflect/engine/internal/domain"
	"github.com/selfreflect/engine/internal/narrative"
)

func TestConfigNormalizedDefaults(t *testing.T) {
	cfg, err := Config{}.normalized()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BatchSize != defaultBatchSize || cfg.MaxBatches != defaultMaxBatches || cfg.DelayBetweenBatches != defaultDelay {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestConfigNormalizedRejectsOutOfRange(t *testing.T) {
	if _, err := (Config{BatchSize: 1000}).normalized(); err == nil {
		t.Fatal("expected batch_size out of range to error")
	}
	if _, err := (Config{MaxBatches: 1000}).normalized(); err == nil {
		t.Fatal("expected max_batches out of range to error")
	}
	if _, err := (Config{DelayBetweenBatches: time.Second}).normalized(); err == nil {
		t.Fatal("expected delay out of range to error")
	}
}

func TestStartRejectsWhenAlreadyRunning(t *testing.T) {
	o := &Orchestrator{}
	o.mu.Lock()
	o.phase = stateRunning
	o.run = domain.BackfillRunState{Running: true}
	o.mu.Unlock()

	if err := o.Start(Config{MaxBatches: 1, BatchSize: 5}); err == nil {
		t.Fatal("expected conflict starting a run while one is already running")
	}
}

func TestStopTransitionsRunningToStopping(t *testing.T) {
	o := &Orchestrator{}
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.phase = stateRunning
	o.cancel = cancel
	o.mu.Unlock()

	o.Stop()

	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected Stop to cancel the run context")
	}
	if !o.isStopping() {
		t.Fatal("expected phase stopping after Stop")
	}
}

func TestRunLoopCompletesWithNoCandidates(t *testing.T) {
	o := &Orchestrator{
		Narrative:    &narrative.Service{Client: &fakeRemoteOK{}, TmpRoot: t.TempDir()},
		pollInterval: 10 * time.Millisecond,
	}
	if err := o.Start(Config{MaxBatches: 1, BatchSize: 5}); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for o.Status().Running {
		select {
		case <-deadline:
			t.Fatal("expected run with no candidates to finish quickly")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := o.Start(Config{MaxBatches: 1, BatchSize: 5}); err != nil {
		t.Fatalf("expected idle orchestrator to accept a new run, got %v", err)
	}
}

type fakeRemoteOK struct{}

func (f *fakeRemoteOK) UploadFile(ctx context.Context, filename string, data []byte) (string, error) {
	return "file-1", nil
}
func (f *fakeRemoteOK) CreateBatch(ctx context.Context, inputFileID, endpoint, completionWindow string, metadata map[string]string) (string, error) {
	return "batch-1", nil
}
func (f *fakeRemoteOK) GetBatch(ctx context.Context, batchID string) (narrative.RemoteBatchStatus, error) {
	return narrative.RemoteBatchStatus{Status: "completed", CompletedCount: 1, TotalCount: 1}, nil
}
func (f *fakeRemoteOK) DownloadFile(ctx context.Context, fileID string) ([]byte, error) { return []byte{}, nil }
func (f *fakeRemoteOK) CancelBatch(ctx context.Context, batchID string) error            { return nil }

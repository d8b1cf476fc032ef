package narrative

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/selfreflect/engine/internal/domain"
)

type fakeRemote struct {
	uploadedFileID string
	createdBatchID string
	status         RemoteBatchStatus
	downloadData   []byte
	cancelled      bool
}

func (f *fakeRemote) UploadFile(ctx context.Context, filename string, data []byte) (string, error) {
	return f.uploadedFileID, nil
}

func (f *fakeRemote) CreateBatch(ctx context.Context, inputFileID, endpoint, completionWindow string, metadata map[string]string) (string, error) {
	return f.createdBatchID, nil
}

func (f *fakeRemote) GetBatch(ctx context.Context, batchID string) (RemoteBatchStatus, error) {
	return f.status, nil
}

func (f *fakeRemote) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	return f.downloadData, nil
}

func (f *fakeRemote) CancelBatch(ctx context.Context, batchID string) error {
	f.cancelled = true
	return nil
}

func TestRemoteToLocalTranslation(t *testing.T) {
	cases := map[string]string{
		"validating":  domain.BatchPending,
		"in_progress": domain.BatchInProgress,
		"completed":   domain.BatchCompleted,
		"failed":      domain.BatchFailed,
		"expired":     domain.BatchFailed,
		"cancelled":   domain.BatchFailed,
	}
	for remote, want := range cases {
		if got := remoteToLocal(remote); got != want {
			t.Fatalf("remoteToLocal(%q) = %q, want %q", remote, got, want)
		}
	}
}

func TestSubmitBatchPersistsLocalState(t *testing.T) {
	dir := t.TempDir()
	convPath := filepath.Join(dir, "conv1.jsonl")
	if err := os.WriteFile(convPath, []byte(`{"type":"message"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	fake := &fakeRemote{uploadedFileID: "file-1", createdBatchID: "batch-1"}
	svc := &Service{Client: fake, TmpRoot: dir}

	st, err := svc.SubmitBatch(context.Background(), []string{"conv1"}, map[string]string{"conv1": convPath}, "proj", "gpt-test")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if st.BatchID != "batch-1" || st.InputFileID != "file-1" {
		t.Fatalf("unexpected state: %+v", st)
	}
	if st.Status != domain.BatchSubmitted {
		t.Fatalf("expected submitted status, got %s", st.Status)
	}

	reloaded, err := loadBatchState(dir, "batch-1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.ConversationsCount != 1 {
		t.Fatalf("expected persisted state to survive reload, got %+v", reloaded)
	}
}

func TestPollUpdatesProgressAndStatus(t *testing.T) {
	dir := t.TempDir()
	initial := domain.BatchJobState{BatchID: "b1", Status: domain.BatchSubmitted, UpdatedAt: time.Now()}
	if err := saveBatchState(dir, initial); err != nil {
		t.Fatalf("save: %v", err)
	}

	fake := &fakeRemote{status: RemoteBatchStatus{Status: "in_progress", CompletedCount: 3, TotalCount: 10}}
	svc := &Service{Client: fake, TmpRoot: dir}

	st, err := svc.Poll(context.Background(), "b1")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if st.Status != domain.BatchInProgress || st.Progress != 30 {
		t.Fatalf("unexpected poll result: %+v", st)
	}
}

func TestFetchResultsRequiresCompleted(t *testing.T) {
	dir := t.TempDir()
	if err := saveBatchState(dir, domain.BatchJobState{BatchID: "b2", Status: domain.BatchInProgress}); err != nil {
		t.Fatalf("save: %v", err)
	}
	svc := &Service{Client: &fakeRemote{}, TmpRoot: dir}
	if _, err := svc.FetchResults(context.Background(), "b2"); err == nil {
		t.Fatal("expected error fetching results for a non-completed batch")
	}
}

func TestFetchResultsParsesOutputLines(t *testing.T) {
	dir := t.TempDir()
	if err := saveBatchState(dir, domain.BatchJobState{BatchID: "b3", Status: domain.BatchCompleted, OutputFileID: "out-1"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	output := `{"custom_id":"conv1","response":{"status_code":200,"body":{"choices":[{"message":{"content":"{\"summary\":\"did a thing\",\"outcome\":\"success\",\"complexity\":\"low\"}"}}]}}}
{"custom_id":"conv2","response":{"status_code":500,"body":{}}}
`
	svc := &Service{Client: &fakeRemote{downloadData: []byte(output)}, TmpRoot: dir}

	results, err := svc.FetchResults(context.Background(), "b3")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Narrative.Summary != "did a thing" {
		t.Fatalf("unexpected parsed narrative: %+v", results[0])
	}
	if results[1].Error == "" {
		t.Fatal("expected error for non-200 response line")
	}
}

func TestCancelMarksLocalStateFailed(t *testing.T) {
	dir := t.TempDir()
	if err := saveBatchState(dir, domain.BatchJobState{BatchID: "b4", Status: domain.BatchInProgress}); err != nil {
		t.Fatalf("save: %v", err)
	}
	fake := &fakeRemote{}
	svc := &Service{Client: fake, TmpRoot: dir}

	if err := svc.Cancel(context.Background(), "b4"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !fake.cancelled {
		t.Fatal("expected remote cancel to be called")
	}
	st, err := loadBatchState(dir, "b4")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if st.Status != domain.BatchFailed {
		t.Fatalf("expected local state marked failed after cancel, got %s", st.Status)
	}
}

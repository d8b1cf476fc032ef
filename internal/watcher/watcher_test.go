package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/fsnotify/fsnotify"

	"github.com/selfreflect/engine/internal/domain"
	"github.com/selfreflect/engine/internal/state"
)

func writeTranscript(t *testing.T, root, project, name string) string {
	t.Helper()
	dir := filepath.Join(root, project)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(`{"type":"user"}`+"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestScanIngestsNewFilesOnce(t *testing.T) {
	root := t.TempDir()
	writeTranscript(t, root, "proj-a", "conv1.jsonl")
	writeTranscript(t, root, "proj-b", "conv2.jsonl")

	st, err := state.Open(filepath.Join(root, "state.json"))
	if err != nil {
		t.Fatalf("open state: %v", err)
	}

	var calls int32
	var mu sync.Mutex
	var seen []string
	w := &Watcher{
		Root:  root,
		State: st,
		Ingest: func(ctx context.Context, path, dir string) (int, error) {
			atomic.AddInt32(&calls, 1)
			mu.Lock()
			seen = append(seen, path)
			mu.Unlock()
			return 1, nil
		},
	}

	w.scan(context.Background())
	if calls != 2 {
		t.Fatalf("expected 2 ingest calls, got %d", calls)
	}

	// Ingest doesn't update state itself in this fake, so a second scan
	// should see the same two files as still needing import. Simulate the
	// real pipeline by recording completion in state here.
	for _, p := range seen {
		mtime, _ := state.Mtime(p)
		rec := domain.FileRecord{LastModified: mtime, Status: domain.StatusCompleted, Chunks: 1}
		if err := st.UpdateFile(p, rec); err != nil {
			t.Fatalf("update file: %v", err)
		}
	}

	atomic.StoreInt32(&calls, 0)
	w.scan(context.Background())
	if calls != 0 {
		t.Fatalf("expected no re-ingestion of unchanged completed files, got %d calls", calls)
	}
}

func TestScanRespectsMaxFilesPerCycle(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 5; i++ {
		writeTranscript(t, root, "proj", "conv"+string(rune('a'+i))+".jsonl")
	}
	st, err := state.Open(filepath.Join(root, "state.json"))
	if err != nil {
		t.Fatalf("open state: %v", err)
	}

	var calls int32
	w := &Watcher{
		Root:             root,
		State:            st,
		MaxFilesPerCycle: 2,
		Ingest: func(ctx context.Context, path, dir string) (int, error) {
			atomic.AddInt32(&calls, 1)
			return 1, nil
		},
	}
	w.scan(context.Background())
	if calls != 2 {
		t.Fatalf("expected cap of 2 files per cycle, got %d", calls)
	}
}

func TestIngestIfNeededSkipsMissingFile(t *testing.T) {
	root := t.TempDir()
	st, err := state.Open(filepath.Join(root, "state.json"))
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	called := false
	w := &Watcher{
		Root:  root,
		State: st,
		Ingest: func(ctx context.Context, path, dir string) (int, error) {
			called = true
			return 0, nil
		},
	}
	w.ingestIfNeeded(context.Background(), filepath.Join(root, "nope.jsonl"), root)
	if called {
		t.Fatal("expected ingest to be skipped for a missing file")
	}
}

func TestHandleEventIgnoresNonJSONL(t *testing.T) {
	root := t.TempDir()
	called := false
	w := &Watcher{
		Root: root,
		Ingest: func(ctx context.Context, path, dir string) (int, error) {
			called = true
			return 0, nil
		},
	}
	w.handleEvent(context.Background(), fsnotify.Event{Name: filepath.Join(root, "notes.txt"), Op: fsnotify.Write})
	if called {
		t.Fatal("expected non-.jsonl events to be ignored")
	}
}

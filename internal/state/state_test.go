package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/selfreflect/engine/internal/domain"
)

func TestOpenMissingFileReturnsEmptyDocument(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "unified-state.json"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := s.Get("/some/path"); ok {
		t.Fatal("expected no record in empty document")
	}
}

func TestUpdateFilePersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "unified-state.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	rec := domain.FileRecord{
		ImportedAt:   time.Now(),
		LastModified: 123.456,
		Chunks:       3,
		Status:       domain.StatusCompleted,
		Collection:   "conv_abcd1234_qwen_2048d",
	}
	if err := s.UpdateFile("/abs/conv1.jsonl", rec); err != nil {
		t.Fatalf("update: %v", err)
	}

	reloaded, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := reloaded.Get("/abs/conv1.jsonl")
	if !ok {
		t.Fatal("expected record to survive reload")
	}
	if got.Chunks != 3 || got.Collection != "conv_abcd1234_qwen_2048d" {
		t.Fatalf("unexpected record after reload: %+v", got)
	}
}

func TestSaveNeverLeavesTruncatedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "unified-state.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.UpdateFile("/a", domain.FileRecord{Status: domain.StatusCompleted}); err != nil {
		t.Fatalf("update: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != filepath.Base(path) {
			t.Fatalf("leftover temp file after save: %s", e.Name())
		}
	}
}

func TestRemoveOrphansDropsMissingPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "unified-state.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.UpdateFile("/exists", domain.FileRecord{}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.UpdateFile("/gone", domain.FileRecord{}); err != nil {
		t.Fatalf("update: %v", err)
	}

	checked, removed, err := s.RemoveOrphans(func(p string) bool { return p == "/exists" })
	if err != nil {
		t.Fatalf("remove orphans: %v", err)
	}
	if checked != 2 || removed != 1 {
		t.Fatalf("expected checked=2 removed=1, got checked=%d removed=%d", checked, removed)
	}
	if _, ok := s.Get("/gone"); ok {
		t.Fatal("expected orphan removed")
	}
	if _, ok := s.Get("/exists"); !ok {
		t.Fatal("expected surviving path kept")
	}
}

func TestShouldImport(t *testing.T) {
	if !ShouldImport("/p", domain.FileRecord{}, false, 1.0) {
		t.Fatal("expected true when no record exists")
	}
	if ShouldImport("/p", domain.FileRecord{LastModified: 1.0}, true, 1.0) {
		t.Fatal("expected false when mtime unchanged")
	}
	if !ShouldImport("/p", domain.FileRecord{LastModified: 1.0}, true, 2.0) {
		t.Fatal("expected true when mtime changed")
	}
}

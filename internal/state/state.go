// Package state is the ingestion state store (C4): a single JSON document
// mapping absolute file path to FileRecord, persisted with atomic-rename
// write discipline so a crash mid-write never leaves a truncated file.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/selfreflect/engine/internal/domain"
)

// Document is the full state-file contents (§3).
type Document struct {
	Files map[string]domain.FileRecord `json:"files"`
}

// Store guards one state document behind a mutex and persists it to path
// using write-to-temp-then-rename, never a direct in-place write.
type Store struct {
	mu   sync.Mutex
	path string
	doc  Document
}

const defaultFileName = "unified-state.json"

// EnvPath resolves the state file location: STATE_FILE env var if set, else
// <configRoot>/unified-state.json.
func EnvPath(configRoot string) string {
	if v := os.Getenv("STATE_FILE"); v != "" {
		return v
	}
	return filepath.Join(configRoot, defaultFileName)
}

// Open loads the document at path, tolerating a missing file (§4.4: readers
// must tolerate a missing file, returning an empty document).
func Open(path string) (*Store, error) {
	s := &Store{path: path, doc: Document{Files: make(map[string]domain.FileRecord)}}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return domain.Wrap("state.load", s.path, domain.ErrConfig)
	}
	if doc.Files == nil {
		doc.Files = make(map[string]domain.FileRecord)
	}
	s.doc = doc
	return nil
}

// Load re-reads the document from disk, replacing the in-memory copy.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Document returns a snapshot of the current in-memory document.
func (s *Store) Document() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	files := make(map[string]domain.FileRecord, len(s.doc.Files))
	for k, v := range s.doc.Files {
		files[k] = v
	}
	return Document{Files: files}
}

// Save persists the current in-memory document, atomically.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Get returns the record for path and whether it exists.
func (s *Store) Get(path string) (domain.FileRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.doc.Files[path]
	return rec, ok
}

// UpdateFile sets the record for path and persists immediately.
func (s *Store) UpdateFile(path string, rec domain.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Files[path] = rec
	return s.saveLocked()
}

// RemoveOrphans drops every entry whose path no longer exists on disk, per
// existsFn, and persists the reduced document. A write failure (e.g.
// permission error) must not crash the caller: the record is left stale and
// the error is returned for the caller to log, not panic on.
func (s *Store) RemoveOrphans(existsFn func(path string) bool) (checked, removed int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for path := range s.doc.Files {
		checked++
		if !existsFn(path) {
			delete(s.doc.Files, path)
			removed++
		}
	}
	if removed == 0 {
		return checked, removed, nil
	}
	if err := s.saveLocked(); err != nil {
		return checked, removed, err
	}
	return checked, removed, nil
}

// ShouldImport reports whether path needs (re)ingestion: true when no record
// exists yet, or when the record's last_modified no longer matches the
// file's current mtime.
func ShouldImport(path string, rec domain.FileRecord, exists bool, mtime float64) bool {
	if !exists {
		return true
	}
	return rec.LastModified != mtime
}

// Mtime returns the filesystem modification time of path as float seconds,
// the representation FileRecord.LastModified is compared against.
func Mtime(path string) (float64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return float64(info.ModTime().UnixNano()) / 1e9, nil
}

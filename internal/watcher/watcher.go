// Package watcher drives ingestion (C6) from two triggers (C12): a
// periodic polling scan of <root>/*/*.jsonl, and optional OS file-system
// change notifications for low-latency pickup. Either can run alone; the
// daemon entrypoint wires both.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/selfreflect/engine/internal/state"
)

const (
	DefaultScanInterval     = 60 * time.Second
	DefaultWorkers          = 1
	DefaultMaxFilesPerCycle = 1000
)

// IngestFunc runs the ingestion pipeline for one transcript file, given its
// path and the directory used for project normalization.
type IngestFunc func(ctx context.Context, path, dir string) (int, error)

// Watcher polls Root for new/changed *.jsonl files and optionally reacts to
// file-system change events, handing each candidate file to Ingest with
// bounded concurrency (§4.12).
type Watcher struct {
	Root             string
	ScanInterval     time.Duration
	Workers          int
	MaxFilesPerCycle int
	State            *state.Store
	Ingest           IngestFunc
	Logger           *slog.Logger

	// WatchFS enables the fsnotify-driven trigger alongside polling.
	WatchFS bool
}

func (w *Watcher) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func (w *Watcher) scanInterval() time.Duration {
	if w.ScanInterval > 0 {
		return w.ScanInterval
	}
	return DefaultScanInterval
}

func (w *Watcher) workers() int {
	if w.Workers > 0 {
		return w.Workers
	}
	return DefaultWorkers
}

func (w *Watcher) maxFilesPerCycle() int {
	if w.MaxFilesPerCycle > 0 {
		return w.MaxFilesPerCycle
	}
	return DefaultMaxFilesPerCycle
}

// Run blocks until ctx is cancelled, driving both triggers. The initial
// scan runs synchronously before Run returns control to the ticker/watcher
// select loop, so a cold start always picks up pre-existing files.
func (w *Watcher) Run(ctx context.Context) error {
	log := w.logger()

	var fsEvents chan fsnotify.Event
	if w.WatchFS {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			log.Warn("watcher: fsnotify unavailable, falling back to polling only", "error", err)
		} else {
			defer watcher.Close()
			if err := watcher.Add(w.Root); err != nil {
				log.Warn("watcher: fsnotify add root failed", "error", err, "root", w.Root)
			} else {
				if err := addProjectDirs(watcher, w.Root); err != nil {
					log.Warn("watcher: fsnotify add project dirs failed", "error", err)
				}
				fsEvents = make(chan fsnotify.Event, 256)
				go func() {
					defer close(fsEvents)
					for {
						select {
						case ev, ok := <-watcher.Events:
							if !ok {
								return
							}
							fsEvents <- ev
						case <-ctx.Done():
							return
						}
					}
				}()
			}
		}
	}

	w.scan(ctx)

	ticker := time.NewTicker(w.scanInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.scan(ctx)
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			w.handleEvent(ctx, ev)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return
	}
	if filepath.Ext(ev.Name) != ".jsonl" {
		return
	}
	dir := filepath.Dir(ev.Name)
	w.ingestIfNeeded(ctx, ev.Name, dir)
}

// scan enumerates <root>/*/*.jsonl, skips files that don't need
// (re)ingestion per state.ShouldImport, and processes the rest with
// bounded concurrency, capped at MaxFilesPerCycle per cycle.
func (w *Watcher) scan(ctx context.Context) {
	log := w.logger()

	matches, err := filepath.Glob(filepath.Join(w.Root, "*", "*.jsonl"))
	if err != nil {
		log.Error("watcher: glob failed", "error", err, "root", w.Root)
		return
	}
	sort.Strings(matches)
	if len(matches) > w.maxFilesPerCycle() {
		matches = matches[:w.maxFilesPerCycle()]
	}

	sem := make(chan struct{}, w.workers())
	var wg sync.WaitGroup
	for _, path := range matches {
		if ctx.Err() != nil {
			break
		}
		dir := filepath.Dir(path)
		sem <- struct{}{}
		wg.Add(1)
		go func(path, dir string) {
			defer wg.Done()
			defer func() { <-sem }()
			w.ingestIfNeeded(ctx, path, dir)
		}(path, dir)
	}
	wg.Wait()
}

func (w *Watcher) ingestIfNeeded(ctx context.Context, path, dir string) {
	log := w.logger()

	mtime, err := state.Mtime(path)
	if err != nil {
		log.Warn("watcher: stat failed", "error", err, "path", path)
		return
	}
	rec, exists := w.State.Get(path)
	if !state.ShouldImport(path, rec, exists, mtime) {
		return
	}

	n, err := w.Ingest(ctx, path, dir)
	if err != nil {
		log.Error("watcher: ingest failed", "error", err, "path", path)
		return
	}
	log.Info("watcher: ingested file", "path", path, "chunks", n)
}

// addProjectDirs subscribes fsnotify to every immediate subdirectory of
// root, since fsnotify watches are non-recursive and transcripts live one
// level down (<root>/<project>/*.jsonl).
func addProjectDirs(watcher *fsnotify.Watcher, root string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := watcher.Add(filepath.Join(root, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

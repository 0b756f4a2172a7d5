package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of events an editor save produces.
const DefaultDebounce = 300 * time.Millisecond

// Watcher keeps the store in sync with the corpus directory: created or
// written files are re-ingested, removed or renamed files are deleted.
type Watcher struct {
	svc      *Service
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

// NewWatcher creates a Watcher. debounce <= 0 uses DefaultDebounce.
func NewWatcher(svc *Service, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{svc: svc, debounce: debounce, pending: make(map[string]*time.Timer)}
}

// Run watches until ctx is done. New category directories are picked up as
// they appear.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ingest: watcher: %w", err)
	}
	defer fw.Close()

	root := w.svc.loader.Root()
	if err := addTree(fw, root); err != nil {
		return err
	}
	log := w.svc.log
	log.Info("ingest: watching", "root", root)

	defer w.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			w.stopPending()
			return nil
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Error("ingest: watcher error", "err", err)
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := addTree(fw, ev.Name); err != nil {
						log.Warn("ingest: watch new directory", "path", ev.Name, "err", err)
					}
					w.scan(ctx, ev.Name)
					continue
				}
			}
			if !Supported(ev.Name) || filepath.Dir(ev.Name) == root {
				continue
			}
			switch {
			case ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create):
				w.schedule(ctx, ev.Name, false)
			case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
				w.schedule(ctx, ev.Name, true)
			}
		}
	}
}

// scan ingests files that landed in a directory before its watch was added.
func (w *Watcher) scan(ctx context.Context, dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() && Supported(path) {
			w.schedule(ctx, path, false)
		}
		return nil
	})
}

func (w *Watcher) schedule(ctx context.Context, path string, remove bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok && t.Stop() {
		w.wg.Done()
	}
	w.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if w.pending[path] == t {
			delete(w.pending, path)
		}
		w.mu.Unlock()
		w.apply(ctx, path, remove)
	})
	w.pending[path] = t
}

func (w *Watcher) apply(ctx context.Context, path string, remove bool) {
	if ctx.Err() != nil {
		return
	}
	log := w.svc.log
	if remove {
		if err := w.svc.Remove(ctx, path); err != nil {
			log.Error("ingest: watch remove", "path", path, "err", err)
		}
		return
	}
	if _, err := w.svc.IngestFile(ctx, path); err != nil {
		log.Error("ingest: watch ingest", "path", path, "err", err)
	}
}

func (w *Watcher) stopPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.pending, path)
	}
}

func addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := fw.Add(path); err != nil {
			return fmt.Errorf("ingest: watch %s: %w", path, err)
		}
		return nil
	})
}

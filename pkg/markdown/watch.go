package markdown

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-imports markdown files as they change on disk, for continuous
// ingest of a notes directory. Rapid editor save bursts are coalesced with a
// short settle delay before re-reading.
type Watcher struct {
	imp     *Importer
	baseDir string
	settle  time.Duration
}

// NewWatcher creates a watcher over baseDir. A zero settle defaults to
// 500ms.
func NewWatcher(imp *Importer, baseDir string, settle time.Duration) *Watcher {
	if settle <= 0 {
		settle = 500 * time.Millisecond
	}
	return &Watcher{imp: imp, baseDir: baseDir, settle: settle}
}

// Run watches until ctx is cancelled. Each changed .md file is re-parsed and
// persisted individually; import failures are logged and watching continues.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	// Watch the whole directory tree.
	err = filepath.WalkDir(w.baseDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fw.Add(path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	pending := map[string]time.Time{}
	ticker := time.NewTicker(w.settle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(strings.ToLower(ev.Name), ".md") {
				// New subdirectories must be added to the watch set.
				if ev.Op.Has(fsnotify.Create) {
					if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
						_ = fw.Add(ev.Name)
					}
				}
				continue
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
				pending[ev.Name] = time.Now()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Printf("markdown: watch error: %v", err)
		case <-ticker.C:
			now := time.Now()
			for path, touched := range pending {
				if now.Sub(touched) < w.settle {
					continue
				}
				delete(pending, path)
				w.importOne(ctx, path)
			}
		}
	}
}

func (w *Watcher) importOne(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("markdown: read %s: %v", path, err)
		return
	}
	rel, err := filepath.Rel(w.baseDir, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	prepared, err := PrepareImport(ctx, []FileInput{{Path: filepath.ToSlash(rel), Content: string(data)}},
		PrepareOptions{RouteCollections: true})
	if err != nil {
		log.Printf("markdown: prepare %s: %v", path, err)
		return
	}
	if _, err := w.imp.Persist(ctx, prepared); err != nil {
		log.Printf("markdown: import %s: %v", path, err)
	}
}

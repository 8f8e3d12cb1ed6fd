// Package importer ingests step data dropped into a watched directory.
//
// Two file formats are supported:
//   - .fit activity files, decoded with the tormoder/fit library
//   - .json payloads, validated against an embedded JSON schema
//
// Processed files are renamed with a .done suffix, failed files with .err,
// so a file is never ingested twice.
package importer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"stepd/internal/metrics"
)

// settleInterval is how long a file must be unmodified before it is
// considered fully written and safe to ingest.
const settleInterval = 2 * time.Second

// Writer receives step counts extracted from imported files.
type Writer interface {
	WriteExternal(ctx context.Context, stepCount uint32, from, to time.Time) error
}

// Importer watches a directory and ingests step files dropped into it.
type Importer struct {
	dir    string
	writer Writer
	log    *slog.Logger
	stats  *metrics.StepdMetrics

	fsWatcher *fsnotify.Watcher

	// Pending files: path -> last modification time
	pending   map[string]time.Time
	pendingMu sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates an importer for the given directory. The directory is created
// if it does not exist. stats may be nil.
func New(dir string, writer Writer, stats *metrics.StepdMetrics, log *slog.Logger) (*Importer, error) {
	if writer == nil {
		return nil, fmt.Errorf("importer writer is required")
	}
	if log == nil {
		log = slog.Default()
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve import dir: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, fmt.Errorf("create import dir: %w", err)
	}

	return &Importer{
		dir:     absDir,
		writer:  writer,
		log:     log,
		stats:   stats,
		pending: make(map[string]time.Time),
		done:    make(chan struct{}),
	}, nil
}

// Dir returns the watched directory.
func (im *Importer) Dir() string {
	return im.dir
}

// Start begins watching the import directory. Files already present are
// queued for ingestion.
func (im *Importer) Start() error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsWatcher.Add(im.dir); err != nil {
		fsWatcher.Close()
		return fmt.Errorf("watch import dir: %w", err)
	}
	im.fsWatcher = fsWatcher

	// Queue files that were dropped before the watcher started.
	entries, err := os.ReadDir(im.dir)
	if err != nil {
		fsWatcher.Close()
		return fmt.Errorf("scan import dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		im.track(filepath.Join(im.dir, entry.Name()))
	}

	im.wg.Add(2)
	go im.eventLoop()
	go im.settleLoop()

	return nil
}

// Stop shuts down the importer. Queued files that have not settled yet are
// left in place for the next start.
func (im *Importer) Stop() error {
	close(im.done)
	im.wg.Wait()
	if im.fsWatcher != nil {
		return im.fsWatcher.Close()
	}
	return nil
}

// importable reports whether the file name has a supported extension.
func importable(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".fit", ".json":
		return true
	}
	return false
}

// track records a candidate file for settle checking.
func (im *Importer) track(path string) {
	if !importable(path) {
		return
	}
	im.pendingMu.Lock()
	im.pending[path] = time.Now()
	im.pendingMu.Unlock()
}

// eventLoop handles fsnotify events.
func (im *Importer) eventLoop() {
	defer im.wg.Done()

	for {
		select {
		case <-im.done:
			return

		case event, ok := <-im.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			info, err := os.Stat(event.Name)
			if err != nil || info.IsDir() {
				continue
			}
			im.track(event.Name)

		case err, ok := <-im.fsWatcher.Errors:
			if !ok {
				return
			}
			im.log.Warn("import watcher error", "error", err)
		}
	}
}

// settleLoop ingests files that have stopped changing.
func (im *Importer) settleLoop() {
	defer im.wg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-im.done:
			return

		case now := <-ticker.C:
			im.processSettled(now)
		}
	}
}

// processSettled ingests every pending file whose last write is older than
// the settle interval.
func (im *Importer) processSettled(now time.Time) {
	threshold := now.Add(-settleInterval)

	im.pendingMu.Lock()
	var ready []string
	for path, lastMod := range im.pending {
		if lastMod.Before(threshold) {
			ready = append(ready, path)
			delete(im.pending, path)
		}
	}
	im.pendingMu.Unlock()

	for _, path := range ready {
		if err := im.ProcessFile(context.Background(), path); err != nil {
			im.log.Warn("import failed", "path", path, "error", err)
		}
	}
}

// ProcessFile ingests a single file and renames it with a .done suffix on
// success or .err on failure. The returned error describes the failure that
// was also recorded in the .err rename.
func (im *Importer) ProcessFile(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("stat import file: %w", err)
	}

	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".fit":
		err = im.importFIT(ctx, path)
	case ".json":
		err = im.importJSON(ctx, path)
	default:
		err = fmt.Errorf("unsupported file type %q", filepath.Ext(path))
	}

	if err != nil {
		if im.stats != nil {
			im.stats.ImportErrors.Inc()
		}
		if renameErr := os.Rename(path, path+".err"); renameErr != nil {
			im.log.Warn("mark failed import", "path", path, "error", renameErr)
		}
		return err
	}

	if im.stats != nil {
		im.stats.ImportsTotal.Inc()
	}
	if renameErr := os.Rename(path, path+".done"); renameErr != nil {
		return fmt.Errorf("mark import done: %w", renameErr)
	}
	im.log.Info("imported step file", "path", filepath.Base(path))
	return nil
}

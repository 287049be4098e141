// Package watch monitors control point CSV directories and triggers a
// reload when an external editor rewrites a file.
package watch

import (
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// Event reports one settled change to a control point file.
type Event struct {
	Path string    `json:"path"`
	Time time.Time `json:"time"`
}

// Watcher monitors directories for control point CSV changes. Rapid
// successive writes to the same file are coalesced, so a save from an
// external editor produces a single event.
type Watcher struct {
	watcher  *fsnotify.Watcher
	Events   chan Event
	debounce time.Duration
	log      *slog.Logger
	done     chan struct{}
}

// New creates a watcher over the given directories. A zero debounce
// uses the default.
func New(dirs []string, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		watcher:  fsw,
		Events:   make(chan Event, 16),
		debounce: debounce,
		log:      logger,
		done:     make(chan struct{}),
	}
	for _, dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, err
		}
		logger.Info("watching control point directory", "dir", dir)
	}
	go w.run()
	return w, nil
}

// Stop stops the watcher and closes its event channel.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) run() {
	defer close(w.Events)

	pending := map[string]time.Time{}
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) &&
				!event.Op.Has(fsnotify.Rename) && !event.Op.Has(fsnotify.Remove) {
				continue
			}
			if !isControlPointFile(event.Name) {
				continue
			}
			pending[event.Name] = time.Now()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("filesystem watcher error", "error", err)

		case now := <-ticker.C:
			for path, last := range pending {
				if now.Sub(last) < w.debounce {
					continue
				}
				delete(pending, path)
				select {
				case w.Events <- Event{Path: path, Time: now}:
				default:
					w.log.Warn("event buffer full, dropping event", "path", path)
				}
			}

		case <-w.done:
			return
		}
	}
}

// isControlPointFile keeps only settled CSV files. Temp files from
// atomic writes are skipped so our own saves do not echo back.
func isControlPointFile(path string) bool {
	if strings.HasSuffix(path, ".tmp") {
		return false
	}
	return strings.EqualFold(filepath.Ext(path), ".csv")
}

// Package watcher monitors event log files for out-of-band modification.
//
// The engine is the only legitimate writer to a session's log. Any write
// it did not perform itself (an editor, another process, bit rot via a
// sync client) changes the file size away from the engine's expectation
// and flags the session, forcing a verify pass before the next append is
// trusted. Detection is advisory: the authoritative check remains the
// per-record CRC/HMAC on read.
package watcher

import (
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher tracks expected log sizes and flags divergence.
type Watcher struct {
	fw     *fsnotify.Watcher
	logger *slog.Logger
	onFlag func(path string)

	mu       sync.Mutex
	expected map[string]int64
	closed   bool
}

// New creates a watcher that calls onFlag with the path of any tracked
// file modified out-of-band.
func New(onFlag func(path string), logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		fw:       fw,
		logger:   logger.With("component", "watcher"),
		onFlag:   onFlag,
		expected: make(map[string]int64),
	}
	go w.run()
	return w, nil
}

// Track starts watching a log file with its current size as expected.
func (w *Watcher) Track(path string, size int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.expected[path] = size
	return w.fw.Add(path)
}

// Expect updates the expected size after a legitimate append.
func (w *Watcher) Expect(path string, size int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.expected[path] = size
}

// Untrack stops watching a log file.
func (w *Watcher) Untrack(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.expected, path)
	w.fw.Remove(path)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return w.fw.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.check(ev.Name)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) check(path string) {
	w.mu.Lock()
	want, tracked := w.expected[path]
	w.mu.Unlock()
	if !tracked {
		return
	}
	stat, err := os.Stat(path)
	if err != nil {
		w.logger.Warn("tracked log file missing", "path", path, "error", err)
		w.onFlag(path)
		return
	}
	if stat.Size() != want {
		w.logger.Warn("out-of-band modification detected",
			"path", path, "size", stat.Size(), "expected", want)
		w.onFlag(path)
	}
}

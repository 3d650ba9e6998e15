package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// FileWatcher polls a file and re-parses it when its content changes. The
// memory store uses it to pick up edits to the tenant fixture file.
//
// A file that fails to parse is logged and ignored; the last good value stays
// current.
type FileWatcher[T any] struct {
	path     string
	interval time.Duration
	parse    func(io.Reader) (T, error)
	onChange func(old, new T)

	mu       sync.Mutex
	current  T
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	lastMtime time.Time
	lastHash  [sha256.Size]byte
}

// WatcherOption configures a [FileWatcher].
type WatcherOption func(*watcherOptions)

type watcherOptions struct {
	interval time.Duration
}

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(o *watcherOptions) {
		if d > 0 {
			o.interval = d
		}
	}
}

// NewFileWatcher parses path immediately and starts polling it in a
// background goroutine. onChange runs on the polling goroutine after every
// successful reload and may be nil.
func NewFileWatcher[T any](path string, parse func(io.Reader) (T, error), onChange func(old, new T), opts ...WatcherOption) (*FileWatcher[T], error) {
	o := watcherOptions{interval: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	w := &FileWatcher[T]{
		path:     path,
		interval: o.interval,
		parse:    parse,
		onChange: onChange,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	v, hash, mtime, err := w.loadAndHash()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = v
	w.lastHash = hash
	w.lastMtime = mtime

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid value.
func (w *FileWatcher[T]) Current() T {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops polling and waits for the polling goroutine to exit.
func (w *FileWatcher[T]) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
	<-w.stopped
}

func (w *FileWatcher[T]) poll() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check reloads the file if its mtime and content both changed.
func (w *FileWatcher[T]) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("file watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	mtime := w.lastMtime
	w.mu.Unlock()

	if info.ModTime().Equal(mtime) {
		return
	}

	v, hash, newMtime, err := w.loadAndHash()
	if err != nil {
		slog.Warn("file watcher: failed to load file, keeping previous version", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if hash == w.lastHash {
		w.lastMtime = newMtime
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = v
	w.lastHash = hash
	w.lastMtime = newMtime
	w.mu.Unlock()

	slog.Info("file watcher: reloaded", "path", w.path)

	if w.onChange != nil {
		w.onChange(old, v)
	}
}

func (w *FileWatcher[T]) loadAndHash() (T, [sha256.Size]byte, time.Time, error) {
	var zero T
	var zeroHash [sha256.Size]byte

	f, err := os.Open(w.path)
	if err != nil {
		return zero, zeroHash, time.Time{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return zero, zeroHash, time.Time{}, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return zero, zeroHash, time.Time{}, err
	}

	v, err := w.parse(bytes.NewReader(data))
	if err != nil {
		return zero, zeroHash, time.Time{}, err
	}
	return v, sha256.Sum256(data), info.ModTime(), nil
}

package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// ErrUnchanged is returned by [Watcher.Reload] when the file content matches
// the config already in effect.
var ErrUnchanged = errors.New("config: file unchanged")

// Watcher keeps the running server's config in step with the file on disk.
// [Watcher.Run] polls the file's mtime; [Watcher.Reload] re-reads it on
// demand (SIGHUP). An edit that fails to parse or validate is rejected and
// the config in effect stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	log      *slog.Logger

	// reloadMu serialises reloads so onChange sees configs in file order.
	reloadMu sync.Mutex

	mu      sync.Mutex
	current *Config
	mtime   time.Time
	sum     [sha256.Size]byte

	rejected atomic.Int64
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval used by [Watcher.Run]. The default
// is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLogger sets the logger for reload and rejection events. The default is
// [slog.Default].
func WithLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path once and returns a watcher holding it as the current
// config. onChange may be nil. Polling starts with [Watcher.Run].
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.mtime, w.sum = snap.cfg, snap.mtime, snap.sum
	return w, nil
}

// Current returns the config in effect.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Rejected reports how many edits failed validation since the watcher was
// created.
func (w *Watcher) Rejected() int64 { return w.rejected.Load() }

// Run polls the file until ctx ends. It always returns ctx.Err().
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.poll()
		}
	}
}

// Reload re-reads the file regardless of its mtime and applies it when the
// content differs from the config in effect. It returns [ErrUnchanged] for
// identical content and the load error for an invalid file.
func (w *Watcher) Reload() error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	snap, err := w.read()
	if err != nil {
		w.reject(err)
		return err
	}
	if !w.apply(snap) {
		return ErrUnchanged
	}
	return nil
}

func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config: stat failed", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	seen := info.ModTime().Equal(w.mtime)
	w.mu.Unlock()
	if seen {
		return
	}
	if err := w.Reload(); err != nil && !errors.Is(err, ErrUnchanged) {
		// Remember the mtime so a broken file is reported once per edit.
		w.mu.Lock()
		w.mtime = info.ModTime()
		w.mu.Unlock()
	}
}

func (w *Watcher) reject(err error) {
	n := w.rejected.Add(1)
	w.log.Warn("config: edit rejected, keeping current config", "path", w.path, "rejected", n, "err", err)
}

// apply installs snap and reports whether the content changed. Must be
// called with reloadMu held.
func (w *Watcher) apply(snap snapshot) bool {
	w.mu.Lock()
	if snap.sum == w.sum {
		w.mtime = snap.mtime
		w.mu.Unlock()
		return false
	}
	old := w.current
	w.current, w.mtime, w.sum = snap.cfg, snap.mtime, snap.sum
	w.mu.Unlock()

	w.log.Info("config: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, snap.cfg)
	}
	return true
}

type snapshot struct {
	cfg   *Config
	mtime time.Time
	sum   [sha256.Size]byte
}

func (w *Watcher) read() (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}

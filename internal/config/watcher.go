package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ChangeFunc receives a reloaded config together with its diff against the
// previous one.
type ChangeFunc func(old, new *Config, diff ConfigDiff)

// Watcher reloads a config file when its content changes, either on a
// polling tick or on an explicit [Watcher.Reload]. An edit that fails to
// parse or validate is rejected and the previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc
	onReject func(error)

	// reload serialises check so a tick and a Reload cannot interleave.
	reload sync.Mutex

	mu      sync.Mutex
	current *Config
	hash    [sha256.Size]byte

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: 5s. Zero or negative
// disables polling; only Reload picks up changes then.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.interval = d }
}

// WithRejectHandler is called with the error of every rejected edit, in
// addition to the warning that is always logged.
func WithRejectHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onReject = fn }
}

// NewWatcher loads path and starts watching it. The initial load must
// succeed.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	cfg, sum, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.hash = cfg, sum
	if w.interval > 0 {
		go w.poll()
	}
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload reads the file now. It reports whether a new config was accepted;
// an unchanged file is not an error.
func (w *Watcher) Reload() (bool, error) {
	w.reload.Lock()
	defer w.reload.Unlock()

	cfg, sum, err := w.read()
	if err != nil {
		slog.Warn("config: reload rejected, keeping previous config", "path", w.path, "err", err)
		if w.onReject != nil {
			w.onReject(err)
		}
		return false, err
	}

	w.mu.Lock()
	if sum == w.hash {
		w.mu.Unlock()
		return false, nil
	}
	old := w.current
	w.current, w.hash = cfg, sum
	w.mu.Unlock()

	diff := Diff(old, cfg)
	slog.Info("config: reloaded", "path", w.path, "changed", diff.Changed(), "restart_required", diff.RestartRequired)
	if w.onChange != nil {
		w.onChange(old, cfg, diff)
	}
	return true, nil
}

// Stop ends polling. Reload keeps working. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) poll() {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-t.C:
			_, _ = w.Reload()
		}
	}
}

func (w *Watcher) read() (*Config, [sha256.Size]byte, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	return cfg, sha256.Sum256(data), nil
}

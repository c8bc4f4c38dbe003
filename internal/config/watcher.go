package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often [Watcher.Run] polls the config file.
const DefaultWatchInterval = 5 * time.Second

// ReloadFunc receives the previous and the freshly loaded configuration. It
// is the hook through which the server applies chat, retention and log
// level changes without a restart.
type ReloadFunc func(old, new *Config)

// Watcher reloads a Tavern config file when its content changes.
//
// A candidate file must load and validate exactly like it does at start-up
// (YAML, TAVERN_* overrides, defaults); an invalid edit is logged and the
// running configuration stays in place. Edits that leave every setting
// equal, such as reformatting or comments, are absorbed without calling the
// [ReloadFunc].
type Watcher struct {
	path     string
	interval time.Duration
	onReload ReloadFunc

	mu      sync.Mutex
	current *Config
	state   fileState
}

// fileState identifies one version of the watched file.
type fileState struct {
	mtime time.Time
	size  int64
	hash  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval of [Watcher.Run].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path and returns a watcher for it. Polling
// starts with [Watcher.Run].
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: DefaultWatchInterval, onReload: onReload}
	for _, o := range opts {
		o(w)
	}
	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current, w.state = cfg, st
	return w, nil
}

// Current returns the configuration in effect.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls the file until ctx is cancelled and always returns nil. Load
// failures are logged and retried on the next tick.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.Check(); err != nil {
				slog.Warn("config reload skipped, keeping running configuration", "path", w.path, "err", err)
			}
		}
	}
}

// Check re-reads the file once and reports whether a changed configuration
// was handed to the [ReloadFunc]. It is safe to call concurrently with
// [Watcher.Run], e.g. from a SIGHUP handler.
func (w *Watcher) Check() (bool, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return false, fmt.Errorf("config: stat %q: %w", w.path, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if info.ModTime().Equal(w.state.mtime) && info.Size() == w.state.size {
		return false, nil
	}
	cfg, st, err := w.read()
	if err != nil {
		return false, err
	}
	if st.hash == w.state.hash {
		w.state = st
		return false, nil
	}
	w.state = st

	d := Diff(w.current, cfg)
	if d.Empty() && len(d.RestartRequired) == 0 {
		slog.Debug("config file changed without effective changes", "path", w.path)
		w.current = cfg
		return false, nil
	}

	old := w.current
	w.current = cfg
	slog.Info("configuration reloaded", "path", w.path,
		"log_level", d.LogLevelChanged,
		"chat", d.ChatChanged,
		"retention", d.RetentionChanged,
		"restart_required", d.RestartRequired,
	)
	if w.onReload != nil {
		w.onReload(old, cfg)
	}
	return true, nil
}

// read loads and validates the file and fingerprints its content.
func (w *Watcher) read() (*Config, fileState, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, fmt.Errorf("config: read %q: %w", w.path, err)
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, fmt.Errorf("config: stat %q: %w", w.path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileState{}, fmt.Errorf("config: reload %q: %w", w.path, err)
	}
	return cfg, fileState{mtime: info.ModTime(), size: int64(len(data)), hash: sha256.Sum256(data)}, nil
}

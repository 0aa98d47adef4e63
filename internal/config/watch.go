// SPDX-License-Identifier: MIT
package config

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses the burst of events editors emit on save.
const DefaultDebounce = 100 * time.Millisecond

// Watcher reloads a configuration file when it changes on disk and hands
// every successfully validated result to the registered callbacks. Invalid
// edits are reported on Errors and the previous configuration stays active.
type Watcher struct {
	path     string
	debounce time.Duration

	mu        sync.Mutex
	current   *Config
	callbacks []func(*Config)

	fsw    *fsnotify.Watcher
	errs   chan error
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a watcher for the file cfg was loaded from.
func NewWatcher(cfg *Config) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("config was not loaded from a file")
	}
	return &Watcher{
		path:     cfg.Path,
		debounce: DefaultDebounce,
		current:  cfg,
		errs:     make(chan error, 8),
		done:     make(chan struct{}),
	}, nil
}

// OnChange registers a callback run after every successful reload.
func (w *Watcher) OnChange(cb func(*Config)) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, cb)
	w.mu.Unlock()
}

// Errors returns reload and watch errors. The channel is never closed and
// drops errors nobody reads.
func (w *Watcher) Errors() <-chan error {
	return w.errs
}

// Config returns the most recently loaded configuration.
func (w *Watcher) Config() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Start begins watching. It watches the directory rather than the file so
// that editors which replace the file on save are still seen.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	w.fsw = fsw

	ctx, w.cancel = context.WithCancel(ctx)
	go w.loop(ctx)

	logger.Infof("Watching %s for changes", w.path)
	return nil
}

// Close stops watching and waits for the loop to exit.
func (w *Watcher) Close() error {
	if w.fsw == nil {
		return nil
	}
	w.cancel()
	err := w.fsw.Close()
	<-w.done
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	name := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.report(err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		logger.Warnf("Reload of %s rejected: %v", w.path, err)
		w.report(err)
		return
	}

	w.mu.Lock()
	w.current = cfg
	callbacks := slices.Clone(w.callbacks)
	w.mu.Unlock()

	logger.Infof("Reloaded %s", w.path)
	for _, cb := range callbacks {
		cb(cfg)
	}
}

func (w *Watcher) report(err error) {
	select {
	case w.errs <- err:
	default:
	}
}

package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"somnus/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors somnus.yaml for changes and pushes reloaded configs to
// subscribers. Rapid successive writes (editor save dances) are debounced so
// subscribers see one reload per burst.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	workspace   string
	configPath  string
	pending     time.Time
	debounceDur time.Duration
	subscribers []chan *Config
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewWatcher creates a Watcher for the config file in the given workspace.
func NewWatcher(workspace string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:     fw,
		workspace:   workspace,
		configPath:  filepath.Join(workspace, ConfigFileName),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Subscribe returns a channel that receives the new Config after each
// successful reload. The channel is buffered; a slow subscriber drops
// intermediate configs rather than blocking the watcher.
func (w *Watcher) Subscribe() <-chan *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan *Config, 1)
	w.subscribers = append(w.subscribers, ch)
	return ch
}

// Start begins watching the workspace directory. Non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	// Watch the directory, not the file: editors replace files on save and
	// a file-level watch goes stale after the first rename.
	if err := w.watcher.Add(w.workspace); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}
	logging.Config("watcher: watching %s", w.configPath)

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.ConfigWarn("watcher: error closing: %v", err)
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.ConfigWarn("watcher: %v", err)
		case <-ticker.C:
			w.flushPending()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.configPath {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	w.mu.Lock()
	w.pending = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) flushPending() {
	w.mu.Lock()
	if w.pending.IsZero() || time.Since(w.pending) < w.debounceDur {
		w.mu.Unlock()
		return
	}
	w.pending = time.Time{}
	subs := make([]chan *Config, len(w.subscribers))
	copy(subs, w.subscribers)
	w.mu.Unlock()

	cfg, err := Load(w.configPath)
	if err != nil {
		logging.ConfigWarn("watcher: reload failed, keeping previous config: %v", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		logging.ConfigWarn("watcher: reloaded config invalid, keeping previous: %v", err)
		return
	}

	logging.Config("watcher: config reloaded (model=%s trigger=%d)",
		cfg.SleepAgent.Model, cfg.SleepAgent.MessageTrigger)
	if err := logging.ReloadConfig(); err != nil {
		logging.ConfigWarn("watcher: logging reload failed: %v", err)
	}

	for _, ch := range subs {
		select {
		case ch <- cfg:
		default:
			// Drop the stale value so the latest config wins.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
			}
		}
	}
}

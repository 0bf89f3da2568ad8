package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the configuration when the file on disk changes.
type Watcher struct {
	loader   *Loader
	onReload func(*Config)
	logger   zerolog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher creates a watcher for the loader's config file. onReload is
// called with each successfully reloaded and validated config.
func NewWatcher(loader *Loader, onReload func(*Config), logger zerolog.Logger) *Watcher {
	return &Watcher{
		loader:   loader,
		onReload: onReload,
		logger:   logger,
	}
}

// Start begins watching. Watching the parent directory survives the
// rename-and-replace dance editors and atomic writers do.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher != nil {
		return fmt.Errorf("config watcher already started")
	}

	configPath := w.loader.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to determine config path")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	if err := fw.Add(filepath.Dir(configPath)); err != nil {
		fw.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	w.watcher = fw
	w.done = make(chan struct{})

	go w.run(configPath)

	w.logger.Info().Str("path", configPath).Msg("Config watcher started")
	return nil
}

func (w *Watcher) run(configPath string) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			cfg, err := w.loader.Load()
			if err != nil {
				w.logger.Warn().Err(err).Msg("Config reload failed, keeping previous config")
				continue
			}

			w.logger.Info().Msg("Config reloaded")
			w.onReload(cfg)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Config watcher error")

		case <-w.done:
			return
		}
	}
}

// Stop stops watching.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher == nil {
		return nil
	}

	close(w.done)
	err := w.watcher.Close()
	w.watcher = nil
	return err
}

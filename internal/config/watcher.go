package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"meeting-transcript-service/internal/service/pipeline"
)

// DefaultReloadDelay lets editors finish writing before the file is re-read.
const DefaultReloadDelay = 200 * time.Millisecond

// Watcher reloads summary thresholds into a policy when the config file
// changes. Other settings only take effect on restart.
type Watcher struct {
	path    string
	policy  *pipeline.Policy
	watcher *fsnotify.Watcher
	delay   time.Duration
}

// NewWatcher watches the directory containing path, so that editors which
// replace the file by rename are still seen.
func NewWatcher(path string, policy *pipeline.Policy) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("config watcher needs a file path")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	path = filepath.Clean(path)
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	return &Watcher{path: path, policy: policy, watcher: fw, delay: DefaultReloadDelay}, nil
}

// Run blocks until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	log.Info().Str("path", w.path).Msg("Config watcher started")

	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Config watcher stopped")
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return errors.New("config watcher events channel closed")
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				reload = time.After(w.delay)
			}

		case <-reload:
			reload = nil
			if err := w.Reload(); err != nil {
				log.Error().Err(err).Str("path", w.path).Msg("Config reload failed, keeping current thresholds")
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return errors.New("config watcher errors channel closed")
			}
			log.Error().Err(err).Msg("Config watcher error")
		}
	}
}

// Reload re-reads the file and swaps the policy thresholds.
func (w *Watcher) Reload() error {
	cfg, err := LoadFile(w.path)
	if err != nil {
		return err
	}
	t, err := cfg.Summary.Thresholds()
	if err != nil {
		return fmt.Errorf("summary config: %w", err)
	}
	if err := w.policy.SetThresholds(t); err != nil {
		return fmt.Errorf("summary config: %w", err)
	}
	log.Info().
		Int("wordThreshold", t.WordThreshold).
		Dur("interval", t.Interval).
		Int("minWordsForInterval", t.MinWordsForInterval).
		Str("mode", t.Mode.String()).
		Msg("Summary thresholds reloaded")
	return nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

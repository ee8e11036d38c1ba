package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the store whenever the backing file is changed by another
// process. It blocks until ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	abs, err := filepath.Abs(s.path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer w.Close()

	// Saves replace the file by rename, so the directory is watched.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}
	s.logger.Info("Watching config", "path", abs)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Warn("Config reload failed", "error", err)
				continue
			}
			s.logger.Info("Config reloaded", "path", abs)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("Config watcher error", "error", err)
		}
	}
}

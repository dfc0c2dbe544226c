package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 150 * time.Millisecond

// Watch reloads the config when the file is changed by another writer and
// calls onChange with the new value. Edits that fail validation are logged
// and ignored. Writes made through Update do not trigger onChange. Watch
// returns once ctx is done.
func (s *Store) Watch(ctx context.Context, onChange func(Config)) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	defer func() { _ = w.Close() }()
	// the directory is watched so atomic replaces (temp file + rename) are seen
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch config dir %s: %w", dir, err)
	}
	s.log.Debug("watching config file", "path", s.path)

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()
	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() { s.reload(onChange) })
			mu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("config watcher error", "error", err)
		}
	}
}

func (s *Store) reload(onChange func(Config)) {
	c, err := load(s.path)
	if err != nil {
		s.log.Warn("config reload failed, keeping current", "path", s.path, "error", err)
		return
	}
	if err := c.Validate(); err != nil {
		s.log.Warn("edited config rejected, keeping current", "path", s.path, "error", err)
		return
	}
	s.mu.Lock()
	if c == s.cur {
		s.mu.Unlock()
		return
	}
	s.cur = c
	s.mu.Unlock()
	s.log.Info("config reloaded from disk", "path", s.path)
	if onChange != nil {
		onChange(c)
	}
}

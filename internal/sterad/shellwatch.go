package sterad

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const shellReloadDebounce = 150 * time.Millisecond

// startShellWatcher reloads the SPA shell when the build rewrites index.html.
func (s *Service) startShellWatcher() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(s.shell.Path())); err != nil {
		_ = w.Close()
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer w.Close()
		s.watchShell(w, shellReloadDebounce)
	}()
	return nil
}

func (s *Service) watchShell(w *fsnotify.Watcher, debounce time.Duration) {
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	target := filepath.Base(s.shell.Path())
	for {
		select {
		case <-s.stopCh:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warn("shell watcher error", "error", err)
		case <-fire:
			fire = nil
			s.reloadShell()
		}
	}
}

// reloadShell re-reads index.html and drops memory entries rendered from the
// previous build. A failed read keeps the old shell.
func (s *Service) reloadShell() {
	if err := s.shell.Reload(); err != nil {
		s.logger.Warn("shell reload failed, keeping previous shell", "path", s.shell.Path(), "error", err)
		return
	}
	dropped := s.memory.Len()
	s.memory.Purge()
	s.logger.Info("shell reloaded", "path", s.shell.Path(), "memory_entries_dropped", dropped)
}

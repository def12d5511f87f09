package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 200 * time.Millisecond

// Watch reports the group status once, then again whenever one of the
// services' pidfiles is created, written, removed or renamed. It blocks until
// the context is cancelled.
func (g *Group) Watch(ctx context.Context, onChange func(Report)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	pidfiles := make(map[string]bool, len(g.services))
	dirs := make(map[string]bool)
	for _, svc := range g.services {
		p := filepath.Clean(svc.Pidfile())
		pidfiles[p] = true
		dirs[filepath.Dir(p)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	report := func() error {
		rep, err := g.Status()
		if err != nil {
			return err
		}
		onChange(rep)
		return nil
	}
	if err := report(); err != nil {
		return err
	}

	g.logger.Info("watching pidfiles for changes", "dirs", len(dirs))

	fire := make(chan struct{}, 1)
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !pidfiles[filepath.Clean(event.Name)] {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			g.logger.Debug("pidfile changed", "file", event.Name, "op", event.Op)

			// Debounce: reset timer on each event
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(watchDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			if err := report(); err != nil {
				return err
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			g.logger.Error("pidfile watcher error", "error", err)
		}
	}
}

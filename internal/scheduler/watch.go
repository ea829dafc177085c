package scheduler

import (
	"context"
	"os"

	"github.com/fsnotify/fsnotify"
)

// WatchRecipes watches the scheduler's recipe directory for external
// edits (a recipe file removed or replaced out from under a scheduled job
// between runs) and logs them, rather than failing silently at the next
// trigger. It runs until ctx is cancelled. Removal of a job's recipe file
// is not auto-healed here; the job simply fails its next run, and execute
// logs that failure without crashing the scheduler.
func (s *Scheduler) WatchRecipes(ctx context.Context) error {
	if err := os.MkdirAll(s.recipeDir, 0o755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(s.recipeDir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					s.logger.Warn("recipe file changed outside the scheduler", "path", ev.Name, "op", ev.Op.String())
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Error("recipe directory watch error", "error", err)
			}
		}
	}()

	return nil
}

package planner

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/aristath/forge/internal/bus"
	"github.com/aristath/forge/internal/logging"
)

const watchAgent = "planner"

// DefaultDebounce coalesces the burst of events an editor save produces.
const DefaultDebounce = 200 * time.Millisecond

// Watch publishes the plan at path to the bus's plan state now and again
// after every change, until ctx is done. The parent directory is watched so
// that atomic rename-over saves are seen.
func Watch(ctx context.Context, b *bus.Bus, path string, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	path = filepath.Clean(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	publish(b, path)

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logging.Warn("plan watcher error", "path", path, "error", err)
		case <-timer.C:
			publish(b, path)
		}
	}
}

func publish(b *bus.Bus, path string) {
	plan, err := Load(path)
	if err != nil {
		logging.Warn("plan reload failed", "path", path, "error", err)
		b.Notify(watchAgent, bus.SeverityWarning, fmt.Sprintf("Plan file not loaded: %v", err), nil)
		return
	}
	if err := plan.Validate(); err != nil {
		b.Notify(watchAgent, bus.SeverityWarning, fmt.Sprintf("Plan file %s is invalid: %v", path, err), nil)
		return
	}
	b.Set(bus.KeyPlan, plan)
	logging.Info("plan published", "path", path, "tasks", len(plan.Tasks))
}

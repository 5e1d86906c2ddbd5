package rules

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/roach88/fieldsync/internal/model"
)

// WatchDebounce is how long Watch waits after the last file event before
// reloading. Editors write files in several steps.
var WatchDebounce = 250 * time.Millisecond

// Watch reloads dir whenever a rule file in it is created, written,
// removed or renamed, and passes the result of LoadDir to onChange. It
// blocks until ctx ends.
func Watch(ctx context.Context, dir string, log *slog.Logger, onChange func([]model.AutomationRule, error)) error {
	if log == nil {
		log = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch rules: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch rules %s: %w", dir, err)
	}
	log.Info("watching rule files", "dir", dir)

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !IsRuleFile(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			log.Debug("rule file changed", "file", ev.Name, "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(WatchDebounce)
			} else {
				timer.Reset(WatchDebounce)
			}
			fire = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("rule watcher error", "error", err)
		case <-fire:
			fire = nil
			rules, err := LoadDir(dir)
			onChange(rules, err)
		}
	}
}

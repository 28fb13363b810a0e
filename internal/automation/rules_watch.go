package automation

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchRulesDebounce coalesces bursts of filesystem events (editors
// commonly emit write+chmod+rename for a single save) into a single
// sync pass, mirroring the teacher's MQTT message-rate-limiter idiom
// of gating a hot loop behind a timer instead of reacting per-event.
const watchRulesDebounce = 500 * time.Millisecond

// WatchRules starts an fsnotify watch on dir, loading every *.yaml file
// present at startup, then decoding/validating/upserting each changed
// file and deleting the rule behind any removed file (SPEC_FULL.md
// §12.7). It runs until ctx is cancelled. Only enabled when the
// automation config sets a rules directory.
func (e *Engine) WatchRules(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return err
	}

	if err := e.syncRulesDir(ctx, dir); err != nil {
		e.logger.Warn("automation: initial rules directory sync failed", "dir", dir, "error", err)
	} else if err := e.Reload(ctx); err != nil {
		e.logger.Error("automation: reload after initial rules sync failed", "error", err)
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	pending := map[string]bool{} // path -> removed

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(ev.Name, ".yaml") {
				continue
			}
			pending[ev.Name] = ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename)
			if timer == nil {
				timer = time.NewTimer(watchRulesDebounce)
			} else {
				timer.Reset(watchRulesDebounce)
			}
			timerC = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			e.logger.Warn("automation: rules watch error", "error", err)
		case <-timerC:
			e.applyPendingRuleFiles(ctx, pending, dir)
			pending = map[string]bool{}
		}
	}
}

// applyPendingRuleFiles syncs or removes every file queued up during one
// debounce window, then reloads the rule cache once.
func (e *Engine) applyPendingRuleFiles(ctx context.Context, pending map[string]bool, dir string) {
	for path, removed := range pending {
		if removed {
			if err := e.removeRuleFile(ctx, path); err != nil {
				e.logger.Error("automation: failed to remove rule for deleted file", "path", path, "error", err)
			}
			continue
		}
		if _, err := os.Stat(path); err != nil {
			// Treat a vanished file as a removal even if the event
			// wasn't tagged Remove/Rename (some editors write-then-unlink).
			if err := e.removeRuleFile(ctx, path); err != nil {
				e.logger.Error("automation: failed to remove rule for vanished file", "path", path, "error", err)
			}
			continue
		}
		if err := e.syncRuleFile(ctx, path); err != nil {
			e.logger.Error("automation: failed to sync rule file", "path", path, "error", err)
		}
	}

	if err := e.Reload(ctx); err != nil {
		e.logger.Error("automation: reload after rules change failed", "error", err)
	} else {
		e.logger.Info("automation: rules reloaded from directory change", "dir", dir)
	}
}

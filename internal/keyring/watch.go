package keyring

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"

	"pkt.systems/txd/internal/loggingutil"
)

// Watch reloads k from path whenever the file changes until ctx is done.
// The parent directory is watched so that editors replacing the file by
// rename are picked up. Invalid files are logged and ignored.
func Watch(ctx context.Context, path string, k *Keyring, logger pslog.Logger) error {
	logger = loggingutil.WithSubsystem(logger, "keyring.watch")
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("keyring: resolve %s: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("keyring: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("keyring: watch %s: %w", filepath.Dir(abs), err)
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
				if filepath.Clean(ev.Name) != abs || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				keys, err := Load(abs)
				if err != nil {
					logger.Warn("keyring.reload.failed", "path", abs, "error", err)
					continue
				}
				if err := k.Rotate(keys); err != nil {
					logger.Warn("keyring.reload.failed", "path", abs, "error", err)
					continue
				}
				logger.Info("keyring.reloaded", "path", abs)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("keyring.watch.error", "error", err)
			}
		}
	}()
	return nil
}

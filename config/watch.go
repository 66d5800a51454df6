package config

import (
	"context"
	"path/filepath"

	"github.com/edaniels/golog"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"go.ringline.dev/callkit"
)

// Watch calls onChange with the re-read configuration every time the file at path is
// written, until ctx is done. Versions that fail to load are logged and skipped.
func Watch(ctx context.Context, path string, logger golog.Logger, onChange func(*Config)) error {
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create config watcher")
	}
	defer callkit.UncheckedErrorFunc(watcher.Close)

	// editors tend to replace the file, so follow its directory
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return errors.Wrapf(err, "failed to watch %s", path)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Read(path)
			if err != nil {
				logger.Warnw("ignoring configuration change", "path", path, "error", err)
				continue
			}
			logger.Debugw("configuration changed", "path", path)
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warnw("configuration watcher error", "error", err)
		}
	}
}

package build

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces editor write bursts into one rebuild.
const watchDebounce = 500 * time.Millisecond

// Watch rebuilds whenever a source file under the organization dir
// changes, invoking onBuild with each outcome. It blocks until the
// context is cancelled.
func (b *Builder) Watch(ctx context.Context, opts Options, onBuild func(*Result, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return &ConfigError{Message: "create filesystem watcher", Err: err}
	}
	defer watcher.Close()

	if err := watchTree(watcher, opts.OrganizationDir, opts.BuildDir); err != nil {
		return err
	}

	onBuild(b.Build(ctx, opts))

	var timer *time.Timer
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op.Has(fsnotify.Create) {
				// New directories need their own watch.
				if err := watchTree(watcher, event.Name, opts.BuildDir); err != nil {
					b.logger.Warn().Err(err).Str("path", event.Name).Msg("cannot watch new path")
				}
			}
			b.logger.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("source change")
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			onBuild(b.Build(ctx, opts))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			b.logger.Warn().Err(err).Msg("watcher error")
		}
	}
}

// watchTree registers root and every directory below it, skipping the
// build output and hidden directories.
func watchTree(watcher *fsnotify.Watcher, root, buildDir string) error {
	absBuild, _ := filepath.Abs(buildDir)
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && path != root {
			return filepath.SkipDir
		}
		if abs, _ := filepath.Abs(path); abs == absBuild {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			return &ConfigError{Message: fmt.Sprintf("watch %s", path), Err: err}
		}
		return nil
	})
}

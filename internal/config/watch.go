package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 25 * time.Millisecond

// ResourcesWatcher monitors the configured resources source (file or folder)
// and invokes a callback whenever definitions change. Stop must be called to
// release filesystem resources.
type ResourcesWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *ResourcesWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchResources reloads the resource bundle on any relevant filesystem change.
// cfg should come from Loader.Load so InlineResources are already captured.
// onChange receives the initial bundle before WatchResources returns.
func (l *Loader) WatchResources(ctx context.Context, cfg Config, onChange func(ResourceBundle), onError func(error)) (*ResourcesWatcher, error) {
	if onChange == nil {
		return nil, errors.New("config: watch resources requires a change callback")
	}
	source := cfg.Server.Resources
	if source.ResourcesFile == "" && source.ResourcesFolder == "" {
		return nil, errors.New("config: no resources source configured for watching")
	}
	report := func(err error) {
		if onError != nil {
			onError(err)
		}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("config: watch resources: %w", err)
	}

	inline := cloneResourceMap(cfg.InlineResources)
	bundle, err := buildResourceBundle(watchCtx, inline, source)
	if err != nil {
		if closeErr := watcher.Close(); closeErr != nil {
			report(fmt.Errorf("config: watch resources close: %w", closeErr))
		}
		cancel()
		return nil, err
	}
	onChange(bundle)

	tracker := &watchTargets{watcher: watcher, dirs: map[string]struct{}{}, report: report}
	if err := tracker.register(source); err != nil {
		report(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil {
				report(fmt.Errorf("config: watch resources close: %w", err))
			}
		}()

		timer := time.NewTimer(time.Hour)
		timer.Stop()
		defer timer.Stop()
		pending := false

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-timer.C:
				pending = false
				bundle, err := buildResourceBundle(watchCtx, inline, source)
				if err != nil {
					if !errors.Is(err, context.Canceled) {
						report(err)
					}
					continue
				}
				onChange(bundle)
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !tracker.relevant(event) {
					continue
				}
				if pending && !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(reloadDebounce)
				pending = true
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				report(fmt.Errorf("config: watch error: %w", err))
			}
		}
	}()

	return &ResourcesWatcher{cancel: cancel, done: done}, nil
}

type watchTargets struct {
	watcher    *fsnotify.Watcher
	dirs       map[string]struct{}
	targetFile string
	report     func(error)
}

const relevantOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

func (w *watchTargets) register(source ResourcesConfig) error {
	if source.ResourcesFile != "" {
		resolved, err := filepath.Abs(source.ResourcesFile)
		if err != nil {
			resolved = source.ResourcesFile
			w.report(fmt.Errorf("config: resolve resources file: %w", err))
		}
		w.targetFile = filepath.Clean(resolved)
		w.addDir(filepath.Dir(w.targetFile))
		return nil
	}
	root, err := filepath.Abs(source.ResourcesFolder)
	if err != nil {
		w.report(fmt.Errorf("config: resolve resources folder: %w", err))
		root = source.ResourcesFolder
	}
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			w.report(fmt.Errorf("config: walk watcher %s: %w", path, walkErr))
			return nil
		}
		if d.IsDir() {
			w.addDir(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("config: traverse watcher %s: %w", root, err)
	}
	return nil
}

func (w *watchTargets) addDir(dir string) {
	dir = filepath.Clean(dir)
	if _, ok := w.dirs[dir]; ok {
		return
	}
	if err := w.watcher.Add(dir); err != nil {
		w.report(fmt.Errorf("config: watch add %s: %w", dir, err))
		return
	}
	w.dirs[dir] = struct{}{}
}

// relevant reports whether event should trigger a reload. New directories
// below a watched folder are added to the watch set.
func (w *watchTargets) relevant(event fsnotify.Event) bool {
	name := filepath.Clean(event.Name)
	if w.targetFile != "" {
		if name != w.targetFile {
			return false
		}
		if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			w.report(fmt.Errorf("config: resources file %s removed", w.targetFile))
		}
		return event.Op&relevantOps != 0
	}
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(name); err == nil && info.IsDir() {
			w.addDir(name)
			return false
		}
	}
	return isSupportedResourceFile(name) && event.Op&relevantOps != 0
}

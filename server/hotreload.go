package server

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Restarter is anything hot reload can bounce, normally a *Process.
type Restarter interface {
	Restart() error
}

// HotReload restarts worker processes when files under a directory change.
type HotReload struct {
	watcher  *fsnotify.Watcher
	debounce time.Duration
	targets  []Restarter
	log      *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// WatchReload watches root recursively. Bursts of events within debounce
// collapse into one restart.
func WatchReload(root string, debounce time.Duration, log *zap.Logger, targets ...Restarter) (*HotReload, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}

	hr := &HotReload{
		watcher:  watcher,
		debounce: debounce,
		targets:  targets,
		log:      log.With(zap.String("component", "hotreload"), zap.String("root", root)),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go hr.loop()
	return hr, nil
}

func (hr *HotReload) loop() {
	defer close(hr.stopped)

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case ev, ok := <-hr.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
				!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = hr.watcher.Add(ev.Name)
				}
			}
			if timer == nil {
				timer = time.NewTimer(hr.debounce)
			} else {
				timer.Reset(hr.debounce)
			}
			fire = timer.C

		case err, ok := <-hr.watcher.Errors:
			if !ok {
				return
			}
			hr.log.Warn("watch error", zap.Error(err))

		case <-fire:
			fire = nil
			hr.log.Info("change detected, restarting workers", zap.Int("targets", len(hr.targets)))
			for _, t := range hr.targets {
				if err := t.Restart(); err != nil {
					hr.log.Warn("restart failed", zap.Error(err))
				}
			}

		case <-hr.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// Close stops watching and waits for a restart in progress to finish.
func (hr *HotReload) Close() error {
	var err error
	hr.closeOnce.Do(func() {
		close(hr.done)
		err = hr.watcher.Close()
		<-hr.stopped
	})
	return err
}

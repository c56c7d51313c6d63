package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"crosspost/pkg/logx"
)

const (
	watchRetryMin = 250 * time.Millisecond
	watchRetryMax = 5 * time.Second
	relevantOps   = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
)

// Watch reloads the file whenever it changes until ctx ends. The directory
// is watched, not the file, so editors that replace the file by rename are
// picked up. A broken watcher is rebuilt with jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	log := m.log.With(logx.String("dir", dir))
	retry := watchRetryMin

	for ctx.Err() == nil {
		w, err := openWatcher(dir)
		if err != nil {
			log.Warn("config watch setup failed", logx.Err(err))
		} else {
			retry = watchRetryMin
			log.Debug("config watcher started", logx.String("file", name))
			err = m.watchLoop(ctx, w, name)
			_ = w.Close()
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("config watcher stopped", logx.Err(err))
		}

		wait := retry + rand.N(retry/2+1)
		retry = min(retry*2, watchRetryMax)
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return nil
}

func openWatcher(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

var errWatcherClosed = errors.New("watcher channels closed")

// watchLoop debounces events for name and reloads once the burst settles.
// It returns when ctx ends or the watcher breaks.
func (m *Manager) watchLoop(ctx context.Context, w *fsnotify.Watcher, name string) error {
	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if filepath.Base(ev.Name) == name && ev.Op&relevantOps != 0 {
				settle.Reset(m.debounce)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return errWatcherClosed
			}
			if !errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch error", logx.Err(err))
				continue
			}
			m.log.Warn("config watch overflow; reloading")
			settle.Reset(m.debounce)

		case <-settle.C:
			if err := m.Reload(ctx); err != nil {
				m.log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
			}
		}
	}
}

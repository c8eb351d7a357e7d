package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/spaghettifunk/descache/engine/core"
)

// settleDelay collapses the burst of events editors produce on save.
const settleDelay = 100 * time.Millisecond

// Watcher reloads a configuration file when it changes on disk and hands
// every valid new version to onChange. Invalid versions are logged and
// ignored; the last valid one stays current.
type Watcher struct {
	path     string
	onChange func(Config)

	mutex   sync.RWMutex
	current Config

	fsnotify *fsnotify.Watcher
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewWatcher loads path and starts watching it. The parent directory is
// watched, not the file, so saves that replace the file are seen too.
func NewWatcher(path string, onChange func(Config)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve config path %s", path)
	}
	cfg, err := Load(abs)
	if err != nil {
		return nil, err
	}

	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create config watcher")
	}
	if err := fsWatch.Add(filepath.Dir(abs)); err != nil {
		fsWatch.Close()
		return nil, errors.Wrapf(err, "failed to watch %s", filepath.Dir(abs))
	}

	w := &Watcher{
		path:     abs,
		onChange: onChange,
		current:  cfg,
		fsnotify: fsWatch,
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.start()
	return w, nil
}

func (w *Watcher) Current() Config {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.current
}

func (w *Watcher) Path() string {
	return w.path
}

// Close stops watching. onChange is not called after Close returns.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		w.wg.Wait()
		err = w.fsnotify.Close()
	})
	return err
}

func (w *Watcher) start() {
	defer w.wg.Done()

	settle := time.NewTimer(settleDelay)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case e, ok := <-w.fsnotify.Events:
			if !ok {
				return
			}
			if filepath.Clean(e.Name) != w.path {
				continue
			}
			if e.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				settle.Reset(settleDelay)
			}

		case err, ok := <-w.fsnotify.Errors:
			if !ok {
				return
			}
			core.LogError("config watcher: %s", err)

		case <-settle.C:
			w.reload()

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		core.LogError("config reload ignored: %s", err)
		return
	}

	w.mutex.Lock()
	changed := cfg != w.current
	w.current = cfg
	w.mutex.Unlock()

	if !changed {
		return
	}
	core.LogInfo("reloaded configuration from %s", w.path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

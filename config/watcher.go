package config

import (
	"path/filepath"
	"sync/atomic"

	"github.com/anacrolix/log"
	"github.com/fsnotify/fsnotify"
)

// Provides the current settings snapshot.
type Source interface {
	Snapshot() *Settings
}

var _ Source = (*Settings)(nil)
var _ Source = (*Watcher)(nil)

// Watcher reloads a config file when it changes. A file that fails to load or validate is logged
// and the previous snapshot stays in effect.
type Watcher struct {
	path    string
	w       *fsnotify.Watcher
	current atomic.Pointer[Settings]
	logger  log.Logger
	// Called after each successful reload, if not nil.
	onReload func(*Settings)
}

func Watch(path string, logger log.Logger, onReload func(*Settings)) (*Watcher, error) {
	s, err := Load(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, since editors commonly replace the file rather than write it.
	err = fw.Add(filepath.Dir(path))
	if err != nil {
		fw.Close()
		return nil, err
	}
	me := &Watcher{
		path:     filepath.Clean(path),
		w:        fw,
		logger:   logger.WithNames("config"),
		onReload: onReload,
	}
	me.current.Store(s)
	go me.handleEvents()
	go me.handleErrors()
	return me, nil
}

func (me *Watcher) Snapshot() *Settings {
	return me.current.Load()
}

func (me *Watcher) handleEvents() {
	for e := range me.w.Events {
		if filepath.Clean(e.Name) != me.path {
			continue
		}
		if e.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
			continue
		}
		me.logger.Levelf(log.Debug, "config event: %s", e)
		me.Reload()
	}
}

func (me *Watcher) handleErrors() {
	for err := range me.w.Errors {
		me.logger.Levelf(log.Warning, "error in config watcher: %v", err)
	}
}

// Reload reads the file now. It reports whether the snapshot was replaced.
func (me *Watcher) Reload() bool {
	s, err := Load(me.path)
	if err != nil {
		me.logger.Levelf(log.Warning, "keeping previous config: %v", err)
		return false
	}
	me.current.Store(s)
	me.logger.Levelf(log.Info, "reloaded config from %q", me.path)
	if me.onReload != nil {
		me.onReload(s)
	}
	return true
}

func (me *Watcher) Close() error {
	return me.w.Close()
}

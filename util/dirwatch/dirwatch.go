// Package dirwatch reports descriptors appearing in and disappearing from a descriptor store laid
// out as <dir>/<namespace>/<name>.
package dirwatch

import (
	"os"
	"path/filepath"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/fsnotify/fsnotify"

	"github.com/anacrolix/swarmcache/descriptor"
	"github.com/anacrolix/swarmcache/internal/atomicfile"
)

type Change uint

const (
	Added Change = iota
	Removed
)

func (c Change) String() string {
	if c == Added {
		return "added"
	}
	return "removed"
}

type Event struct {
	Change
	Namespace string
	Name      string
	Path      string
	InfoHash  metainfo.Hash
}

type Instance struct {
	w       *fsnotify.Watcher
	dirName string
	Events  chan Event
	Logger  log.Logger

	mu     sync.Mutex
	hashes map[string]metainfo.Hash
	closed chansync.SetOnce
}

func (me *Instance) handleEvents() {
	for {
		select {
		case e, ok := <-me.w.Events:
			if !ok {
				return
			}
			me.Logger.Levelf(log.Debug, "event: %v", e)
			me.processEvent(e)
		case <-me.closed.Done():
			return
		}
	}
}

func (me *Instance) handleErrors() {
	for {
		select {
		case err, ok := <-me.w.Errors:
			if !ok {
				return
			}
			me.Logger.Levelf(log.Warning, "error in descriptor directory watcher: %v", err)
		case <-me.closed.Done():
			return
		}
	}
}

func (me *Instance) processEvent(e fsnotify.Event) {
	name := filepath.Clean(e.Name)
	if filepath.Dir(name) == me.dirName {
		// A namespace directory.
		if e.Op&fsnotify.Create != 0 {
			me.addNamespace(name)
		}
		if e.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			me.removeNamespace(name)
		}
		return
	}
	me.processFile(name)
}

func (me *Instance) send(e Event) {
	select {
	case me.Events <- e:
	case <-me.closed.Done():
	}
}

func (me *Instance) processFile(path string) {
	if filepath.Dir(filepath.Dir(path)) != me.dirName || atomicfile.IsTemp(filepath.Base(path)) {
		return
	}
	ns := filepath.Base(filepath.Dir(path))
	name := filepath.Base(path)
	var ih metainfo.Hash
	d, err := descriptor.Load(path)
	ok := err == nil
	if ok {
		ih = d.Hash()
	}
	me.mu.Lock()
	old, had := me.hashes[path]
	if ok {
		me.hashes[path] = ih
	} else {
		delete(me.hashes, path)
	}
	me.mu.Unlock()
	if had && ok && old == ih {
		return
	}
	if had {
		me.send(Event{Change: Removed, Namespace: ns, Name: name, Path: path, InfoHash: old})
	}
	if ok {
		me.send(Event{Change: Added, Namespace: ns, Name: name, Path: path, InfoHash: ih})
	}
}

func (me *Instance) addNamespace(dir string) {
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return
	}
	if err := me.w.Add(dir); err != nil {
		me.Logger.Levelf(log.Warning, "watching %q: %v", dir, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		me.Logger.Levelf(log.Warning, "reading %q: %v", dir, err)
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			me.processFile(filepath.Join(dir, e.Name()))
		}
	}
}

func (me *Instance) removeNamespace(dir string) {
	me.mu.Lock()
	var gone []string
	for path := range me.hashes {
		if filepath.Dir(path) == dir {
			gone = append(gone, path)
		}
	}
	me.mu.Unlock()
	for _, path := range gone {
		me.processFile(path)
	}
}

func (me *Instance) addDir() (err error) {
	entries, err := os.ReadDir(me.dirName)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			me.addNamespace(filepath.Join(me.dirName, e.Name()))
		}
	}
	return
}

// New watches dirName, which must exist. Descriptors already present are reported as Added.
func New(dirName string, logger log.Logger) (i *Instance, err error) {
	dirName = filepath.Clean(dirName)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	err = w.Add(dirName)
	if err != nil {
		w.Close()
		return
	}
	i = &Instance{
		w:       w,
		dirName: dirName,
		Events:  make(chan Event),
		Logger:  logger.WithNames("dirwatch"),
		hashes:  make(map[string]metainfo.Hash, 20),
	}
	go func() {
		if err := i.addDir(); err != nil {
			i.Logger.Levelf(log.Warning, "reading %q: %v", dirName, err)
		}
		go i.handleEvents()
		go i.handleErrors()
	}()
	return
}

func (me *Instance) Close() {
	me.closed.Set()
	me.w.Close()
}

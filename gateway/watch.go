package gateway

import (
	"log"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes script directories and publishes a "reload" event
// whenever something under them changes. Missing directories are
// skipped with a log line rather than failing, so a fresh checkout
// without every optional directory still starts.
type Watcher struct {
	fsw      *fsnotify.Watcher
	hub      *Hub
	onChange func(path string)
	gen      uint64
}

// WatchDirs starts a watcher over dirs. onChange (optional) runs for
// every relevant file event, after the generation counter has been
// bumped.
func WatchDirs(hub *Hub, onChange func(string), dirs ...string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{fsw: fsw, hub: hub, onChange: onChange}
	for _, d := range dirs {
		if err := fsw.Add(d); err != nil {
			log.Printf("[watch] skipping %s: %v", d, err)
		}
	}

	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			atomic.AddUint64(&w.gen, 1)
			if w.onChange != nil {
				w.onChange(ev.Name)
			}
			if w.hub != nil {
				w.hub.Publish("reload", "change", map[string]string{"path": ev.Name})
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("[watch] error: %v", err)
		}
	}
}

// Generation counts how many file changes have been observed so far.
func (w *Watcher) Generation() uint64 {
	return atomic.LoadUint64(&w.gen)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

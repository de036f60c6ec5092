package study

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ehrlich-b/vitrine/internal/logger"
)

const watchDebounce = 500 * time.Millisecond

// OutputWatcher watches registered output directories and reports changes per
// study, debounced so a burst of writes becomes one notification.
type OutputWatcher struct {
	mu      sync.Mutex
	watcher *fsnotify.Watcher
	studies map[string]string // watched dir → study label
	timers  map[string]*time.Timer
	notify  func(studyLabel string)
	done    chan struct{}
}

// NewOutputWatcher starts the watch loop. notify is called off the caller's
// goroutine after each debounced change.
func NewOutputWatcher(notify func(studyLabel string)) (*OutputWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &OutputWatcher{
		watcher: fw,
		studies: make(map[string]string),
		timers:  make(map[string]*time.Timer),
		notify:  notify,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Watch adds a study's output directory.
func (w *OutputWatcher) Watch(label, dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if prev, ok := w.studies[dir]; ok && prev == label {
		return nil
	}
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	w.studies[dir] = label
	return nil
}

// Unwatch drops every directory bound to a study.
func (w *OutputWatcher) Unwatch(label string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for dir, l := range w.studies {
		if l == label {
			w.watcher.Remove(dir)
			delete(w.studies, dir)
		}
	}
}

func (w *OutputWatcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.schedule(ev.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("output watcher error", "error", err)
		}
	}
}

// schedule finds the owning study for a changed path and (re)starts its
// debounce timer.
func (w *OutputWatcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var label string
	for dir, l := range w.studies {
		if path == dir || hasPathPrefix(path, dir) {
			label = l
			break
		}
	}
	if label == "" {
		return
	}
	if t, ok := w.timers[label]; ok {
		t.Reset(watchDebounce)
		return
	}
	l := label
	w.timers[label] = time.AfterFunc(watchDebounce, func() {
		w.mu.Lock()
		delete(w.timers, l)
		w.mu.Unlock()
		w.notify(l)
	})
}

func hasPathPrefix(path, dir string) bool {
	return len(path) > len(dir) && path[:len(dir)] == dir && path[len(dir)] == '/'
}

// Close stops the loop and cancels pending notifications.
func (w *OutputWatcher) Close() error {
	w.mu.Lock()
	for label, t := range w.timers {
		t.Stop()
		delete(w.timers, label)
	}
	w.mu.Unlock()
	close(w.done)
	return w.watcher.Close()
}

package dirremote

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/openfield/fieldsync/internal/fieldsync/schema"
)

// fileOp is the kind of change seen on a document file.
type fileOp int

const (
	opWrite fileOp = iota
	opDelete
)

func (op fileOp) String() string {
	switch op {
	case opWrite:
		return "write"
	case opDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// fileEvent is a change to one observation document.
type fileEvent struct {
	ObservationID string
	Path          string
	Op            fileOp
}

// watcher reports changes to the observation documents of one feature
// directory.
type watcher struct {
	fs      *fsnotify.Watcher
	dir     string
	events  chan fileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// newWatcher starts watching dir. Events for files other than observation
// documents are dropped.
func newWatcher(dir string) (*watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fs.Add(dir); err != nil {
		_ = fs.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	w := &watcher{
		fs:      fs,
		dir:     dir,
		events:  make(chan fileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		running: true,
	}
	w.wg.Add(1)
	go w.processEvents()
	return w, nil
}

// Stop stops watching and closes the event channels once the event loop
// has exited.
func (w *watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.fs.Close()
	w.wg.Wait()

	close(w.events)
	close(w.errors)

	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev, ok := w.convertEvent(event); ok {
				select {
				case w.events <- ev:
				case <-w.done:
					return
				}
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event to a fileEvent. Documents are written
// by renaming a temp file into place, which shows up as a create.
func (w *watcher) convertEvent(event fsnotify.Event) (fileEvent, bool) {
	if !schema.IsObservationFile(event.Name) || filepath.Dir(event.Name) != filepath.Clean(w.dir) {
		return fileEvent{}, false
	}

	var op fileOp
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		op = opWrite
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = opDelete
	default:
		return fileEvent{}, false
	}

	return fileEvent{
		ObservationID: schema.ObservationIDFromPath(event.Name),
		Path:          event.Name,
		Op:            op,
	}, true
}

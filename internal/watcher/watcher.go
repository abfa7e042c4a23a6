package watcher

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const debounce = time.Second

// Watcher observes the settings file for out-of-band edits. It never touches
// shared state itself: changes are reduced to a signal on Reload, which the
// control loop consumes between cycles.
type Watcher struct {
	fw     *fsnotify.Watcher
	path   string
	reload chan struct{}
	done   chan struct{}
}

// New watches the directory containing path. Watching the directory rather
// than the file itself survives the rename-over-original save pattern, which
// replaces the inode on every write.
func New(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		fw:     fw,
		path:   filepath.Clean(path),
		reload: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Reload delivers at most one pending signal regardless of how many file
// events arrived.
func (w *Watcher) Reload() <-chan struct{} {
	return w.reload
}

func (w *Watcher) run() {
	var timer *time.Timer

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			log.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("Settings file changed on disk")

			// Debounce: a save produces several events in quick succession.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, w.signal)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Settings watcher error")
		}
	}
}

func (w *Watcher) signal() {
	select {
	case w.reload <- struct{}{}:
		log.Info().Str("path", w.path).Msg("Scheduling settings reload")
	default:
		// a reload is already pending
	}
}

func (w *Watcher) Close() error {
	close(w.done)
	return w.fw.Close()
}

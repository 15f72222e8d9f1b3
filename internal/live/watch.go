package live

import (
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// changeWatcher records writes to a set of files in one directory.
type changeWatcher struct {
	w       *fsnotify.Watcher
	names   map[string]bool
	changed atomic.Bool
	wg      sync.WaitGroup
}

// watchFiles starts watching dir for changes to names. A watcher that
// cannot be started is logged and reports no changes; the stat comparison
// in Capture still applies.
func watchFiles(dir string, names []string, log zerolog.Logger) *changeWatcher {
	cw := &changeWatcher{names: make(map[string]bool, len(names))}
	for _, n := range names {
		cw.names[n] = true
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Debug().Err(err).Msg("File watcher unavailable")
		return cw
	}
	if err := w.Add(dir); err != nil {
		log.Debug().Err(err).Str("dir", dir).Msg("Could not watch live directory")
		w.Close()
		return cw
	}
	cw.w = w

	cw.wg.Add(1)
	go func() {
		defer cw.wg.Done()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !cw.names[filepath.Base(ev.Name)] {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
					cw.changed.Store(true)
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return cw
}

// stop ends the watch and reports whether any watched file changed.
func (cw *changeWatcher) stop() bool {
	if cw.w != nil {
		cw.w.Close()
		cw.wg.Wait()
	}
	return cw.changed.Load()
}

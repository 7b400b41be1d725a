package signer

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher marks an Adapter stale when its binary changes on disk.
type Watcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
	logger  *zap.Logger
}

// Watch starts watching path for adapter. The parent directory is watched
// because build tools usually replace the file instead of writing it.
func Watch(path string, adapter *Adapter, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	path = filepath.Clean(path)
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		watcher: fw,
		done:    make(chan struct{}),
		logger:  logger.With(zap.String("component", "signer-watcher")),
	}

	go func() {
		defer close(w.done)
		for {
			select {
			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != path {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
					w.logger.Info("Signer binary changed", zap.String("path", path), zap.String("op", event.Op.String()))
					adapter.MarkStale()
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("Watch error", zap.Error(err))
			}
		}
	}()

	w.logger.Info("Watching signer binary", zap.String("path", path))
	return w, nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

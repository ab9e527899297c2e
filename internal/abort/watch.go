package abort

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// FileWatcher triggers a monitor when a configuration file changes on disk.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchFile triggers m whenever path is written, replaced or removed. The
// parent directory is watched so editors that save via rename are seen too.
func WatchFile(path string, m *PipeMonitor) (*FileWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	fw := &FileWatcher{watcher: w, done: make(chan struct{})}
	go func() {
		defer close(fw.done)
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				log.WithFields(log.Fields{"file": abs, "op": event.Op.String()}).Info("Configuration changed")
				m.Trigger()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.WithFields(log.Fields{"file": abs, "error": err}).Error("Configuration watch failed")
			}
		}
	}()
	return fw, nil
}

// Close stops the watcher.
func (fw *FileWatcher) Close() error {
	err := fw.watcher.Close()
	<-fw.done
	return err
}

// Package runtime watches the run's config file and surfaces changes to
// the fields that are safe to apply mid-experiment (currently the log
// level).
package runtime

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Change signals a write event on the watched file. It carries only the
// file's path; the receiver re-reads the contents.
type Change struct {
	Path string
}

// Watcher observes one config file for writes.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	log     *logrus.Entry
}

// NewWatcher sets up a watcher on the directory containing path. Watching
// the directory instead of the file survives editors that replace the file
// on save.
func NewWatcher(path string, log *logrus.Entry) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{path: path, watcher: fw, log: log}, nil
}

// Watch delivers a Change for every write to the watched file until ctx is
// cancelled. The channel closes on exit.
func (w *Watcher) Watch(ctx context.Context) <-chan Change {
	changes := make(chan Change, 4)
	go func() {
		defer close(changes)
		defer w.watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if e.Name != w.path {
					continue
				}
				if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				select {
				case changes <- Change{Path: w.path}:
				default:
					// A pending change already covers this write.
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.log.Warnf("config watcher: %v", err)
			}
		}
	}()
	return changes
}

package library

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher keeps a Library in sync with a directory tree: document writes
// reload the owning file incrementally, deletions drop the file's
// definitions. A file that fails to parse keeps its previous definitions.
type Watcher struct {
	lib     *Library
	fsw     *fsnotify.Watcher
	done    chan struct{}
	closeMu sync.Once
	wg      sync.WaitGroup
}

// Watch performs an initial scan of root and then follows filesystem events
// until Close is called. The initial scan's error reports unparsable
// documents but does not prevent watching.
func (l *Library) Watch(ctx context.Context, root string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{lib: l, fsw: fsw, done: make(chan struct{})}
	if err := w.addTree(root); err != nil {
		fsw.Close()
		return nil, err
	}
	if _, err := l.Scan(ctx, root); err != nil {
		l.logger.Warn(ctx, "initial library scan incomplete", "root", root, "err", err)
	}
	w.wg.Add(1)
	go w.loop(ctx)
	return w, nil
}

// Close stops the watcher and waits for the event loop to drain.
func (w *Watcher) Close() error {
	var err error
	w.closeMu.Do(func() {
		close(w.done)
		err = w.fsw.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != root {
			if _, skip := skipDirs[name]; skip || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
				return filepath.SkipDir
			}
		}
		return w.fsw.Add(path)
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		case evt, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ctx, evt)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.lib.logger.Warn(ctx, "library watch error", "err", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, evt fsnotify.Event) {
	switch {
	case evt.Op.Has(fsnotify.Create):
		if info, err := os.Stat(evt.Name); err == nil && info.IsDir() {
			if err := w.addTree(evt.Name); err != nil {
				w.lib.logger.Warn(ctx, "watch new directory", "path", evt.Name, "err", err)
			}
			if _, err := w.lib.Scan(ctx, evt.Name); err != nil {
				w.lib.logger.Warn(ctx, "scan new directory", "path", evt.Name, "err", err)
			}
			return
		}
		w.reload(ctx, evt.Name)
	case evt.Op.Has(fsnotify.Write):
		w.reload(ctx, evt.Name)
	case evt.Op.Has(fsnotify.Remove), evt.Op.Has(fsnotify.Rename):
		if !isWorkflowDocument(evt.Name) {
			return
		}
		delta := w.lib.RemoveFile(ctx, evt.Name)
		if len(delta.Removed) > 0 {
			w.lib.logger.Info(ctx, "workflow document removed", "path", evt.Name, "removed", len(delta.Removed))
		}
	}
}

func (w *Watcher) reload(ctx context.Context, path string) {
	if !isWorkflowDocument(filepath.Base(path)) {
		return
	}
	if _, err := w.lib.LoadFile(ctx, path); err != nil {
		w.lib.logger.Warn(ctx, "reload workflow document", "path", path, "err", err)
	}
}

// Package collector turns saves of a file on disk into user edits on a
// document, so any editor can be recorded.
package collector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"

	"github.com/fakeyudi/rewind/internal/document"
	"github.com/fakeyudi/rewind/internal/session"
)

// Editor is the document surface a FileWatcher writes into.
type Editor interface {
	Value() string
	Edit(deltas []session.EditDelta) error
}

// FileWatcher mirrors one file into an Editor.
type FileWatcher struct {
	path    string
	editor  Editor
	watcher *fsnotify.Watcher
}

// NewFileWatcher starts watching the directory containing path. Watching the
// directory rather than the file survives editors that save by rename.
func NewFileWatcher(path string, editor Editor) (*FileWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}
	return &FileWatcher{path: abs, editor: editor, watcher: watcher}, nil
}

// Run forwards file changes until ctx is cancelled. Read and edit failures
// are logged and skipped.
func (w *FileWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	log := pslog.Ctx(ctx).With("file", w.path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := w.Sync(); err != nil {
				log.Warn("file sync failed", "err", err)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("file watcher error", "err", err)
		}
	}
}

// Sync reads the file and applies the difference to the editor as a single
// delta. A missing file or unchanged content is not an error.
func (w *FileWatcher) Sync() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	delta, ok := document.Diff(w.editor.Value(), string(data))
	if !ok {
		return nil
	}
	return w.editor.Edit([]session.EditDelta{delta})
}

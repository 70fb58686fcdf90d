package disklru

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/ShoshinNikita/rpix/pkg/metrics"
	"github.com/ShoshinNikita/rpix/pkg/rlog"
)

// Editor is a pending write of an entry value. Exactly one of [Editor.Commit] and
// [Editor.Abort] must be called. Readers keep observing the previous value until
// the commit.
type Editor struct {
	store *Store
	entry *entry

	// written is true if NewWriter has been called. Guarded by store.mu.
	written bool
	failed  atomic.Bool
	w       *faultHidingWriter
}

// NewWriter returns a writer for the new value. Write errors are not returned
// by the writer: they make [Editor.Commit] fail instead.
func (e *Editor) NewWriter() (io.Writer, error) {
	s := e.store

	s.mu.Lock()
	defer s.mu.Unlock()

	if e.entry.editor != e {
		return nil, ErrEditorDetached
	}
	if e.w != nil {
		return e.w, nil
	}

	e.written = true

	f, err := os.Create(s.dirtyPath(e.entry.key))
	if err != nil {
		// The directory could have been removed from outside. Try to recreate it.
		if mkdirErr := os.MkdirAll(s.dir, dirPerm); mkdirErr == nil {
			f, err = os.Create(s.dirtyPath(e.entry.key))
		}
	}
	if err != nil {
		rlog.Warnf("couldn't create temporary file for %q: %s", e.entry.key, err)
		e.failed.Store(true)

		e.w = &faultHidingWriter{editor: e}
		return e.w, nil
	}

	e.w = &faultHidingWriter{editor: e, f: f}
	return e.w, nil
}

// Commit publishes the written value. If writing has failed, the entry is removed
// and [ErrEditFailed] is returned.
func (e *Editor) Commit() error {
	if e.w != nil {
		if err := e.w.close(); err != nil {
			e.failed.Store(true)
		}
	}

	if !e.failed.Load() {
		return e.store.completeEdit(e, true)
	}

	metrics.StoreFailedEdits.Inc()

	s := e.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.entry.editor != e {
		return ErrEditorDetached
	}

	key := e.entry.key
	_ = s.completeEditLocked(e, false)
	if _, err := s.removeLocked(key); err != nil {
		rlog.Warnf("couldn't remove entry %q after failed edit: %s", key, err)
	}
	return fmt.Errorf("%w: couldn't write value of %q", ErrEditFailed, key)
}

// Abort discards the written value. It is safe to call Abort after Commit, so it
// can be deferred.
func (e *Editor) Abort() error {
	if e.w != nil {
		_ = e.w.close()
	}

	err := e.store.completeEdit(e, false)
	if errors.Is(err, ErrEditorDetached) {
		return nil
	}
	return err
}

// faultHidingWriter swallows write errors and marks the editor as failed.
type faultHidingWriter struct {
	editor *Editor
	f      *os.File
	closed bool
}

func (w *faultHidingWriter) Write(p []byte) (int, error) {
	if w.f == nil || w.closed {
		w.editor.failed.Store(true)
		return len(p), nil
	}

	if _, err := w.f.Write(p); err != nil {
		w.editor.failed.Store(true)
	}
	return len(p), nil
}

func (w *faultHidingWriter) close() error {
	if w.f == nil || w.closed {
		return nil
	}
	w.closed = true

	return w.f.Close()
}

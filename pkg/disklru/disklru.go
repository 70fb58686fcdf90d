// Package disklru implements a size bounded key/value store that keeps its data in a
// single directory. All state transitions are recorded in an append-only journal,
// so the store survives crashes: interrupted writes are discarded on the next open.
//
// The directory must be exclusive to one [Store]. Opening two stores over the same
// directory at the same time is not supported.
package disklru

import (
	"bufio"
	"container/list"
	"context"
	"crypto/md5" //nolint:gosec // used only for file naming
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/ShoshinNikita/rpix/pkg/metrics"
	"github.com/ShoshinNikita/rpix/pkg/misc"
	"github.com/ShoshinNikita/rpix/pkg/rlog"
)

// redundantOpCompactThreshold is the minimal number of redundant journal records
// that triggers journal compaction.
const redundantOpCompactThreshold = 2000

const dirPerm = 0o700

var (
	ErrClosed         = errors.New("store is closed")
	ErrNotFound       = errors.New("entry not found")
	ErrEditInProgress = errors.New("entry is being edited")
	ErrEditorDetached = errors.New("editor is no longer attached to the entry")
	ErrEditFailed     = errors.New("edit failed")
	ErrInvalidKey     = errors.New("invalid key")
	ErrCorrupt        = errors.New("store is corrupt")

	errInvalidMaxSize  = errors.New("max size must be > 0")
	errJournalNotReady = errors.New("journal writer is not open")
)

var legalKeyPattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// HashKey converts an arbitrary string into a valid store key: a hex-encoded MD5 sum.
func HashKey(s string) string {
	sum := md5.Sum([]byte(s)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

func validateKey(key string) error {
	if !legalKeyPattern.MatchString(key) || key == journalFile {
		return fmt.Errorf("%w: keys must match %s: %q", ErrInvalidKey, legalKeyPattern, key)
	}
	return nil
}

type Store struct {
	dir        string
	appVersion int
	maxSize    int64

	mu           sync.Mutex
	size         int64
	entries      map[string]*list.Element // values are *entry
	lru          *list.List               // front is the least recently used entry
	redundantOps int
	journal      *os.File
	journalW     *bufio.Writer
	closed       bool

	cleaner *cleaner
}

type entry struct {
	key    string
	length int64
	// readable is true if the entry has ever been published.
	readable bool
	// editor is the ongoing edit, nil if the entry is not being edited.
	editor *Editor
}

// Open opens the store in dir, creating it if none exists. The journal written by
// a different appVersion is treated as corrupt, so the store is wiped.
func Open(dir string, appVersion int, maxSize int64) (*Store, error) {
	if maxSize <= 0 {
		return nil, errInvalidMaxSize
	}

	var (
		journalPath = filepath.Join(dir, journalFile)
		backupPath  = filepath.Join(dir, journalFileBackup)
	)

	// The backup journal is left behind only by an interrupted compaction.
	if fileExists(backupPath) {
		if fileExists(journalPath) {
			if err := os.Remove(backupPath); err != nil {
				return nil, fmt.Errorf("couldn't remove backup journal: %w", err)
			}
		} else if err := atomic.ReplaceFile(backupPath, journalPath); err != nil {
			return nil, fmt.Errorf("couldn't restore journal from backup: %w", err)
		}
	}

	s := newStore(dir, appVersion, maxSize)
	if fileExists(journalPath) {
		err := s.load()
		if err == nil {
			s.cleaner = newCleaner(s.cleanup)

			rlog.Debugf("store %q was opened: %d entries, %s", dir, len(s.entries), misc.FormatFileSize(s.size))
			return s, nil
		}

		rlog.Warnf("store %q is corrupt: %s, removing", dir, err)
		metrics.StoreResets.Inc()

		_ = s.closeJournal()
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("couldn't remove corrupt store: %w", err)
		}
		s = newStore(dir, appVersion, maxSize)
	}

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("couldn't create store dir: %w", err)
	}
	if err := s.rebuildJournal(); err != nil {
		return nil, fmt.Errorf("couldn't create journal: %w", err)
	}
	s.cleaner = newCleaner(s.cleanup)

	return s, nil
}

func newStore(dir string, appVersion int, maxSize int64) *Store {
	return &Store{
		dir:        dir,
		appVersion: appVersion,
		maxSize:    maxSize,
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
	}
}

func (s *Store) load() error {
	records, truncated, err := readJournal(s.journalPath(), s.appVersion, s.replay)
	if err != nil {
		return err
	}
	s.redundantOps = records - len(s.entries)

	if err := s.processJournal(); err != nil {
		return err
	}

	if truncated {
		// New records can't be appended after a partial line.
		return s.rebuildJournal()
	}
	return s.openJournalWriter()
}

func (s *Store) replay(rec record) {
	if rec.kind == recordRemove {
		s.deleteEntry(rec.key)
		return
	}

	el, ok := s.entries[rec.key]
	if !ok && rec.kind == recordRead {
		return
	}
	if ok {
		s.lru.MoveToBack(el)
	} else {
		el = s.lru.PushBack(&entry{key: rec.key})
		s.entries[rec.key] = el
	}
	e := el.Value.(*entry)

	switch rec.kind {
	case recordClean:
		e.readable = true
		e.editor = nil
		e.length = rec.length
	case recordDirty:
		e.editor = &Editor{store: s, entry: e}
	case recordRead:
		// Already moved to the back.
	}
}

// processJournal computes the initial size and drops entries with unterminated edits.
func (s *Store) processJournal() error {
	if err := removeIfExists(filepath.Join(s.dir, journalFileTmp)); err != nil {
		return err
	}

	for el := s.lru.Front(); el != nil; {
		next := el.Next()

		e := el.Value.(*entry)
		if e.editor == nil {
			s.size += e.length
		} else {
			e.editor = nil
			if err := removeIfExists(s.cleanPath(e.key)); err != nil {
				return err
			}
			if err := removeIfExists(s.dirtyPath(e.key)); err != nil {
				return err
			}
			s.deleteEntry(e.key)
		}

		el = next
	}
	return nil
}

// rebuildJournal writes a new journal without redundant records and replaces the
// current one. The old journal is kept as a backup until the new one is in place.
func (s *Store) rebuildJournal() error {
	tmpPath := filepath.Join(s.dir, journalFileTmp)

	err := func() error {
		f, err := os.Create(tmpPath)
		if err != nil {
			return err
		}
		defer f.Close()

		w := bufio.NewWriter(f)
		_, _ = w.WriteString(journalHeader(s.appVersion))
		for el := s.lru.Front(); el != nil; el = el.Next() {
			e := el.Value.(*entry)

			rec := record{kind: recordClean, key: e.key, length: e.length}
			if e.editor != nil {
				rec = record{kind: recordDirty, key: e.key}
			}
			_, _ = w.WriteString(rec.String() + "\n")
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if err := f.Sync(); err != nil {
			return err
		}
		return f.Close()
	}()
	if err != nil {
		_ = removeIfExists(tmpPath)
		return fmt.Errorf("couldn't write new journal: %w", err)
	}

	if err := s.closeJournal(); err != nil {
		rlog.Warnf("couldn't close journal of store %q: %s", s.dir, err)
	}

	journalPath := s.journalPath()
	backupPath := filepath.Join(s.dir, journalFileBackup)
	if fileExists(journalPath) {
		if err := atomic.ReplaceFile(journalPath, backupPath); err != nil {
			return errors.Join(fmt.Errorf("couldn't backup journal: %w", err), s.openJournalWriter())
		}
	}
	if err := atomic.ReplaceFile(tmpPath, journalPath); err != nil {
		return fmt.Errorf("couldn't replace journal: %w", err)
	}
	if err := removeIfExists(backupPath); err != nil {
		rlog.Warnf("couldn't remove backup journal of store %q: %s", s.dir, err)
	}

	s.redundantOps = 0
	return s.openJournalWriter()
}

func (s *Store) openJournalWriter() error {
	f, err := os.OpenFile(s.journalPath(), os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("couldn't open journal: %w", err)
	}
	s.journal = f
	s.journalW = bufio.NewWriter(f)
	return nil
}

func (s *Store) closeJournal() error {
	if s.journal == nil {
		return nil
	}
	flushErr := s.journalW.Flush()
	closeErr := s.journal.Close()

	s.journal = nil
	s.journalW = nil

	return errors.Join(flushErr, closeErr)
}

func (s *Store) appendRecord(rec record, flush bool) error {
	if s.journalW == nil {
		return errJournalNotReady
	}
	if _, err := s.journalW.WriteString(rec.String() + "\n"); err != nil {
		return err
	}
	if flush {
		return s.journalW.Flush()
	}
	return nil
}

// Get returns a snapshot of the entry. It returns [ErrNotFound] if the entry doesn't
// exist, has never been published or can't be read. A returned entry becomes the most
// recently used one.
//
// The snapshot observes the value as it was at the time of the call: later commits
// and removals don't affect it.
func (s *Store) Get(key string) (*Snapshot, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	el, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	e := el.Value.(*entry)
	if !e.readable {
		return nil, ErrNotFound
	}

	f, err := os.Open(s.cleanPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			rlog.Warnf("file of entry %q is missing, drop the entry", key)
			s.dropEntry(key)
		} else {
			rlog.Errorf("couldn't open entry %q: %s", key, err)
		}
		return nil, ErrNotFound
	}

	info, err := f.Stat()
	if err != nil || info.Size() != e.length {
		f.Close()

		if err == nil {
			err = fmt.Errorf("journal length %d, file length %d", e.length, info.Size())
		}
		rlog.Warnf("entry %q is corrupt: %s, drop the entry", key, err)
		s.dropEntry(key)
		return nil, ErrNotFound
	}

	s.lru.MoveToBack(el)
	s.redundantOps++
	if err := s.appendRecord(record{kind: recordRead, key: key}, false); err != nil {
		rlog.Warnf("couldn't journal read of %q: %s", key, err)
	}
	if s.rebuildRequired() {
		s.cleaner.schedule()
	}

	return &Snapshot{
		key:    key,
		file:   f,
		length: e.length,
	}, nil
}

// Edit returns an editor for the entry. It returns [ErrEditInProgress] if another
// edit of the same entry hasn't been committed or aborted yet.
func (s *Store) Edit(key string) (*Editor, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	el, ok := s.entries[key]
	if ok && el.Value.(*entry).editor != nil {
		return nil, ErrEditInProgress
	}

	// Flush the journal before creating files to not leak them after a crash.
	if err := s.appendRecord(record{kind: recordDirty, key: key}, true); err != nil {
		return nil, fmt.Errorf("couldn't journal edit of %q: %w", key, err)
	}

	if ok {
		s.lru.MoveToBack(el)
	} else {
		el = s.lru.PushBack(&entry{key: key})
		s.entries[key] = el
	}
	e := el.Value.(*entry)

	editor := &Editor{store: s, entry: e}
	e.editor = editor

	return editor, nil
}

func (s *Store) completeEdit(editor *Editor, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if editor.entry.editor != editor {
		return ErrEditorDetached
	}
	return s.completeEditLocked(editor, success)
}

func (s *Store) completeEditLocked(editor *Editor, success bool) (err error) {
	e := editor.entry
	dirtyPath := s.dirtyPath(e.key)

	var dirtyLength int64 = -1
	if info, statErr := os.Stat(dirtyPath); statErr == nil {
		dirtyLength = info.Size()
	}

	// A newly created entry must have a value.
	if success && !e.readable {
		switch {
		case !editor.written:
			success = false
			err = fmt.Errorf("%w: new entry %q has no value", ErrEditFailed, e.key)
		case dirtyLength == -1:
			success = false
			err = fmt.Errorf("%w: value of new entry %q is missing", ErrEditFailed, e.key)
		}
	}

	switch {
	case success && dirtyLength != -1:
		if renameErr := atomic.ReplaceFile(dirtyPath, s.cleanPath(e.key)); renameErr != nil {
			success = false
			err = fmt.Errorf("%w: couldn't publish %q: %w", ErrEditFailed, e.key, renameErr)
			_ = removeIfExists(dirtyPath)
			break
		}
		s.size = s.size - e.length + dirtyLength
		e.length = dirtyLength

	case !success:
		if removeErr := removeIfExists(dirtyPath); removeErr != nil {
			rlog.Warnf("couldn't remove temporary file of %q: %s", e.key, removeErr)
		}
	}

	s.redundantOps++
	e.editor = nil

	rec := record{kind: recordClean, key: e.key}
	if e.readable || success {
		e.readable = true
		rec.length = e.length
	} else {
		s.deleteEntry(e.key)
		rec = record{kind: recordRemove, key: e.key}
	}
	if journalErr := s.appendRecord(rec, true); journalErr != nil {
		rlog.Errorf("couldn't journal %q: %s", rec, journalErr)
	}

	if s.size > s.maxSize || s.rebuildRequired() {
		s.cleaner.schedule()
	}
	return err
}

// Remove drops the entry if it exists and isn't being edited. It reports whether
// the entry was removed.
func (s *Store) Remove(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrClosed
	}
	return s.removeLocked(key)
}

func (s *Store) removeLocked(key string) (bool, error) {
	el, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	e := el.Value.(*entry)
	if e.editor != nil {
		return false, nil
	}

	if err := removeIfExists(s.cleanPath(key)); err != nil {
		return false, fmt.Errorf("couldn't delete file of %q: %w", key, err)
	}

	s.size -= e.length
	e.length = 0
	s.redundantOps++
	s.deleteEntry(key)

	if err := s.appendRecord(record{kind: recordRemove, key: key}, false); err != nil {
		rlog.Warnf("couldn't journal removal of %q: %s", key, err)
	}
	if s.rebuildRequired() {
		s.cleaner.schedule()
	}
	return true, nil
}

// dropEntry removes an unreadable entry, errors are only logged.
func (s *Store) dropEntry(key string) {
	if _, err := s.removeLocked(key); err != nil {
		rlog.Errorf("couldn't drop entry %q: %s", key, err)
	}
}

func (s *Store) deleteEntry(key string) {
	if el, ok := s.entries[key]; ok {
		s.lru.Remove(el)
		delete(s.entries, key)
	}
}

// rebuildRequired reports whether compaction would eliminate at least
// [redundantOpCompactThreshold] records and halve the journal.
func (s *Store) rebuildRequired() bool {
	return s.redundantOps >= redundantOpCompactThreshold && s.redundantOps >= len(s.entries)
}

// trimToSize evicts the least recently used entries until the size limit is
// satisfied. Entries that are being edited are skipped.
func (s *Store) trimToSize() {
	for el := s.lru.Front(); el != nil && s.size > s.maxSize; {
		next := el.Next()

		e := el.Value.(*entry)
		if e.editor == nil {
			length := e.length

			removed, err := s.removeLocked(e.key)
			switch {
			case err != nil:
				rlog.Errorf("couldn't evict %q: %s", e.key, err)
			case removed:
				metrics.StoreEvictions.Inc()
				rlog.Debugf("entry %q (%s) was evicted", e.key, misc.FormatFileSize(length))
			}
		}

		el = next
	}
}

// cleanup is run by the cleaner.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.trimToSize()

	if s.rebuildRequired() {
		if err := s.rebuildJournal(); err != nil {
			rlog.Errorf("couldn't rebuild journal of store %q: %s", s.dir, err)
		} else {
			metrics.StoreJournalRebuilds.Inc()
			rlog.Debugf("journal of store %q was rebuilt", s.dir)
		}
	}

	if s.journalW != nil {
		if err := s.journalW.Flush(); err != nil {
			rlog.Errorf("couldn't flush journal of store %q: %s", s.dir, err)
		}
	}
}

// Size returns the number of bytes used by values. It may exceed the max size
// while the background eviction is pending.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.size
}

func (s *Store) MaxSize() int64 {
	return s.maxSize
}

func (s *Store) Dir() string {
	return s.dir
}

// Len returns the number of entries, including the ones being created.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}

func (s *Store) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

// Flush evicts entries over the size limit and writes buffered journal records.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.trimToSize()

	if s.journalW == nil {
		return errJournalNotReady
	}
	return s.journalW.Flush()
}

// Close aborts all ongoing edits and closes the journal. Stored values remain
// on disk. It is safe to call Close multiple times.
func (s *Store) Close() error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return nil
	}

	for _, el := range s.entries {
		if editor := el.Value.(*entry).editor; editor != nil {
			_ = s.completeEditLocked(editor, false)
		}
	}
	s.trimToSize()

	err := s.closeJournal()
	s.closed = true

	s.mu.Unlock()

	// Must be called without the lock: a running pass needs it to finish.
	if shutdownErr := s.cleaner.Shutdown(context.Background()); shutdownErr != nil {
		err = errors.Join(err, shutdownErr)
	}
	return err
}

// Delete closes the store and removes its directory, including files that
// weren't created by the store.
func (s *Store) Delete() error {
	if err := s.Close(); err != nil {
		rlog.Warnf("couldn't close store %q before removal: %s", s.dir, err)
	}
	return os.RemoveAll(s.dir)
}

func (s *Store) journalPath() string {
	return filepath.Join(s.dir, journalFile)
}

func (s *Store) cleanPath(key string) string {
	return filepath.Join(s.dir, key)
}

func (s *Store) dirtyPath(key string) string {
	return filepath.Join(s.dir, key+".tmp")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

package disklru

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
)

// The journal is a text file. A typical journal looks like this:
//
//	rpix.disklru
//	1
//	100
//	1
//
//	CLEAN 3400330d1dfc7f3f7f4b8d4d803dfcf6 832
//	DIRTY 335c4c6028171cfddfbaae1a9c313c52
//	CLEAN 335c4c6028171cfddfbaae1a9c313c52 3934
//	REMOVE 335c4c6028171cfddfbaae1a9c313c52
//	DIRTY 1ab96a171faeeee38496d8b330771a7a
//	CLEAN 1ab96a171faeeee38496d8b330771a7a 1600
//	READ 3400330d1dfc7f3f7f4b8d4d803dfcf6
//
// The header consists of the magic string, the journal version, the application
// version, the number of values per entry and a blank line. Every DIRTY line must
// be followed by CLEAN or REMOVE for the same key, otherwise the entry is discarded
// on the next open.
const (
	journalFile       = "journal"
	journalFileTmp    = "journal.tmp"
	journalFileBackup = "journal.bkp"

	journalMagic      = "rpix.disklru"
	journalVersion    = "1"
	journalValueCount = "1"
)

type recordKind string

const (
	recordClean  recordKind = "CLEAN"
	recordDirty  recordKind = "DIRTY"
	recordRemove recordKind = "REMOVE"
	recordRead   recordKind = "READ"
)

type record struct {
	kind   recordKind
	key    string
	length int64 // only for CLEAN
}

func (r record) String() string {
	if r.kind == recordClean {
		return string(r.kind) + " " + r.key + " " + strconv.FormatInt(r.length, 10)
	}
	return string(r.kind) + " " + r.key
}

func parseRecord(line string) (record, error) {
	fields := strings.Split(line, " ")
	if len(fields) < 2 {
		return record{}, fmt.Errorf("%w: unexpected journal line %q", ErrCorrupt, line)
	}

	rec := record{
		kind: recordKind(fields[0]),
		key:  fields[1],
	}
	switch rec.kind {
	case recordClean:
		if len(fields) != 3 {
			return record{}, fmt.Errorf("%w: unexpected journal line %q", ErrCorrupt, line)
		}
		length, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil || length < 0 {
			return record{}, fmt.Errorf("%w: invalid length in journal line %q", ErrCorrupt, line)
		}
		rec.length = length

	case recordDirty, recordRemove, recordRead:
		if len(fields) != 2 {
			return record{}, fmt.Errorf("%w: unexpected journal line %q", ErrCorrupt, line)
		}

	default:
		return record{}, fmt.Errorf("%w: unknown journal record %q", ErrCorrupt, fields[0])
	}

	if err := validateKey(rec.key); err != nil {
		return record{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return rec, nil
}

func journalHeader(appVersion int) string {
	return journalMagic + "\n" +
		journalVersion + "\n" +
		strconv.Itoa(appVersion) + "\n" +
		journalValueCount + "\n" +
		"\n"
}

// readJournal calls fn for every complete record of the journal at path. A trailing
// line without a newline is the result of an interrupted append: it is ignored and
// reported with truncated = true.
func readJournal(path string, appVersion int, fn func(record)) (records int, truncated bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false, err
	}
	defer f.Close()

	br := bufio.NewReader(f)

	header := make([]string, 0, 5)
	for range 5 {
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, false, fmt.Errorf("%w: incomplete journal header", ErrCorrupt)
			}
			return 0, false, err
		}
		header = append(header, strings.TrimSuffix(line, "\n"))
	}
	wantHeader := strings.Split(strings.TrimSuffix(journalHeader(appVersion), "\n"), "\n")
	if !slices.Equal(wantHeader, header) {
		return 0, false, fmt.Errorf("%w: unexpected journal header %q", ErrCorrupt, header)
	}

	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return records, line != "", nil
			}
			return records, false, err
		}

		rec, err := parseRecord(strings.TrimSuffix(line, "\n"))
		if err != nil {
			return records, false, err
		}
		fn(rec)
		records++
	}
}

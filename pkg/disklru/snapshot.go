package disklru

import (
	"io"
	"os"
)

// Snapshot is a point-in-time view of an entry value. It must be closed.
type Snapshot struct {
	key    string
	file   *os.File
	length int64
}

var _ io.ReadCloser = (*Snapshot)(nil)

func (s *Snapshot) Key() string {
	return s.key
}

// Len returns the value length recorded when the snapshot was taken.
func (s *Snapshot) Len() int64 {
	return s.length
}

func (s *Snapshot) Read(p []byte) (int, error) {
	return s.file.Read(p)
}

func (s *Snapshot) Close() error {
	return s.file.Close()
}

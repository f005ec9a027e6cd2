package handlecache

import (
	"io"
	"os"
	"time"

	"github.com/rarydzu/diskstage/request"
)

// File is an open read-only handle
type File interface {
	io.Reader
	io.Seeker
	io.Closer
	Stat() (os.FileInfo, error)
}

// FileSystem opens and stats files by absolute path
type FileSystem interface {
	Open(name string) (File, error)
	Stat(name string) (os.FileInfo, error)
}

// OSFileSystem is the FileSystem of the host
type OSFileSystem struct{}

func (OSFileSystem) Open(name string) (File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (OSFileSystem) Stat(name string) (os.FileInfo, error) {
	return os.Stat(name)
}

// Slot is one entry of the handle cache. A slot with an empty path is free.
type Slot struct {
	// path currently occupying the slot
	path request.Path
	// file is owned by the slot and closed on eviction
	file File
	// lastUsed is the eviction key
	lastUsed time.Time
	// position is the current file offset, -1 when unknown
	position int64
}

// Path returns the path held by the slot
func (s Slot) Path() request.Path {
	return s.path
}

// LastUsed returns the time of the last access
func (s Slot) LastUsed() time.Time {
	return s.lastUsed
}

// Position returns the current file offset, -1 when unknown
func (s Slot) Position() int64 {
	return s.position
}

// IsEmpty reports whether the slot holds no file
func (s Slot) IsEmpty() bool {
	return s.file == nil
}

func (s *Slot) release() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	*s = Slot{}
	return err
}

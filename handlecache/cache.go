// Package handlecache keeps a small, fixed number of files open and reuses
// them across reads. The least recently used handle is replaced when a file
// which is not cached has to be opened.
package handlecache

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/rarydzu/diskstage/request"
	"github.com/ztrue/tracerr"
	"go.uber.org/zap"
)

// Result describes one physical read
type Result struct {
	BytesRead uint64
	// Opened is set when the file had to be opened for this read
	Opened bool
	// OpenClose is the time spent opening the file and closing the evicted one
	OpenClose time.Duration
	// ReadTime covers the seek and the read
	ReadTime time.Duration
	// Evicted is the path whose handle was closed to make room
	Evicted request.Path
}

type Cache struct {
	slots []Slot
	fs    FileSystem
	clock timeutil.Clock
	log   *zap.SugaredLogger
}

// New creates a cache with capacity slots. Capacity is fixed for the
// lifetime of the cache and must be positive.
func New(capacity int, fs FileSystem, clock timeutil.Clock, log *zap.SugaredLogger) *Cache {
	if capacity <= 0 {
		panic(fmt.Sprintf("handlecache: capacity must be positive, got %d", capacity))
	}
	return &Cache{
		slots: make([]Slot, capacity),
		fs:    fs,
		clock: clock,
		log:   log,
	}
}

// Capacity returns the number of slots
func (c *Cache) Capacity() int {
	return len(c.slots)
}

// Len returns the number of open handles
func (c *Cache) Len() int {
	n := 0
	for i := range c.slots {
		if !c.slots[i].IsEmpty() {
			n++
		}
	}
	return n
}

// Slot returns a copy of slot i. Out of range indexes panic.
func (c *Cache) Slot(i int) Slot {
	return c.slots[i]
}

// Find returns the slot index holding path.
// A plain scan is enough for the handful of slots a cache holds.
func (c *Cache) Find(path request.Path) (int, bool) {
	if path.IsEmpty() {
		return -1, false
	}
	for i := range c.slots {
		if !c.slots[i].IsEmpty() && c.slots[i].path == path {
			return i, true
		}
	}
	return -1, false
}

// Contains reports whether path has an open handle
func (c *Cache) Contains(path request.Path) bool {
	_, ok := c.Find(path)
	return ok
}

// Paths returns the cached paths in slot order
func (c *Cache) Paths() []request.Path {
	paths := make([]request.Path, 0, len(c.slots))
	for i := range c.slots {
		if !c.slots[i].IsEmpty() {
			paths = append(paths, c.slots[i].path)
		}
	}
	return paths
}

// Size returns the length of path. An open handle is asked first, the
// filesystem otherwise. A length of 0 reported by the filesystem can't be
// told apart from a failed lookup and is returned as not found.
func (c *Cache) Size(path request.Path) (uint64, bool) {
	if i, ok := c.Find(path); ok {
		info, err := c.slots[i].file.Stat()
		if err == nil {
			return uint64(info.Size()), true
		}
		c.log.Debugf("stat on cached handle %s: %v", path, err)
	}
	info, err := c.fs.Stat(path.Absolute())
	if err != nil || info.Size() == 0 {
		return 0, false
	}
	return uint64(info.Size()), true
}

// Read reads len(out) bytes of path starting at offset. A short read is
// not an error, Result.BytesRead tells how much was read. Failing to open
// the file leaves the cache untouched.
func (c *Cache) Read(path request.Path, offset uint64, out []byte) (Result, error) {
	var res Result
	i, ok := c.Find(path)
	if !ok {
		start := c.clock.Now()
		f, err := c.fs.Open(path.Absolute())
		if err != nil {
			return res, tracerr.Wrap(err)
		}
		i = c.oldest()
		if !c.slots[i].IsEmpty() {
			res.Evicted = c.slots[i].path
			if err := c.slots[i].release(); err != nil {
				c.log.Debugf("closing evicted handle %s: %v", res.Evicted, err)
			}
			c.log.Debugf("evicted %s for %s", res.Evicted, path)
		}
		c.slots[i] = Slot{path: path, file: f}
		res.Opened = true
		res.OpenClose = c.clock.Now().Sub(start)
	}

	slot := &c.slots[i]
	slot.lastUsed = c.clock.Now()
	start := c.clock.Now()
	if slot.position != int64(offset) {
		pos, err := slot.file.Seek(int64(offset), io.SeekStart)
		if err != nil {
			slot.position = -1
			return res, tracerr.Wrap(err)
		}
		slot.position = pos
	}
	n, err := io.ReadFull(slot.file, out)
	slot.position += int64(n)
	res.BytesRead = uint64(n)
	res.ReadTime = c.clock.Now().Sub(start)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		slot.position = -1
		return res, tracerr.Wrap(err)
	}
	return res, nil
}

// Flush closes the handle of path, if cached
func (c *Cache) Flush(path request.Path) {
	if i, ok := c.Find(path); ok {
		if err := c.slots[i].release(); err != nil {
			c.log.Debugf("flush %s: %v", path, err)
		}
	}
}

// FlushAll closes every handle
func (c *Cache) FlushAll() {
	for i := range c.slots {
		path := c.slots[i].path
		if err := c.slots[i].release(); err != nil {
			c.log.Debugf("flush %s: %v", path, err)
		}
	}
}

// oldest returns the slot with the smallest lastUsed. A free slot counts as
// older than any used one, ties go to the lowest index.
func (c *Cache) oldest() int {
	idx := 0
	for i := range c.slots {
		if c.slots[i].IsEmpty() {
			return i
		}
		if c.slots[i].lastUsed.Before(c.slots[idx].lastUsed) {
			idx = i
		}
	}
	return idx
}

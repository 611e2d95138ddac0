// Package netfile holds the state of a file opened through a share.
//
// Repository content is loaded when the file is opened. The first write
// copies it into a local temp file which then serves all reads and writes
// until the file is closed and its content pushed back to the repository.
package netfile

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"repofs/internal/common"
	"repofs/internal/storage"
)

// Access is the access granted to an open.
type Access int

const (
	AccessAttributes Access = 0
	AccessRead       Access = 1 << 0
	AccessWrite      Access = 1 << 1
	AccessReadWrite         = AccessRead | AccessWrite
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessReadWrite:
		return "read-write"
	default:
		return "attributes"
	}
}

var nextID atomic.Uint64

// Options describes a file at open time.
type Options struct {
	Ref      storage.NodeRef
	Path     string
	Access   Access
	User     string
	PID      int
	Created  bool
	Content  []byte
	Modified time.Time
	Accessed time.Time
	TempDir  string

	// Truncated marks the open as having discarded the stored content.
	Truncated bool
}

// File is one open of a repository file.
type File struct {
	mu sync.Mutex

	id      uint64
	ref     storage.NodeRef
	path    string
	access  Access
	user    string
	pid     int
	created bool
	tempDir string

	deleteOnClose bool
	base          []byte
	tmp           *os.File
	size          int64
	pos           int64
	modified      time.Time
	accessed      time.Time
	dirty         bool
	writeCount    int
	allocated     int64
	removed       bool
}

// New returns an open file positioned at offset zero.
func New(o Options) *File {
	return &File{
		id:       nextID.Add(1),
		ref:      o.Ref,
		path:     o.Path,
		access:   o.Access,
		user:     o.User,
		pid:      o.PID,
		created:  o.Created,
		tempDir:  o.TempDir,
		base:     o.Content,
		size:     int64(len(o.Content)),
		modified: o.Modified,
		accessed: o.Accessed,
		dirty:    o.Truncated,
	}
}

func (f *File) ID() uint64           { return f.id }
func (f *File) Ref() storage.NodeRef { return f.ref }
func (f *File) Access() Access       { return f.access }
func (f *File) User() string         { return f.user }
func (f *File) PID() int             { return f.pid }

// Created reports whether this open created the file.
func (f *File) Created() bool { return f.created }

func (f *File) CanRead() bool  { return f.access&AccessRead != 0 }
func (f *File) CanWrite() bool { return f.access&AccessWrite != 0 }

// Path is the share-relative path the file is currently known by.
func (f *File) Path() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.path
}

// SetPath records a rename of the open file.
func (f *File) SetPath(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.path = p
}

func (f *File) DeleteOnClose() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleteOnClose
}

func (f *File) SetDeleteOnClose(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteOnClose = v
}

func (f *File) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}

func (f *File) Modified() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.modified
}

func (f *File) Accessed() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accessed
}

// Dirty reports whether the content changed since open.
func (f *File) Dirty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirty
}

func (f *File) WriteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeCount
}

// AddAllocated records quota bytes allocated on behalf of this open.
func (f *File) AddAllocated(n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allocated += n
}

// Allocated is the quota bytes allocated on behalf of this open.
func (f *File) Allocated() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allocated
}

// TakeAllocated returns the allocated quota bytes and resets them to zero.
func (f *File) TakeAllocated() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.allocated
	f.allocated = 0
	return n
}

// materialize moves the base content into a temp file. Caller holds mu.
func (f *File) materialize() error {
	if f.tmp != nil {
		return nil
	}
	if f.removed {
		return fmt.Errorf("file %d: %w", f.id, common.ErrInvalidHandle)
	}
	tmp, err := os.CreateTemp(f.tempDir, "repofs-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if len(f.base) > 0 {
		if _, err := tmp.Write(f.base); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("seed temp file: %w", err)
		}
	}
	f.tmp = tmp
	f.base = nil
	return nil
}

// TempPath is the local temp file, or "" until the first write.
func (f *File) TempPath() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tmp == nil {
		return ""
	}
	return f.tmp.Name()
}

// ReadAt reads from the current content at off.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if !f.CanRead() {
		return 0, fmt.Errorf("read %s: %w", f.Path(), common.ErrAccessDenied)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if off < 0 {
		return 0, fmt.Errorf("negative offset: %w", common.ErrInvalidPath)
	}
	f.accessed = time.Now()
	if off >= f.size {
		return 0, io.EOF
	}
	if f.tmp != nil {
		return f.tmp.ReadAt(p, off)
	}
	n := copy(p, f.base[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes p at off, extending the file as needed.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if !f.CanWrite() {
		return 0, fmt.Errorf("write %s: %w", f.Path(), common.ErrAccessDenied)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if off < 0 {
		return 0, fmt.Errorf("negative offset: %w", common.ErrInvalidPath)
	}
	if err := f.materialize(); err != nil {
		return 0, err
	}
	n, err := f.tmp.WriteAt(p, off)
	if n > 0 {
		if end := off + int64(n); end > f.size {
			f.size = end
		}
		f.dirty = true
		f.writeCount++
		f.modified = time.Now()
	}
	return n, err
}

// Seek moves the sequential position used by Read and Write.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = f.pos + offset
	case io.SeekEnd:
		pos = f.size + offset
	default:
		return f.pos, fmt.Errorf("whence %d: %w", whence, common.ErrInvalidPath)
	}
	if pos < 0 {
		return f.pos, fmt.Errorf("seek before start: %w", common.ErrInvalidPath)
	}
	f.pos = pos
	return pos, nil
}

// Read reads at the current position and advances it.
func (f *File) Read(p []byte) (int, error) {
	f.mu.Lock()
	pos := f.pos
	f.mu.Unlock()
	n, err := f.ReadAt(p, pos)
	f.mu.Lock()
	f.pos = pos + int64(n)
	f.mu.Unlock()
	return n, err
}

// Write writes at the current position and advances it.
func (f *File) Write(p []byte) (int, error) {
	f.mu.Lock()
	pos := f.pos
	f.mu.Unlock()
	n, err := f.WriteAt(p, pos)
	f.mu.Lock()
	f.pos = pos + int64(n)
	f.mu.Unlock()
	return n, err
}

// Truncate sets the file size.
func (f *File) Truncate(size int64) error {
	if !f.CanWrite() {
		return fmt.Errorf("truncate %s: %w", f.Path(), common.ErrAccessDenied)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if size < 0 {
		return fmt.Errorf("negative size: %w", common.ErrInvalidPath)
	}
	if size == f.size {
		return nil
	}
	if err := f.materialize(); err != nil {
		return err
	}
	if err := f.tmp.Truncate(size); err != nil {
		return err
	}
	f.size = size
	f.dirty = true
	f.writeCount++
	f.modified = time.Now()
	return nil
}

// Sync flushes the temp file to local disk.
func (f *File) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tmp == nil {
		return nil
	}
	return f.tmp.Sync()
}

// Content returns the full current content.
func (f *File) Content() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tmp == nil {
		out := make([]byte, len(f.base))
		copy(out, f.base)
		return out, nil
	}
	out := make([]byte, f.size)
	if _, err := f.tmp.ReadAt(out, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read temp file: %w", err)
	}
	return out, nil
}

// Remove deletes the local temp file. It is safe to call more than once.
func (f *File) Remove() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = true
	f.base = nil
	if f.tmp == nil {
		return nil
	}
	name := f.tmp.Name()
	closeErr := f.tmp.Close()
	f.tmp = nil
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return err
	}
	return closeErr
}

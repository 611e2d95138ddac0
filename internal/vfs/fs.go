package vfs

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/macos-fuse-t/go-smb2/vfs"
	log "github.com/sirupsen/logrus"

	"repofs/internal/command"
	"repofs/internal/common"
	"repofs/internal/driver"
	"repofs/internal/session"
	"repofs/internal/storage"
)

// GuestUser is the session user when the share is served without
// authentication.
const GuestUser = "guest"

// ShareFS implements vfs.VFSFileSystem on top of the disk driver of one
// share. The SMB server holds a single connection to it, so one session and
// one tree serve every handle.
type ShareFS struct {
	mu      sync.RWMutex
	ctx     context.Context
	driver  *driver.Driver
	session *session.Session
	tree    *session.Tree
	handles *HandleManager
}

var _ vfs.VFSFileSystem = (*ShareFS)(nil)

// New connects a session for user to the share served by d.
func New(d *driver.Driver, user string) *ShareFS {
	if user == "" {
		user = GuestUser
	}
	sess := session.New(user)
	return &ShareFS{
		ctx:     context.Background(),
		driver:  d,
		session: sess,
		tree:    d.TreeOpened(sess),
		handles: NewHandleManager(),
	}
}

// Driver returns the driver behind the filesystem.
func (fs *ShareFS) Driver() *driver.Driver {
	return fs.driver
}

// Shutdown closes every open handle and disconnects the session.
func (fs *ShareFS) Shutdown() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n := fs.handles.Clear()
	err := fs.driver.TreeClosed(fs.ctx, fs.session)
	fs.session.Close()
	log.Debugf("[VFS] %s: shut down with %d open handles", fs.driver.Share(), n)
	return err
}

func (fs *ShareFS) attrs(p string) (*vfs.Attributes, error) {
	info, err := fs.driver.GetFileInformation(fs.ctx, fs.tree, p)
	if err != nil {
		return nil, toErrno(err)
	}
	return infoToAttributes(info), nil
}

// --- File Operations ---
// All operations have panic recovery to prevent SMB server disconnections

func openMode(flags int) command.OpenMode {
	switch flags & syscall.O_ACCMODE {
	case os.O_WRONLY:
		return command.ModeWriteOnly
	case os.O_RDWR:
		return command.ModeReadWrite
	default:
		return command.ModeReadOnly
	}
}

// Open opens a file
func (fs *ShareFS) Open(path string, flags int, mode int) (handle vfs.VfsHandle, err error) {
	defer recoverPanic("Open", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[VFS] Open %q flags=%d → %v (%v)", path, flags, err, time.Since(start)) }()
	}
	log.Debugf("[VFS] Open: path=%q flags=%d mode=%d", path, flags, mode)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	path = common.NormalizePath(path)

	info, err := fs.driver.GetFileInformation(fs.ctx, fs.tree, path)
	switch {
	case err == nil:
		if flags&os.O_CREATE != 0 && flags&os.O_EXCL != 0 {
			return 0, EEXIST
		}
		if info.IsFolder() {
			return 0, EISDIR
		}
	case errors.Is(err, common.ErrNotFound) && flags&os.O_CREATE != 0:
		f, err := fs.driver.CreateFile(fs.ctx, fs.tree, path, 0)
		if err != nil {
			return 0, toErrno(err)
		}
		return vfs.VfsHandle(fs.handles.AllocateFile(path, f, flags)), nil
	default:
		return 0, toErrno(err)
	}

	f, err := fs.driver.OpenFile(fs.ctx, fs.tree, path, openMode(flags), flags&os.O_TRUNC != 0)
	if err != nil {
		return 0, toErrno(err)
	}
	return vfs.VfsHandle(fs.handles.AllocateFile(path, f, flags)), nil
}

// Close closes a file handle, pushing written content to the repository
func (fs *ShareFS) Close(handle vfs.VfsHandle) (err error) {
	defer recoverPanic("Close", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[VFS] Close handle=%d → %v (%v)", handle, err, time.Since(start)) }()
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	info, ok := fs.handles.Release(HandleID(handle))
	if !ok {
		return EBADF
	}
	if info.file == nil {
		return nil
	}
	if err := fs.driver.CloseFile(fs.ctx, fs.tree, info.file); err != nil {
		log.Warnf("[VFS] Close %q: %v", info.path, err)
		return toErrno(err)
	}
	return nil
}

// Read reads data from a file
func (fs *ShareFS) Read(handle vfs.VfsHandle, buf []byte, offset uint64, flags int) (n int, err error) {
	defer recoverPanic("Read", &err)

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	info, ok := fs.handles.Get(HandleID(handle))
	if !ok {
		return 0, EBADF
	}
	if info.isDir {
		return 0, EISDIR
	}

	n, err = fs.driver.ReadFile(info.file, buf, int64(offset))
	if err != nil && err != io.EOF {
		return n, toErrno(err)
	}
	return n, nil
}

// Write writes data to a file
func (fs *ShareFS) Write(handle vfs.VfsHandle, buf []byte, offset uint64, flags int) (n int, err error) {
	defer recoverPanic("Write", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() {
			log.Tracef("[VFS] Write handle=%d len=%d off=%d → %v (%v)", handle, len(buf), offset, err, time.Since(start))
		}()
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	info, ok := fs.handles.Get(HandleID(handle))
	if !ok {
		return 0, EBADF
	}
	if info.isDir {
		return 0, EISDIR
	}

	n, err = fs.driver.WriteFile(info.file, buf, int64(offset))
	return n, toErrno(err)
}

// Truncate truncates a file
func (fs *ShareFS) Truncate(handle vfs.VfsHandle, size uint64) (err error) {
	defer recoverPanic("Truncate", &err)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	info, ok := fs.handles.Get(HandleID(handle))
	if !ok {
		return EBADF
	}
	if info.isDir {
		return EISDIR
	}
	return toErrno(fs.driver.TruncateFile(info.file, int64(size)))
}

// FSync flushes file data to the local copy
func (fs *ShareFS) FSync(handle vfs.VfsHandle) (err error) {
	defer recoverPanic("FSync", &err)
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	info, ok := fs.handles.Get(HandleID(handle))
	if !ok {
		return EBADF
	}
	if info.isDir {
		return nil
	}
	return toErrno(fs.driver.FlushFile(info.file))
}

// Flush flushes file data
func (fs *ShareFS) Flush(handle vfs.VfsHandle) error {
	return fs.FSync(handle)
}

// --- Directory Operations ---

// Mkdir creates a directory
func (fs *ShareFS) Mkdir(path string, mode int) (attrs *vfs.Attributes, err error) {
	defer recoverPanic("Mkdir", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[VFS] Mkdir %q → %v (%v)", path, err, time.Since(start)) }()
	}
	log.Debugf("[VFS] Mkdir: path=%q mode=%o", path, mode)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	path = common.NormalizePath(path)
	if path == "" {
		return nil, EEXIST
	}
	if err := fs.driver.CreateDirectory(fs.ctx, fs.tree, path); err != nil {
		return nil, toErrno(err)
	}
	return fs.attrs(path)
}

// OpenDir opens a directory
func (fs *ShareFS) OpenDir(path string) (handle vfs.VfsHandle, err error) {
	defer recoverPanic("OpenDir", &err)
	log.Debugf("[VFS] OpenDir: path=%q", path)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	path = common.NormalizePath(path)
	info, err := fs.driver.GetFileInformation(fs.ctx, fs.tree, path)
	if err != nil {
		return 0, toErrno(err)
	}
	if !info.IsFolder() {
		return 0, ENOTDIR
	}
	return vfs.VfsHandle(fs.handles.AllocateDir(path)), nil
}

// ReadDir reads directory entries
func (fs *ShareFS) ReadDir(handle vfs.VfsHandle, offset int, count int) (entries []vfs.DirInfo, err error) {
	defer recoverPanic("ReadDir", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() {
			log.Tracef("[VFS] ReadDir handle=%d off=%d → %d entries, %v (%v)", handle, offset, len(entries), err, time.Since(start))
		}()
	}
	log.Debugf("[VFS] ReadDir: handle=%d offset=%d count=%d", handle, offset, count)
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	info, ok := fs.handles.Get(HandleID(handle))
	if !ok {
		return nil, EBADF
	}
	if !info.isDir {
		return nil, ENOTDIR
	}

	// SMB2 protocol: offset > 0 (RESTART_SCANS) means restart enumeration
	// offset == 0 means continue from where we left off
	if offset > 0 {
		fs.handles.SetDirEnumDone(HandleID(handle), false)
	}
	if fs.handles.IsDirEnumDone(HandleID(handle)) {
		return nil, io.EOF
	}

	dirAttrs, err := fs.attrs(info.path)
	if err != nil {
		return nil, err
	}
	infos, err := fs.driver.StartSearch(fs.ctx, fs.tree, info.path, "*")
	if err != nil {
		return nil, toErrno(err)
	}

	entries = make([]vfs.DirInfo, 0, len(infos)+2)
	entries = append(entries,
		vfs.DirInfo{Name: ".", Attributes: *dirAttrs},
		vfs.DirInfo{Name: "..", Attributes: *dirAttrs})
	for _, fi := range infos {
		entries = append(entries, vfs.DirInfo{Name: fi.Name, Attributes: *infoToAttributes(fi)})
	}

	// Mark enumeration as done - next call will return EOF
	fs.handles.SetDirEnumDone(HandleID(handle), true)

	if count > 0 && count < len(entries) {
		return entries[:count], nil
	}
	return entries, nil
}

// --- Metadata Operations ---

// GetAttr gets file attributes
func (fs *ShareFS) GetAttr(handle vfs.VfsHandle) (attrs *vfs.Attributes, err error) {
	defer recoverPanic("GetAttr", &err)
	log.Debugf("[VFS] GetAttr: handle=%d", handle)
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	// Handle 0 means root directory
	path := ""
	if handle != 0 {
		info, ok := fs.handles.Get(HandleID(handle))
		if !ok {
			return nil, EBADF
		}
		path = info.path
	}
	return fs.attrs(path)
}

// SetAttr sets file attributes
func (fs *ShareFS) SetAttr(handle vfs.VfsHandle, inAttrs *vfs.Attributes) (attrs *vfs.Attributes, err error) {
	defer recoverPanic("SetAttr", &err)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	info, ok := fs.handles.Get(HandleID(handle))
	if !ok {
		return nil, EBADF
	}

	if size, ok := inAttrs.GetSizeBytes(); ok {
		if info.isDir {
			return nil, EISDIR
		}
		if err := fs.driver.TruncateFile(info.file, int64(size)); err != nil {
			return nil, toErrno(err)
		}
	}

	var upd storage.NodeUpdate
	changed := false
	if mtime, ok := inAttrs.GetLastDataModificationTime(); ok {
		upd.Modified = &mtime
		changed = true
	}
	if atime, ok := inAttrs.GetAccessTime(); ok {
		upd.Accessed = &atime
		changed = true
	}
	if mode, ok := inAttrs.GetUnixMode(); ok {
		cur, err := fs.driver.GetFileInformation(fs.ctx, fs.tree, info.path)
		if err != nil {
			return nil, toErrno(err)
		}
		a := cur.Attributes &^ storage.AttrReadOnly
		if uint32(mode)&0222 == 0 {
			a |= storage.AttrReadOnly
		}
		if a != cur.Attributes {
			upd.Attributes = &a
			changed = true
		}
	}
	if changed {
		if err := fs.driver.SetFileInformation(fs.ctx, fs.tree, info.path, upd); err != nil {
			return nil, toErrno(err)
		}
	}

	return fs.attrs(info.path)
}

// Lookup finds a file in a directory
func (fs *ShareFS) Lookup(dirHandle vfs.VfsHandle, name string) (attrs *vfs.Attributes, err error) {
	defer recoverPanic("Lookup", &err)
	log.Debugf("[VFS] Lookup: dirHandle=%d name=%q", dirHandle, name)
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	// Handle 0 means root directory
	dir := ""
	if dirHandle != 0 {
		info, ok := fs.handles.Get(HandleID(dirHandle))
		if !ok {
			return nil, EBADF
		}
		if !info.isDir {
			return nil, ENOTDIR
		}
		dir = info.path
	}
	return fs.attrs(common.JoinPath(dir, name))
}

// StatFS returns filesystem statistics
func (fs *ShareFS) StatFS(handle vfs.VfsHandle) (*vfs.FSAttributes, error) {
	attrs := &vfs.FSAttributes{}
	attrs.SetBlockSize(4096)
	attrs.SetIOSize(4096)
	attrs.SetBlocks(1000000)
	attrs.SetFreeBlocks(500000)
	attrs.SetAvailableBlocks(500000)
	attrs.SetFiles(100000)
	attrs.SetFreeFiles(50000)
	return attrs, nil
}

// --- File Management ---

// Unlink removes a file or empty directory. An open file is marked for
// deletion and goes away when its handle is closed.
func (fs *ShareFS) Unlink(handle vfs.VfsHandle) (err error) {
	defer recoverPanic("Unlink", &err)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	log.Debugf("[VFS] Unlink: handle=%d", handle)
	info, ok := fs.handles.Get(HandleID(handle))
	if !ok {
		return EBADF
	}

	switch {
	case info.isDir:
		return toErrno(fs.driver.DeleteDirectory(fs.ctx, fs.tree, info.path))
	case info.file != nil:
		if fs.driver.ReadOnly() {
			return EACCES
		}
		info.file.SetDeleteOnClose(true)
		return nil
	default:
		return toErrno(fs.driver.DeleteFile(fs.ctx, fs.tree, info.path))
	}
}

// Remove is Unlink under the name newer servers call.
func (fs *ShareFS) Remove(handle vfs.VfsHandle) error {
	return fs.Unlink(handle)
}

// renameTarget resolves the destination of a rename. Names containing a
// separator are share paths; a bare name stays in the source folder.
func renameTarget(from, newName string) string {
	if strings.ContainsAny(newName, `/\`) {
		return common.NormalizePath(newName)
	}
	return common.JoinPath(common.ParentPath(from), newName)
}

// Rename renames/moves a file
func (fs *ShareFS) Rename(handle vfs.VfsHandle, newName string, flags int) (err error) {
	defer recoverPanic("Rename", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[VFS] Rename handle=%d → %q: %v (%v)", handle, newName, err, time.Since(start)) }()
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	info, ok := fs.handles.Get(HandleID(handle))
	if !ok {
		return EBADF
	}

	to := renameTarget(info.path, newName)
	if to == "" {
		return EINVAL
	}
	replace := flags&0x01 != 0
	if err := fs.driver.RenameFile(fs.ctx, fs.tree, info.path, to, replace); err != nil {
		return toErrno(err)
	}
	fs.handles.Rename(info.path, to)
	return nil
}

// --- Symbolic Link Operations ---

// Readlink reads a symbolic link target. The repository has no links.
func (fs *ShareFS) Readlink(handle vfs.VfsHandle) (string, error) {
	if _, ok := fs.handles.Get(HandleID(handle)); !ok {
		return "", EBADF
	}
	return "", EINVAL
}

func (fs *ShareFS) Symlink(handle vfs.VfsHandle, target string, mode int) (*vfs.Attributes, error) {
	return nil, ENOTSUP
}

// Link creates a hard link
func (fs *ShareFS) Link(srcNode vfs.VfsNode, dstNode vfs.VfsNode, name string) (*vfs.Attributes, error) {
	return nil, ENOTSUP
}

// --- Extended Attributes (stub implementation) ---

func (fs *ShareFS) Listxattr(handle vfs.VfsHandle) ([]string, error) {
	return []string{}, nil
}

func (fs *ShareFS) Getxattr(handle vfs.VfsHandle, name string, buf []byte) (int, error) {
	return 0, ENODATA
}

func (fs *ShareFS) Setxattr(handle vfs.VfsHandle, name string, value []byte) error {
	// Silently succeed (some SMB clients expect this to work)
	return nil
}

func (fs *ShareFS) Removexattr(handle vfs.VfsHandle, name string) error {
	return nil
}

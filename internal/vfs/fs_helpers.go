package vfs

import (
	"runtime/debug"

	"github.com/macos-fuse-t/go-smb2/vfs"
	log "github.com/sirupsen/logrus"

	"repofs/internal/storage"
)

// recoverPanic recovers from panics in filesystem operations
// This is CRITICAL for preventing SMB server disconnections
func recoverPanic(operation string, err *error) {
	if r := recover(); r != nil {
		log.Errorf("[VFS] PANIC RECOVERED in %s: %v\nStack:\n%s", operation, r, debug.Stack())
		if err != nil {
			*err = EIO
		}
	}
}

// unixMode derives permission bits from the node attributes. Read-only
// nodes lose their write bits.
func unixMode(info *storage.FileInfo) uint32 {
	mode := uint32(0644)
	if info.IsFolder() {
		mode = 0755
	}
	if info.Attributes&storage.AttrReadOnly != 0 {
		mode &^= 0222
	}
	return mode
}

func infoToAttributes(info *storage.FileInfo) *vfs.Attributes {
	attrs := &vfs.Attributes{}
	mode := unixMode(info)

	attrs.SetFileHandle(vfs.VfsNode(info.Ino))
	attrs.SetInodeNumber(uint64(info.Ino))
	attrs.SetSizeBytes(uint64(info.Size))
	attrs.SetLinkCount(1)
	attrs.SetPermissions(vfs.NewPermissionsFromMode(mode))
	attrs.SetUnixMode(mode)
	attrs.SetLastDataModificationTime(info.Modified)
	attrs.SetLastStatusChangeTime(info.Changed)
	attrs.SetAccessTime(info.Accessed)
	attrs.SetBirthTime(info.Created)
	attrs.SetChangeID(uint64(info.Modified.UnixNano()))

	if info.IsFolder() {
		attrs.SetFileType(vfs.FileTypeDirectory)
	} else {
		attrs.SetFileType(vfs.FileTypeRegularFile)
	}
	return attrs
}

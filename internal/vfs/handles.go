package vfs

import (
	"sync"

	"repofs/internal/common"
	"repofs/internal/netfile"
)

// HandleID is the type for VFS handles
type HandleID uint64

// openHandle represents an open file or directory
type openHandle struct {
	path        string // share-relative path
	isDir       bool
	flags       int
	file        *netfile.File // nil for directories
	dirEnumDone bool          // True if directory enumeration completed (for SMB)
}

// HandleManager manages VFS handles
type HandleManager struct {
	mu         sync.RWMutex
	handles    map[HandleID]*openHandle
	nextHandle HandleID
}

// NewHandleManager creates a new handle manager
func NewHandleManager() *HandleManager {
	return &HandleManager{
		handles:    make(map[HandleID]*openHandle),
		nextHandle: 1,
	}
}

// AllocateFile creates a handle for an open file.
func (hm *HandleManager) AllocateFile(path string, f *netfile.File, flags int) HandleID {
	return hm.allocate(&openHandle{path: path, file: f, flags: flags})
}

// AllocateDir creates a handle for a directory.
func (hm *HandleManager) AllocateDir(path string) HandleID {
	return hm.allocate(&openHandle{path: path, isDir: true})
}

func (hm *HandleManager) allocate(h *openHandle) HandleID {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	id := hm.nextHandle
	hm.nextHandle++
	hm.handles[id] = h
	return id
}

// Get retrieves a handle's info. The returned value is a copy.
func (hm *HandleManager) Get(h HandleID) (openHandle, bool) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	info, ok := hm.handles[h]
	if !ok {
		return openHandle{}, false
	}
	return *info, true
}

// Release frees a handle and returns what it referred to.
func (hm *HandleManager) Release(h HandleID) (openHandle, bool) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	info, ok := hm.handles[h]
	if !ok {
		return openHandle{}, false
	}
	delete(hm.handles, h)
	return *info, true
}

// SetDirEnumDone marks directory enumeration as complete
func (hm *HandleManager) SetDirEnumDone(h HandleID, done bool) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if info, ok := hm.handles[h]; ok {
		info.dirEnumDone = done
	}
}

// IsDirEnumDone checks if directory enumeration is complete
func (hm *HandleManager) IsDirEnumDone(h HandleID) bool {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	if info, ok := hm.handles[h]; ok {
		return info.dirEnumDone
	}
	return false
}

// Rename moves every handle at or below from to the same place under to.
func (hm *HandleManager) Rename(from, to string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	for _, info := range hm.handles {
		if common.IsWithin(info.path, from) {
			info.path = common.JoinPath(to, info.path[len(from):])
		}
	}
}

// Files returns the open files of all handles.
func (hm *HandleManager) Files() []*netfile.File {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	var files []*netfile.File
	for _, info := range hm.handles {
		if info.file != nil {
			files = append(files, info.file)
		}
	}
	return files
}

// Clear removes all handles, returning the count of handles cleared
func (hm *HandleManager) Clear() int {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	count := len(hm.handles)
	hm.handles = make(map[HandleID]*openHandle)
	// Don't reset nextHandle to avoid handle ID reuse issues
	return count
}

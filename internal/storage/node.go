package storage

import (
	"time"

	"github.com/google/uuid"
)

// NodeRef is the stable identity of a node. It survives renames and moves.
type NodeRef string

// RootRef identifies the store root folder.
var RootRef = NodeRef(uuid.Nil.String())

// NewNodeRef allocates a fresh node identity.
func NewNodeRef() NodeRef {
	return NodeRef(uuid.NewString())
}

// NodeKind distinguishes files from folders
type NodeKind int

const (
	KindFile   NodeKind = 1
	KindFolder NodeKind = 2
)

func (k NodeKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindFolder:
		return "folder"
	default:
		return "unknown"
	}
}

// DOS file attribute bits kept on nodes.
const (
	AttrReadOnly  uint32 = 0x01
	AttrHidden    uint32 = 0x02
	AttrSystem    uint32 = 0x04
	AttrDirectory uint32 = 0x10
	AttrArchive   uint32 = 0x20
)

// Node is a repository file or folder.
type Node struct {
	Ino         int64
	Ref         NodeRef
	Parent      NodeRef // empty for the root and archived nodes
	Name        string
	Kind        NodeKind
	Size        int64
	Attributes  uint32
	NoContent   bool // created but no content pushed yet
	Version     int64
	Mimetype    string
	Owner       string
	LockOwner   string
	LockExpires time.Time
	Archived    bool
	Created     time.Time
	Modified    time.Time
	Accessed    time.Time
	Changed     time.Time
}

// IsFolder reports whether the node is a folder
func (n *Node) IsFolder() bool {
	return n.Kind == KindFolder
}

// LockedBy reports whether a lock other than owner's is in force at now.
func (n *Node) LockedBy(owner string, now time.Time) bool {
	if n.LockOwner == "" || n.LockOwner == owner {
		return false
	}
	return n.LockExpires.IsZero() || now.Before(n.LockExpires)
}

// Locked reports whether any unexpired lock is held at now.
func (n *Node) Locked(now time.Time) bool {
	return n.LockedBy("", now)
}

// VersionLabel renders the content version the way clients display it.
func (n *Node) VersionLabel() string {
	if n.Version == 0 {
		return ""
	}
	return versionLabel(n.Version)
}

// FileInfo snapshots the node as metadata for path.
func (n *Node) FileInfo(path string) *FileInfo {
	attrs := n.Attributes
	if n.IsFolder() {
		attrs |= AttrDirectory
	}
	return &FileInfo{
		Name:           n.Name,
		Path:           path,
		Ref:            n.Ref,
		Ino:            n.Ino,
		Kind:           n.Kind,
		Exists:         true,
		Size:           n.Size,
		AllocationSize: AllocationSize(n.Size),
		Created:        n.Created,
		Modified:       n.Modified,
		Accessed:       n.Accessed,
		Changed:        n.Changed,
		Attributes:     attrs,
		VersionLabel:   n.VersionLabel(),
	}
}

// NodeUpdate lists the metadata fields to change. Nil fields are left alone.
type NodeUpdate struct {
	Size       *int64
	Attributes *uint32
	Created    *time.Time
	Modified   *time.Time
	Accessed   *time.Time
}

// FileInfo is the metadata snapshot handed to protocol callers and cached.
type FileInfo struct {
	Name           string
	Path           string
	Ref            NodeRef
	Ino            int64
	Kind           NodeKind
	Exists         bool
	Size           int64
	AllocationSize int64
	Created        time.Time
	Modified       time.Time
	Accessed       time.Time
	Changed        time.Time
	Attributes     uint32
	VersionLabel   string
}

// IsFolder reports whether the metadata describes a folder
func (fi *FileInfo) IsFolder() bool {
	return fi.Kind == KindFolder
}

// IsContentFile reports whether the metadata describes a content file
func (fi *FileInfo) IsContentFile() bool {
	return fi.Kind == KindFile
}

// Clone returns an independent copy.
func (fi *FileInfo) Clone() *FileInfo {
	if fi == nil {
		return nil
	}
	c := *fi
	return &c
}

// AllocationSize rounds size up to whole 4KB clusters.
func AllocationSize(size int64) int64 {
	const cluster = 4096
	if size <= 0 {
		return 0
	}
	return (size + cluster - 1) / cluster * cluster
}

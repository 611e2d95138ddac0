package command

import (
	"repofs/internal/netfile"
	"repofs/internal/storage"
)

// OpenMode is the access mode a client asked for when opening a file.
type OpenMode int

const (
	ModeReadOnly OpenMode = iota
	ModeWriteOnly
	ModeReadWrite
	ModeAttributesOnly
	ModeDelete
)

func (m OpenMode) String() string {
	switch m {
	case ModeReadOnly:
		return "read-only"
	case ModeWriteOnly:
		return "write-only"
	case ModeReadWrite:
		return "read-write"
	case ModeAttributesOnly:
		return "attributes-only"
	case ModeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Writes reports whether the mode needs write access to the content.
func (m OpenMode) Writes() bool {
	return m == ModeWriteOnly || m == ModeReadWrite || m == ModeDelete
}

// Operation is an incoming filesystem request. Only the types in this file
// implement it.
type Operation interface {
	operation()
	// FileName is the name the operation is about, relative to its folder.
	FileName() string
}

// CreateOp creates a new file.
type CreateOp struct {
	Name           string
	Root           storage.NodeRef
	Path           string
	AllocationSize int64
}

// OpenOp opens an existing file.
type OpenOp struct {
	Name     string
	Root     storage.NodeRef
	Path     string
	Mode     OpenMode
	Truncate bool
}

// DeleteOp deletes a file.
type DeleteOp struct {
	Name string
	Root storage.NodeRef
	Path string
}

// RenameOp renames a file within its folder or moves it.
//
// TargetExists is filled in by the caller from what it already knows about
// NewPath so that evaluation needs no repository access.
type RenameOp struct {
	OldName      string
	NewName      string
	OldPath      string
	NewPath      string
	Root         storage.NodeRef
	TargetExists bool
	Replace      bool
}

// CloseOp closes an open file.
type CloseOp struct {
	Name          string
	Root          storage.NodeRef
	Path          string
	File          *netfile.File
	DeleteOnClose bool
}

func (CreateOp) operation() {}
func (OpenOp) operation()   {}
func (DeleteOp) operation() {}
func (RenameOp) operation() {}
func (CloseOp) operation()  {}

func (o CreateOp) FileName() string { return o.Name }
func (o OpenOp) FileName() string   { return o.Name }
func (o DeleteOp) FileName() string { return o.Name }
func (o RenameOp) FileName() string { return o.OldName }
func (o CloseOp) FileName() string  { return o.Name }

// Package command defines the plans the rule evaluator produces and the
// executor runs.
//
// Command is a closed set of value types. Adding a variant means adding a
// method to Visitor, which breaks every implementation until it handles the
// new kind.
package command

import (
	"fmt"

	"repofs/internal/netfile"
	"repofs/internal/storage"
)

// TxRequirement is the transaction a command needs. Values are ordered from
// weakest to strictest.
type TxRequirement int

const (
	TxNone TxRequirement = iota
	TxReadOnly
	TxReadWrite
)

func (r TxRequirement) String() string {
	switch r {
	case TxNone:
		return "none"
	case TxReadOnly:
		return "read-only"
	case TxReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("TxRequirement(%d)", int(r))
	}
}

// Kind names a command variant.
type Kind int

const (
	KindCreateFile Kind = iota
	KindOpenFile
	KindCloseFile
	KindDeleteFile
	KindRenameFile
	KindCopyContent
	KindReduceQuota
	KindRemoveTempFile
	KindRemoveEmptyFileOnError
	KindReturnValue
	KindResultCallback
	KindDoNothing
	KindCompound

	numKinds
)

var kindNames = [numKinds]string{
	KindCreateFile:             "create_file",
	KindOpenFile:               "open_file",
	KindCloseFile:              "close_file",
	KindDeleteFile:             "delete_file",
	KindRenameFile:             "rename_file",
	KindCopyContent:            "copy_content",
	KindReduceQuota:            "reduce_quota",
	KindRemoveTempFile:         "remove_temp_file",
	KindRemoveEmptyFileOnError: "remove_empty_file_on_error",
	KindReturnValue:            "return_value",
	KindResultCallback:         "result_callback",
	KindDoNothing:              "do_nothing",
	KindCompound:               "compound",
}

func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Kinds lists every command kind.
func Kinds() []Kind {
	out := make([]Kind, numKinds)
	for i := range out {
		out[i] = Kind(i)
	}
	return out
}

// Command is one unit of planned work.
type Command interface {
	Kind() Kind
	// Requirement is the transaction this command needs on its own.
	Requirement() TxRequirement
	accept(v Visitor) (any, error)
}

// Visitor handles every command variant.
type Visitor interface {
	CreateFile(CreateFile) (any, error)
	OpenFile(OpenFile) (any, error)
	CloseFile(CloseFile) (any, error)
	DeleteFile(DeleteFile) (any, error)
	RenameFile(RenameFile) (any, error)
	CopyContent(CopyContent) (any, error)
	ReduceQuota(ReduceQuota) (any, error)
	RemoveTempFile(RemoveTempFile) (any, error)
	RemoveEmptyFileOnError(RemoveEmptyFileOnError) (any, error)
	ReturnValue(ReturnValue) (any, error)
	ResultCallback(ResultCallback) (any, error)
	DoNothing(DoNothing) (any, error)
	Compound(*Compound) (any, error)
}

// Visit dispatches c to the matching Visitor method.
func Visit(c Command, v Visitor) (any, error) {
	return c.accept(v)
}

// CreateFile creates a file at Path below Root and opens it.
type CreateFile struct {
	Root           storage.NodeRef
	Path           string
	AllocationSize int64
}

// OpenFile opens the file at Path below Root.
type OpenFile struct {
	Root     storage.NodeRef
	Path     string
	Mode     OpenMode
	Truncate bool
}

// CloseFile pushes an open file's content back and closes it.
type CloseFile struct {
	Root storage.NodeRef
	Path string
	File *netfile.File
}

// DeleteFile deletes the file at Path.
type DeleteFile struct {
	Root storage.NodeRef
	Path string
}

// RenameFile moves FromPath to ToPath, keeping node identity.
type RenameFile struct {
	Root     storage.NodeRef
	FromPath string
	ToPath   string
	Replace  bool
}

// CopyContent writes FromPath's content onto ToPath as a new version of
// ToPath. ToPath keeps its identity and history.
type CopyContent struct {
	Root     storage.NodeRef
	FromPath string
	ToPath   string
}

// ReduceQuota returns the quota bytes File allocated.
type ReduceQuota struct {
	File *netfile.File
}

// RemoveTempFile deletes File's local temp file.
type RemoveTempFile struct {
	File *netfile.File
}

// RemoveEmptyFileOnError deletes Path if it still has no content.
type RemoveEmptyFileOnError struct {
	Root storage.NodeRef
	Path string
}

// ReturnValue yields Value as its result.
type ReturnValue struct {
	Value any
}

// ResultCallback receives the result of the main phase that ran before it.
type ResultCallback struct {
	Fn func(last any) error
}

// DoNothing has no effect.
type DoNothing struct{}

func (CreateFile) Kind() Kind             { return KindCreateFile }
func (OpenFile) Kind() Kind               { return KindOpenFile }
func (CloseFile) Kind() Kind              { return KindCloseFile }
func (DeleteFile) Kind() Kind             { return KindDeleteFile }
func (RenameFile) Kind() Kind             { return KindRenameFile }
func (CopyContent) Kind() Kind            { return KindCopyContent }
func (ReduceQuota) Kind() Kind            { return KindReduceQuota }
func (RemoveTempFile) Kind() Kind         { return KindRemoveTempFile }
func (RemoveEmptyFileOnError) Kind() Kind { return KindRemoveEmptyFileOnError }
func (ReturnValue) Kind() Kind            { return KindReturnValue }
func (ResultCallback) Kind() Kind         { return KindResultCallback }
func (DoNothing) Kind() Kind              { return KindDoNothing }

func (CreateFile) Requirement() TxRequirement { return TxReadWrite }

// Requirement is read-only unless the open may change content.
func (c OpenFile) Requirement() TxRequirement {
	if c.Truncate || c.Mode.Writes() {
		return TxReadWrite
	}
	return TxReadOnly
}

func (CloseFile) Requirement() TxRequirement              { return TxReadWrite }
func (DeleteFile) Requirement() TxRequirement             { return TxReadWrite }
func (RenameFile) Requirement() TxRequirement             { return TxReadWrite }
func (CopyContent) Requirement() TxRequirement            { return TxReadWrite }
func (ReduceQuota) Requirement() TxRequirement            { return TxNone }
func (RemoveTempFile) Requirement() TxRequirement         { return TxNone }
func (RemoveEmptyFileOnError) Requirement() TxRequirement { return TxReadWrite }
func (ReturnValue) Requirement() TxRequirement            { return TxNone }
func (ResultCallback) Requirement() TxRequirement         { return TxNone }
func (DoNothing) Requirement() TxRequirement              { return TxNone }

func (c CreateFile) accept(v Visitor) (any, error)             { return v.CreateFile(c) }
func (c OpenFile) accept(v Visitor) (any, error)               { return v.OpenFile(c) }
func (c CloseFile) accept(v Visitor) (any, error)              { return v.CloseFile(c) }
func (c DeleteFile) accept(v Visitor) (any, error)             { return v.DeleteFile(c) }
func (c RenameFile) accept(v Visitor) (any, error)             { return v.RenameFile(c) }
func (c CopyContent) accept(v Visitor) (any, error)            { return v.CopyContent(c) }
func (c ReduceQuota) accept(v Visitor) (any, error)            { return v.ReduceQuota(c) }
func (c RemoveTempFile) accept(v Visitor) (any, error)         { return v.RemoveTempFile(c) }
func (c RemoveEmptyFileOnError) accept(v Visitor) (any, error) { return v.RemoveEmptyFileOnError(c) }
func (c ReturnValue) accept(v Visitor) (any, error)            { return v.ReturnValue(c) }
func (c ResultCallback) accept(v Visitor) (any, error)         { return v.ResultCallback(c) }
func (c DoNothing) accept(v Visitor) (any, error)              { return v.DoNothing(c) }

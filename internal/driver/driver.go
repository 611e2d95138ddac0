// Package driver is the disk driver of one share: the entry point the
// protocol binding calls for every filesystem primitive.
//
// Create, open, close, delete and rename are described as operations, turned
// into command plans by the rule evaluator and run by the executor, so save
// sequences of desktop applications keep node identity and version history.
// The remaining primitives go to the repository directly.
package driver

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"repofs/internal/cache"
	"repofs/internal/command"
	"repofs/internal/common"
	"repofs/internal/compare"
	"repofs/internal/executor"
	"repofs/internal/filestate"
	"repofs/internal/netfile"
	"repofs/internal/quota"
	"repofs/internal/rules"
	"repofs/internal/session"
	"repofs/internal/storage"
)

// Node properties maintained by the driver.
const (
	PropCreator  = "creator"
	PropModifier = "modifier"
)

// Options configures a Driver.
type Options struct {
	Share    string
	Root     storage.NodeRef
	ReadOnly bool

	Store     *storage.Store
	Cache     *cache.MetadataCache
	Files     *filestate.Table
	Evaluator *rules.Evaluator

	// Quota is optional. Without it usage is not tracked.
	Quota      *quota.Manager
	Comparator compare.Comparator
	TempDir    string
}

// Driver serves one share.
type Driver struct {
	share    string
	root     storage.NodeRef
	readOnly bool

	store     *storage.Store
	cache     *cache.MetadataCache
	files     *filestate.Table
	corrector *filestate.Corrector
	rules     *rules.Evaluator
	quota     *quota.Manager
	cmp       compare.Comparator
	tempDir   string

	exec *executor.Executor
}

// New returns a driver for opts.
func New(opts Options) *Driver {
	d := &Driver{
		share:    opts.Share,
		root:     opts.Root,
		readOnly: opts.ReadOnly,
		store:    opts.Store,
		cache:    opts.Cache,
		files:    opts.Files,
		rules:    opts.Evaluator,
		quota:    opts.Quota,
		cmp:      opts.Comparator,
		tempDir:  opts.TempDir,
	}
	if d.cache == nil {
		d.cache = cache.NewMetadataCache(cache.DefaultTTL, cache.DefaultMaxEntries)
	}
	if d.files == nil {
		d.files = filestate.NewTable()
	}
	if d.rules == nil {
		d.rules = rules.New(rules.Options{TempPatterns: rules.DefaultTempPatterns})
	}
	if d.cmp == nil {
		d.cmp = compare.Bytes
	}
	if d.tempDir == "" {
		d.tempDir = os.TempDir()
	}
	d.corrector = filestate.NewCorrector(d.files)
	repo := &repository{d: d}
	d.exec = executor.New(repo, repo, d.store)
	return d
}

func (d *Driver) Share() string               { return d.share }
func (d *Driver) Root() storage.NodeRef       { return d.root }
func (d *Driver) ReadOnly() bool              { return d.readOnly }
func (d *Driver) Files() *filestate.Table     { return d.files }
func (d *Driver) Cache() *cache.MetadataCache { return d.cache }

func (d *Driver) writable(op, path string) error {
	if d.readOnly {
		return fmt.Errorf("%s %s on read-only share %s: %w", op, path, d.share, common.ErrAccessDenied)
	}
	return nil
}

// plan asks the evaluator what to do for op, holding folder's context.
func (d *Driver) plan(tree *session.Tree, folder string, op command.Operation) command.Command {
	var cmd command.Command
	tree.WithFolder(folder, d.rules.NewContext, func(ctx *rules.Context) {
		cmd = d.rules.Evaluate(ctx, op)
	})
	return cmd
}

// consumed reports whether a save sequence in folder already moved the
// content of name onto another name.
func (d *Driver) consumed(tree *session.Tree, folder, name string) bool {
	var done bool
	tree.WithFolder(folder, d.rules.NewContext, func(ctx *rules.Context) {
		done = ctx.Consumed(name)
	})
	return done
}

func (d *Driver) execute(ctx context.Context, tree *session.Tree, cmd command.Command) (any, error) {
	return d.exec.Execute(ctx, tree.Session(), tree, cmd)
}

func openedFile(path string, res any) (*netfile.File, error) {
	f, ok := res.(*netfile.File)
	if !ok || f == nil {
		return nil, fmt.Errorf("%w: %s yielded %T", common.ErrContractViolation, path, res)
	}
	return f, nil
}

// TreeOpened connects sess to the share.
func (d *Driver) TreeOpened(sess *session.Session) *session.Tree {
	log.Debugf("[Driver] %s: tree opened by %s", d.share, sess.User())
	return sess.OpenTree(d.share)
}

// TreeClosed closes every file sess still holds open on the share and
// disconnects it.
func (d *Driver) TreeClosed(ctx context.Context, sess *session.Session) error {
	tree, ok := sess.Tree(d.share)
	if !ok {
		return nil
	}
	var errs *multierror.Error
	for _, f := range tree.OpenFiles() {
		if err := d.CloseFile(ctx, tree, f); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close %s: %w", f.Path(), err))
		}
	}
	sess.CloseTree(d.share)
	log.Debugf("[Driver] %s: tree closed by %s", d.share, sess.User())
	return errs.ErrorOrNil()
}

// CreateFile creates path and returns it open for read and write.
func (d *Driver) CreateFile(ctx context.Context, tree *session.Tree, path string, allocationSize int64) (*netfile.File, error) {
	path = common.NormalizePath(path)
	if err := d.writable("create", path); err != nil {
		return nil, err
	}
	folder, name := common.SplitParent(path)
	if name == "" {
		return nil, fmt.Errorf("create share root: %w", common.ErrInvalidPath)
	}

	cmd := d.plan(tree, folder, command.CreateOp{Name: name, Root: d.root, Path: path, AllocationSize: allocationSize})
	res, err := d.execute(ctx, tree, cmd)
	if err != nil {
		return nil, err
	}
	f, err := openedFile(path, res)
	if err != nil {
		return nil, err
	}

	if _, err := d.files.Open(path, f.PID(), filestate.ShareAll, true); err != nil {
		return nil, err
	}
	tree.Track(f)
	d.cache.Invalidate(path)
	return f, nil
}

// OpenFile opens an existing file.
func (d *Driver) OpenFile(ctx context.Context, tree *session.Tree, path string, mode command.OpenMode, truncate bool) (*netfile.File, error) {
	path = common.NormalizePath(path)
	writes := mode.Writes() || truncate
	if writes {
		if err := d.writable("open", path); err != nil {
			return nil, err
		}
	}
	if _, err := d.files.Open(path, 0, filestate.ShareAll, writes); err != nil {
		return nil, err
	}

	folder, name := common.SplitParent(path)
	cmd := d.plan(tree, folder, command.OpenOp{Name: name, Root: d.root, Path: path, Mode: mode, Truncate: truncate})
	res, err := d.execute(ctx, tree, cmd)
	if err == nil {
		var f *netfile.File
		if f, err = openedFile(path, res); err == nil {
			tree.Track(f)
			if truncate {
				d.cache.Invalidate(path)
				d.updateLive(f)
			}
			return f, nil
		}
	}
	d.files.Close(path)
	return nil, err
}

// CloseFile closes f, pushing its content to the repository when it was
// written, or deleting it when it was marked delete-on-close.
func (d *Driver) CloseFile(ctx context.Context, tree *session.Tree, f *netfile.File) error {
	path := f.Path()
	folder, name := common.SplitParent(path)
	deleteOnClose := f.DeleteOnClose()
	consumed := d.consumed(tree, folder, name)

	op := command.CloseOp{Name: name, Root: d.root, Path: path, File: f, DeleteOnClose: deleteOnClose}
	cmd := d.plan(tree, folder, op)
	_, err := d.execute(ctx, tree, cmd)

	tree.Untrack(f)
	d.files.Close(path)
	d.cache.Invalidate(path)
	if err != nil {
		if rmErr := f.Remove(); rmErr != nil {
			log.Warnf("[Driver] %s: remove temp file of %s: %v", d.share, path, rmErr)
		}
		return err
	}

	if deleteOnClose {
		d.files.SetStatus(path, filestate.StatusNotExist)
	} else if f.Created() && !consumed && d.rules.TempMatcher().IsTemp(name) {
		// Keep the live entry of a fresh temp file around for the rename
		// that usually follows.
		d.files.Retain(path)
	}
	return nil
}

// DeleteFile deletes the file at path.
func (d *Driver) DeleteFile(ctx context.Context, tree *session.Tree, path string) error {
	path = common.NormalizePath(path)
	if err := d.writable("delete", path); err != nil {
		return err
	}
	folder, name := common.SplitParent(path)
	cmd := d.plan(tree, folder, command.DeleteOp{Name: name, Root: d.root, Path: path})

	d.cache.Invalidate(path)
	if _, err := d.execute(ctx, tree, cmd); err != nil {
		return err
	}
	d.files.Release(path)
	d.files.SetStatus(path, filestate.StatusNotExist)
	return nil
}

// RenameFile renames or moves from to to. With replace an existing target
// file is overwritten.
func (d *Driver) RenameFile(ctx context.Context, tree *session.Tree, from, to string, replace bool) error {
	from, to = common.NormalizePath(from), common.NormalizePath(to)
	if err := d.writable("rename", from); err != nil {
		return err
	}
	fromParent, fromName := common.SplitParent(from)
	_, toName := common.SplitParent(to)
	if fromName == "" || toName == "" {
		return fmt.Errorf("rename %s to %s: %w", from, to, common.ErrInvalidPath)
	}

	targetExists := false
	if common.PathKey(from) != common.PathKey(to) {
		exists, err := d.FileExists(ctx, tree, to)
		if err != nil {
			return err
		}
		targetExists = exists
	}

	op := command.RenameOp{
		OldName:      fromName,
		NewName:      toName,
		OldPath:      from,
		NewPath:      to,
		Root:         d.root,
		TargetExists: targetExists,
		Replace:      replace,
	}
	cmd := d.plan(tree, fromParent, op)
	if _, err := d.execute(ctx, tree, cmd); err != nil {
		return err
	}

	// Children of a renamed folder are cached under their old paths.
	d.cache.InvalidateAll()

	temp := d.rules.TempMatcher()
	if temp.IsTemp(fromName) && !temp.IsTemp(toName) {
		// Drop the hold CloseFile took on the fresh temp file.
		d.files.Release(from)
	}
	if d.consumed(tree, fromParent, fromName) {
		// The temp's content now lives in the target's node. Handles on the
		// temp keep their path so that closing them is housekeeping only.
		d.files.SetStatus(from, filestate.StatusNotExist)
		d.files.SetStatus(to, filestate.StatusExists)
		return nil
	}
	for _, f := range tree.OpenFiles() {
		if p := f.Path(); common.IsWithin(p, from) {
			moved := common.JoinPath(to, p[len(from):])
			d.files.Rename(p, moved)
			f.SetPath(moved)
		}
	}
	d.files.Rename(from, to)
	return nil
}

// ReadFile reads from f at off.
func (d *Driver) ReadFile(f *netfile.File, p []byte, off int64) (int, error) {
	return f.ReadAt(p, off)
}

// WriteFile writes p to f at off. Growth is charged to the user's quota
// before it is written.
func (d *Driver) WriteFile(f *netfile.File, p []byte, off int64) (int, error) {
	if !f.CanWrite() {
		return 0, fmt.Errorf("write %s: %w", f.Path(), common.ErrAccessDenied)
	}
	size := f.Size()
	growth := off + int64(len(p)) - size
	if err := d.allocate(f, growth); err != nil {
		return 0, err
	}
	n, err := f.WriteAt(p, off)
	if growth > 0 && n < len(p) {
		d.release(f, growth-max(off+int64(n)-size, 0))
	}
	if n > 0 {
		d.updateLive(f)
	}
	return n, err
}

// SeekFile moves the sequential position of f.
func (d *Driver) SeekFile(f *netfile.File, offset int64, whence int) (int64, error) {
	return f.Seek(offset, whence)
}

// FlushFile syncs the local content of f.
func (d *Driver) FlushFile(f *netfile.File) error {
	if err := f.Sync(); err != nil {
		return fmt.Errorf("flush %s: %v: %w", f.Path(), err, common.ErrIO)
	}
	d.updateLive(f)
	return nil
}

// TruncateFile sets the size of f.
func (d *Driver) TruncateFile(f *netfile.File, size int64) error {
	if !f.CanWrite() {
		return fmt.Errorf("truncate %s: %w", f.Path(), common.ErrAccessDenied)
	}
	delta := size - f.Size()
	if err := d.allocate(f, delta); err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		d.release(f, max(delta, 0))
		return err
	}
	if delta < 0 && d.quota != nil {
		d.quota.Release(f.User(), -delta)
		f.AddAllocated(-min(-delta, f.Allocated()))
	}
	d.updateLive(f)
	return nil
}

func (d *Driver) allocate(f *netfile.File, n int64) error {
	if d.quota == nil || n <= 0 {
		return nil
	}
	if err := d.quota.Allocate(f.User(), n); err != nil {
		return err
	}
	f.AddAllocated(n)
	return nil
}

func (d *Driver) release(f *netfile.File, n int64) {
	if d.quota == nil || n <= 0 {
		return
	}
	f.AddAllocated(-n)
	d.quota.Release(f.User(), n)
}

// updateLive publishes the size and times of an open file so metadata
// reads see them before the content is pushed.
func (d *Driver) updateLive(f *netfile.File) {
	size := f.Size()
	alloc := storage.AllocationSize(size)
	mod := f.Modified()
	live := filestate.Live{Size: &size, AllocationSize: &alloc}
	if !mod.IsZero() {
		live.Modified = &mod
		live.Changed = &mod
	}
	if acc := f.Accessed(); !acc.IsZero() {
		live.Accessed = &acc
	}
	d.files.Update(f.Path(), live)
}

package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/gabriel-vasile/mimetype"
	log "github.com/sirupsen/logrus"

	"repofs/internal/command"
	"repofs/internal/common"
	"repofs/internal/executor"
	"repofs/internal/netfile"
	"repofs/internal/storage"
)

// mimeBinary is what detection falls back to when it cannot tell.
const mimeBinary = "application/octet-stream"

// repository runs the executor's commands against the store.
type repository struct {
	d *Driver
}

var (
	_ executor.Repository = (*repository)(nil)
	_ executor.Disk       = (*repository)(nil)
)

func user(s executor.Scope) string {
	if s.Session == nil {
		return ""
	}
	return s.Session.User()
}

func diskFull(err error) error {
	if errors.Is(err, storage.ErrQuotaExceeded) {
		return fmt.Errorf("%v: %w", err, common.ErrDiskFull)
	}
	return err
}

func detect(data []byte) string {
	return mimetype.Detect(data).String()
}

func (r *repository) checkLock(n *storage.Node, tx *storage.Tx, owner string) error {
	if n.LockedBy(owner, tx.Now()) {
		return fmt.Errorf("%s is locked by %s: %w", n.Name, n.LockOwner, common.ErrAccessDenied)
	}
	return nil
}

// releaseOnCommit gives the stored size of n back to its owner once the
// deletion is committed.
func (r *repository) releaseOnCommit(tx *storage.Tx, n *storage.Node) {
	q := r.d.quota
	if q == nil || n.IsFolder() || n.Size == 0 {
		return
	}
	owner, size := n.Owner, n.Size
	tx.OnCommit(func() { q.Release(owner, size) })
}

func (r *repository) CreateFile(ctx context.Context, s executor.Scope, c command.CreateFile) (*netfile.File, error) {
	tx := s.Tx
	parentPath, name := common.SplitParent(c.Path)
	parent, err := tx.ResolvePath(ctx, c.Root, parentPath)
	if err != nil {
		return nil, err
	}
	if !parent.IsFolder() {
		return nil, fmt.Errorf("%s: %w", parentPath, common.ErrNotDir)
	}

	u := user(s)
	n, err := tx.CreateNode(ctx, parent.Ref, name, storage.KindFile, u)
	if err != nil {
		return nil, err
	}
	if err := tx.SetProperty(ctx, n.Ref, PropCreator, u); err != nil {
		return nil, err
	}
	log.Debugf("[Driver] %s: created %s (%s)", r.d.share, c.Path, n.Ref)

	return netfile.New(netfile.Options{
		Ref:      n.Ref,
		Path:     c.Path,
		Access:   netfile.AccessReadWrite,
		User:     u,
		Created:  true,
		Modified: n.Modified,
		Accessed: n.Accessed,
		TempDir:  r.d.tempDir,
	}), nil
}

func accessFor(mode command.OpenMode) netfile.Access {
	switch mode {
	case command.ModeReadOnly:
		return netfile.AccessRead
	case command.ModeWriteOnly:
		return netfile.AccessWrite
	case command.ModeReadWrite:
		return netfile.AccessReadWrite
	default:
		return netfile.AccessAttributes
	}
}

func (r *repository) OpenFile(ctx context.Context, s executor.Scope, c command.OpenFile) (*netfile.File, error) {
	tx := s.Tx
	n, err := tx.ResolvePath(ctx, c.Root, c.Path)
	if err != nil {
		return nil, err
	}
	if n.IsFolder() && c.Mode != command.ModeAttributesOnly {
		return nil, fmt.Errorf("%s: %w", c.Path, common.ErrIsDir)
	}

	u := user(s)
	if c.Mode.Writes() || c.Truncate {
		if err := r.checkLock(n, tx, u); err != nil {
			return nil, err
		}
	}

	access := accessFor(c.Mode)
	if c.Truncate && access == netfile.AccessAttributes {
		access = netfile.AccessWrite
	}

	var content []byte
	if access != netfile.AccessAttributes && !c.Truncate && !n.NoContent {
		ct, err := tx.ReadContent(ctx, n.Ref)
		if err != nil {
			return nil, err
		}
		content = ct.Data
	}
	if c.Truncate {
		r.releaseOnCommit(tx, n)
	}

	return netfile.New(netfile.Options{
		Ref:       n.Ref,
		Path:      c.Path,
		Access:    access,
		User:      u,
		Content:   content,
		Modified:  n.Modified,
		Accessed:  n.Accessed,
		TempDir:   r.d.tempDir,
		Truncated: c.Truncate,
	}), nil
}

func (r *repository) CloseFile(ctx context.Context, s executor.Scope, c command.CloseFile) error {
	tx := s.Tx
	f := c.File
	if f == nil {
		return fmt.Errorf("close %s without a file: %w", c.Path, common.ErrInvalidHandle)
	}
	n, err := tx.GetNode(ctx, f.Ref())
	if err != nil {
		if f.DeleteOnClose() && errors.Is(err, common.ErrNotFound) {
			return nil
		}
		return err
	}

	u := user(s)
	if f.DeleteOnClose() {
		if err := r.checkLock(n, tx, u); err != nil {
			return err
		}
		if err := tx.DeleteNode(ctx, n.Ref); err != nil {
			return err
		}
		r.releaseOnCommit(tx, n)
		log.Debugf("[Driver] %s: deleted %s on close", r.d.share, c.Path)
		return nil
	}

	if n.IsFolder() || (!f.Dirty() && !n.NoContent) {
		return nil
	}

	data, err := f.Content()
	if err != nil {
		return fmt.Errorf("%s: %v: %w", c.Path, err, common.ErrIO)
	}
	n, err = tx.WriteContent(ctx, n.Ref, data, detect(data))
	if err != nil {
		return diskFull(err)
	}
	if err := tx.SetProperty(ctx, n.Ref, PropModifier, u); err != nil {
		return err
	}
	if mod := f.Modified(); !mod.IsZero() {
		if _, err := tx.UpdateNode(ctx, n.Ref, storage.NodeUpdate{Modified: &mod}); err != nil {
			return err
		}
	}
	if log.IsLevelEnabled(log.DebugLevel) {
		log.Debugf("[Driver] %s: closed %s, %d bytes, version %s", r.d.share, c.Path, len(data), n.VersionLabel())
	}
	return nil
}

func (r *repository) DeleteFile(ctx context.Context, s executor.Scope, c command.DeleteFile) error {
	tx := s.Tx
	n, err := tx.ResolvePath(ctx, c.Root, c.Path)
	if err != nil {
		return err
	}
	if n.IsFolder() {
		return fmt.Errorf("%s: %w", c.Path, common.ErrIsDir)
	}
	if err := r.checkLock(n, tx, user(s)); err != nil {
		return err
	}
	if err := tx.DeleteNode(ctx, n.Ref); err != nil {
		return err
	}
	r.releaseOnCommit(tx, n)
	return nil
}

func (r *repository) RenameFile(ctx context.Context, s executor.Scope, c command.RenameFile) error {
	tx := s.Tx
	u := user(s)
	n, err := tx.ResolvePath(ctx, c.Root, c.FromPath)
	if err != nil {
		return err
	}
	if err := r.checkLock(n, tx, u); err != nil {
		return err
	}

	toParent, toName := common.SplitParent(c.ToPath)
	parent, err := tx.ResolvePath(ctx, c.Root, toParent)
	if err != nil {
		return err
	}
	if !parent.IsFolder() {
		return fmt.Errorf("%s: %w", toParent, common.ErrNotDir)
	}

	existing, err := tx.Lookup(ctx, parent.Ref, toName)
	switch {
	case errors.Is(err, common.ErrNotFound):
	case err != nil:
		return err
	case existing.Ref != n.Ref:
		if !c.Replace {
			return fmt.Errorf("%s: %w", c.ToPath, common.ErrExists)
		}
		if existing.IsFolder() {
			return fmt.Errorf("%s: %w", c.ToPath, common.ErrIsDir)
		}
		if err := r.checkLock(existing, tx, u); err != nil {
			return err
		}
		if err := tx.DeleteNode(ctx, existing.Ref); err != nil {
			return err
		}
		r.releaseOnCommit(tx, existing)
	}

	if _, err := tx.MoveNode(ctx, n.Ref, parent.Ref, toName); err != nil {
		return err
	}
	log.Debugf("[Driver] %s: renamed %s -> %s", r.d.share, c.FromPath, c.ToPath)
	return nil
}

// openContent returns the unsaved content of ref if this tree has it open
// and written.
func openContent(s executor.Scope, ref storage.NodeRef) ([]byte, bool, error) {
	if s.Tree == nil {
		return nil, false, nil
	}
	for _, f := range s.Tree.OpenFiles() {
		if f.Ref() != ref || !f.Dirty() {
			continue
		}
		data, err := f.Content()
		if err != nil {
			return nil, false, err
		}
		return data, true, nil
	}
	return nil, false, nil
}

func (r *repository) CopyContent(ctx context.Context, s executor.Scope, c command.CopyContent) error {
	tx := s.Tx
	src, err := tx.ResolvePath(ctx, c.Root, c.FromPath)
	if err != nil {
		return err
	}
	dst, err := tx.ResolvePath(ctx, c.Root, c.ToPath)
	if err != nil {
		return err
	}
	if src.IsFolder() || dst.IsFolder() {
		return fmt.Errorf("copy %s to %s: %w", c.FromPath, c.ToPath, common.ErrIsDir)
	}
	if err := r.checkLock(dst, tx, user(s)); err != nil {
		return err
	}

	data, open, err := openContent(s, src.Ref)
	if err != nil {
		return fmt.Errorf("%s: %v: %w", c.FromPath, err, common.ErrIO)
	}
	var mt string
	if open {
		mt = detect(data)
	} else {
		if src.NoContent {
			log.Debugf("[Driver] %s: %s has no content to copy", r.d.share, c.FromPath)
			return nil
		}
		ct, err := tx.ReadContent(ctx, src.Ref)
		if err != nil {
			return err
		}
		data, mt = ct.Data, ct.Mimetype
	}
	if (mt == "" || mt == mimeBinary) && dst.Mimetype != "" {
		// Detection failed; the target knows better.
		mt = dst.Mimetype
	}

	if !dst.NoContent {
		cur, err := tx.ReadContent(ctx, dst.Ref)
		if err != nil {
			return err
		}
		same, err := r.d.cmp.Equal(mt, cur.Data, data)
		if err != nil {
			log.Warnf("[Driver] %s: compare %s with %s: %v", r.d.share, c.FromPath, c.ToPath, err)
		} else if same {
			log.Debugf("[Driver] %s: %s unchanged, no new version", r.d.share, c.ToPath)
			return nil
		}
	}

	if _, err := tx.WriteContent(ctx, dst.Ref, data, mt); err != nil {
		return diskFull(err)
	}
	return tx.SetProperty(ctx, dst.Ref, PropModifier, user(s))
}

func (r *repository) DeleteEmptyFile(ctx context.Context, s executor.Scope, c command.RemoveEmptyFileOnError) error {
	tx := s.Tx
	n, err := tx.ResolvePath(ctx, c.Root, c.Path)
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if n.IsFolder() || !(n.NoContent || n.Size == 0) {
		return nil
	}
	log.Debugf("[Driver] %s: removing empty %s", r.d.share, c.Path)
	return tx.DeleteNode(ctx, n.Ref)
}

func (r *repository) ReduceQuota(s executor.Scope, f *netfile.File) {
	if r.d.quota == nil {
		return
	}
	if n := f.TakeAllocated(); n > 0 {
		r.d.quota.Release(f.User(), n)
	}
}

func (r *repository) RemoveTempFile(f *netfile.File) error {
	return f.Remove()
}

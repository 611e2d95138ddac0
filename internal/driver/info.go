package driver

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	log "github.com/sirupsen/logrus"

	"repofs/internal/common"
	"repofs/internal/filestate"
	"repofs/internal/session"
	"repofs/internal/storage"
)

func (d *Driver) loadInfo(ctx context.Context, p string) (*storage.FileInfo, error) {
	var info *storage.FileInfo
	err := d.store.RunInTransaction(ctx, true, func(ctx context.Context, tx *storage.Tx) error {
		n, err := tx.ResolvePath(ctx, d.root, p)
		if err != nil {
			return err
		}
		info = n.FileInfo(p)
		return nil
	})
	return info, err
}

// GetFileInformation returns the metadata of path, corrected with the live
// state of open files.
func (d *Driver) GetFileInformation(ctx context.Context, tree *session.Tree, p string) (*storage.FileInfo, error) {
	p = common.NormalizePath(p)
	if e, ok := d.files.Snapshot(p); ok && e.Status == filestate.StatusNotExist {
		return nil, fmt.Errorf("%s: %w", p, common.ErrNotFound)
	}
	info, err := d.cache.GetMetadata(tree.Session().User(), p, func() (*storage.FileInfo, error) {
		return d.loadInfo(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	d.corrector.Correct(info, common.ParentPath(p))
	return info, nil
}

// FileExists reports whether path names a file or folder.
func (d *Driver) FileExists(ctx context.Context, tree *session.Tree, p string) (bool, error) {
	_, err := d.GetFileInformation(ctx, tree, p)
	if errors.Is(err, common.ErrNotFound) || errors.Is(err, common.ErrNotDir) {
		return false, nil
	}
	return err == nil, err
}

// matchName matches an SMB search pattern against a name, ignoring case.
func matchName(pattern, name string) bool {
	if pattern == "" || pattern == "*" || pattern == "*.*" {
		return true
	}
	pattern, name = strings.ToLower(pattern), strings.ToLower(name)
	if !strings.ContainsAny(pattern, "*?[") {
		return pattern == name
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

// StartSearch lists the entries of folder matching pattern.
func (d *Driver) StartSearch(ctx context.Context, tree *session.Tree, folder, pattern string) ([]*storage.FileInfo, error) {
	folder = common.NormalizePath(folder)
	var infos []*storage.FileInfo
	err := d.store.RunInTransaction(ctx, true, func(ctx context.Context, tx *storage.Tx) error {
		infos = infos[:0]
		dir, err := tx.ResolvePath(ctx, d.root, folder)
		if err != nil {
			return err
		}
		if !dir.IsFolder() {
			return fmt.Errorf("%s: %w", folder, common.ErrNotDir)
		}
		children, err := tx.ListChildren(ctx, dir.Ref)
		if err != nil {
			return err
		}
		for _, n := range children {
			if matchName(pattern, n.Name) {
				infos = append(infos, n.FileInfo(common.JoinPath(folder, n.Name)))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	u := tree.Session().User()
	for _, info := range infos {
		d.cache.Put(u, info.Path, info)
		d.corrector.Correct(info, folder)
	}
	log.Tracef("[Driver] %s: search %s/%s matched %d", d.share, folder, pattern, len(infos))
	return infos, nil
}

// SetFileInformation updates the metadata of path.
func (d *Driver) SetFileInformation(ctx context.Context, tree *session.Tree, p string, upd storage.NodeUpdate) error {
	p = common.NormalizePath(p)
	if err := d.writable("set info", p); err != nil {
		return err
	}
	u := tree.Session().User()
	err := d.store.RunInTransaction(ctx, false, func(ctx context.Context, tx *storage.Tx) error {
		n, err := tx.ResolvePath(ctx, d.root, p)
		if err != nil {
			return err
		}
		if n.LockedBy(u, tx.Now()) {
			return fmt.Errorf("%s is locked by %s: %w", p, n.LockOwner, common.ErrAccessDenied)
		}
		_, err = tx.UpdateNode(ctx, n.Ref, upd)
		return err
	})
	if err != nil {
		return err
	}
	d.cache.Invalidate(p)
	d.files.Update(p, filestate.Live{Modified: upd.Modified, Accessed: upd.Accessed})
	return nil
}

// CreateDirectory creates the folder path.
func (d *Driver) CreateDirectory(ctx context.Context, tree *session.Tree, p string) error {
	p = common.NormalizePath(p)
	if err := d.writable("mkdir", p); err != nil {
		return err
	}
	parentPath, name := common.SplitParent(p)
	if name == "" {
		return fmt.Errorf("mkdir share root: %w", common.ErrExists)
	}
	u := tree.Session().User()
	err := d.store.RunInTransaction(ctx, false, func(ctx context.Context, tx *storage.Tx) error {
		parent, err := tx.ResolvePath(ctx, d.root, parentPath)
		if err != nil {
			return err
		}
		if !parent.IsFolder() {
			return fmt.Errorf("%s: %w", parentPath, common.ErrNotDir)
		}
		n, err := tx.CreateNode(ctx, parent.Ref, name, storage.KindFolder, u)
		if err != nil {
			return err
		}
		return tx.SetProperty(ctx, n.Ref, PropCreator, u)
	})
	if err != nil {
		return err
	}
	d.cache.Invalidate(p)
	return nil
}

// DeleteDirectory deletes the empty folder path.
func (d *Driver) DeleteDirectory(ctx context.Context, tree *session.Tree, p string) error {
	p = common.NormalizePath(p)
	if err := d.writable("rmdir", p); err != nil {
		return err
	}
	if p == "" {
		return fmt.Errorf("rmdir share root: %w", common.ErrAccessDenied)
	}
	u := tree.Session().User()
	d.cache.Invalidate(p)
	return d.store.RunInTransaction(ctx, false, func(ctx context.Context, tx *storage.Tx) error {
		n, err := tx.ResolvePath(ctx, d.root, p)
		if err != nil {
			return err
		}
		if !n.IsFolder() {
			return fmt.Errorf("%s: %w", p, common.ErrNotDir)
		}
		if n.LockedBy(u, tx.Now()) {
			return fmt.Errorf("%s is locked by %s: %w", p, n.LockOwner, common.ErrAccessDenied)
		}
		return tx.DeleteNode(ctx, n.Ref)
	})
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"repofs/internal/common"
)

// maxDepth guards parent walks against a corrupted (cyclic) tree.
const maxDepth = 512

func nameKey(name string) string {
	return strings.ToLower(name)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, common.ErrNotFound)
	}
	return err
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("name %q: %w", name, common.ErrInvalidPath)
	}
	return nil
}

func (tx *Tx) getModel(ctx context.Context, ref NodeRef) (*NodeModel, error) {
	var m NodeModel
	err := tx.db().NewSelect().
		Model(&m).
		Where("ref = ?", string(ref)).
		Where("archived = 0").
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, "node "+string(ref))
	}
	return &m, nil
}

// GetNode returns the live node with the given identity.
// Archived nodes are reported as not found.
func (tx *Tx) GetNode(ctx context.Context, ref NodeRef) (*Node, error) {
	m, err := tx.getModel(ctx, ref)
	if err != nil {
		return nil, err
	}
	return m.ToNode(), nil
}

// Lookup finds a child of parent by name, ignoring case.
func (tx *Tx) Lookup(ctx context.Context, parent NodeRef, name string) (*Node, error) {
	var m NodeModel
	err := tx.db().NewSelect().
		Model(&m).
		Where("parent_ref = ?", string(parent)).
		Where("name_key = ?", nameKey(name)).
		Where("archived = 0").
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, name)
	}
	return m.ToNode(), nil
}

// ResolvePath walks path below root.
func (tx *Tx) ResolvePath(ctx context.Context, root NodeRef, path string) (*Node, error) {
	n, err := tx.GetNode(ctx, root)
	if err != nil {
		return nil, err
	}
	for _, part := range common.SplitPath(path) {
		if !n.IsFolder() {
			return nil, fmt.Errorf("%s: %w", path, common.ErrNotDir)
		}
		n, err = tx.Lookup(ctx, n.Ref, part)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				return nil, fmt.Errorf("%s: %w", path, common.ErrNotFound)
			}
			return nil, err
		}
	}
	return n, nil
}

// PathOf returns the path of ref relative to root. Nodes outside root are
// reported as not found.
func (tx *Tx) PathOf(ctx context.Context, root, ref NodeRef) (string, error) {
	var parts []string
	cur := ref
	for i := 0; i < maxDepth; i++ {
		if cur == root {
			for l, r := 0, len(parts)-1; l < r; l, r = l+1, r-1 {
				parts[l], parts[r] = parts[r], parts[l]
			}
			return strings.Join(parts, "/"), nil
		}
		n, err := tx.GetNode(ctx, cur)
		if err != nil {
			return "", err
		}
		if n.Parent == "" {
			return "", fmt.Errorf("node %s is outside %s: %w", ref, root, common.ErrNotFound)
		}
		parts = append(parts, n.Name)
		cur = n.Parent
	}
	return "", fmt.Errorf("node %s: tree deeper than %d: %w", ref, maxDepth, common.ErrIO)
}

// ListChildren returns the live children of a folder ordered by name.
func (tx *Tx) ListChildren(ctx context.Context, parent NodeRef) ([]*Node, error) {
	var models []NodeModel
	err := tx.db().NewSelect().
		Model(&models).
		Where("parent_ref = ?", string(parent)).
		Where("archived = 0").
		Order("name_key ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	nodes := make([]*Node, len(models))
	for i := range models {
		nodes[i] = models[i].ToNode()
	}
	return nodes, nil
}

func (tx *Tx) hasChildren(ctx context.Context, parent NodeRef) (bool, error) {
	return tx.db().NewSelect().
		Model((*NodeModel)(nil)).
		Where("parent_ref = ?", string(parent)).
		Where("archived = 0").
		Exists(ctx)
}

// CreateNode creates a file or folder named name in parent. New files carry
// no content until the first content push.
func (tx *Tx) CreateNode(ctx context.Context, parent NodeRef, name string, kind NodeKind, owner string) (*Node, error) {
	if err := tx.writable(); err != nil {
		return nil, err
	}
	if err := validName(name); err != nil {
		return nil, err
	}
	p, err := tx.GetNode(ctx, parent)
	if err != nil {
		return nil, err
	}
	if !p.IsFolder() {
		return nil, fmt.Errorf("%s: %w", p.Name, common.ErrNotDir)
	}
	if _, err := tx.Lookup(ctx, parent, name); err == nil {
		return nil, fmt.Errorf("%s: %w", name, common.ErrExists)
	} else if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	now := toNanos(tx.now)
	m := &NodeModel{
		Ref:        string(NewNodeRef()),
		ParentRef:  sql.NullString{String: string(parent), Valid: true},
		Name:       name,
		NameKey:    nameKey(name),
		Kind:       int64(kind),
		NoContent:  kind == KindFile,
		Owner:      owner,
		CreatedAt:  now,
		ModifiedAt: now,
		AccessedAt: now,
		ChangedAt:  now,
	}
	// Use RETURNING clause to get the ino (libsql doesn't support LastInsertId)
	if _, err := tx.db().NewInsert().Model(m).Returning("ino").Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%s: %w", name, common.ErrExists)
		}
		return nil, err
	}

	n := m.ToNode()
	tx.store.policies.fireCreate(ctx, tx, n)
	return n, nil
}

// DeleteNode removes a node. Folders must be empty. With ArchiveOnDelete a
// file is moved out of the tree instead, keeping its content history, and
// the after-delete policies do not fire.
func (tx *Tx) DeleteNode(ctx context.Context, ref NodeRef) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if ref == RootRef {
		return fmt.Errorf("delete root: %w", common.ErrAccessDenied)
	}
	n, err := tx.GetNode(ctx, ref)
	if err != nil {
		return err
	}
	if n.IsFolder() {
		busy, err := tx.hasChildren(ctx, ref)
		if err != nil {
			return err
		}
		if busy {
			return fmt.Errorf("%s: %w", n.Name, common.ErrNotEmpty)
		}
	}

	tx.store.policies.fireBeforeDelete(ctx, tx, n)

	if tx.store.opts.ArchiveOnDelete && !n.IsFolder() {
		_, err := tx.db().NewUpdate().
			Model((*NodeModel)(nil)).
			Set("parent_ref = NULL").
			Set("archived = 1").
			Set("changed_at = ?", toNanos(tx.now)).
			Where("ref = ?", string(ref)).
			Exec(ctx)
		return err
	}

	if _, err := tx.db().NewDelete().Model((*ContentModel)(nil)).Where("node_ref = ?", string(ref)).Exec(ctx); err != nil {
		return err
	}
	if _, err := tx.db().NewDelete().Model((*PropertyModel)(nil)).Where("node_ref = ?", string(ref)).Exec(ctx); err != nil {
		return err
	}
	if _, err := tx.db().NewDelete().Model((*NodeModel)(nil)).Where("ref = ?", string(ref)).Exec(ctx); err != nil {
		return err
	}

	tx.store.policies.fireDelete(ctx, tx, n)
	return nil
}

// MoveNode renames ref and/or moves it under newParent. The node keeps its
// identity, content and version history.
func (tx *Tx) MoveNode(ctx context.Context, ref, newParent NodeRef, newName string) (*Node, error) {
	if err := tx.writable(); err != nil {
		return nil, err
	}
	if ref == RootRef {
		return nil, fmt.Errorf("move root: %w", common.ErrAccessDenied)
	}
	if err := validName(newName); err != nil {
		return nil, err
	}
	n, err := tx.GetNode(ctx, ref)
	if err != nil {
		return nil, err
	}
	p, err := tx.GetNode(ctx, newParent)
	if err != nil {
		return nil, err
	}
	if !p.IsFolder() {
		return nil, fmt.Errorf("%s: %w", p.Name, common.ErrNotDir)
	}
	if n.IsFolder() {
		if err := tx.checkNotBelow(ctx, newParent, ref); err != nil {
			return nil, err
		}
	}
	if existing, err := tx.Lookup(ctx, newParent, newName); err == nil {
		if existing.Ref != ref {
			return nil, fmt.Errorf("%s: %w", newName, common.ErrExists)
		}
	} else if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	_, err = tx.db().NewUpdate().
		Model((*NodeModel)(nil)).
		Set("parent_ref = ?", string(newParent)).
		Set("name = ?", newName).
		Set("name_key = ?", nameKey(newName)).
		Set("changed_at = ?", toNanos(tx.now)).
		Where("ref = ?", string(ref)).
		Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%s: %w", newName, common.ErrExists)
		}
		return nil, err
	}

	after, err := tx.GetNode(ctx, ref)
	if err != nil {
		return nil, err
	}
	tx.store.policies.fireMove(ctx, tx, after, n.Parent, n.Name)
	return after, nil
}

// checkNotBelow fails when folder is ancestor itself or one of its descendants.
func (tx *Tx) checkNotBelow(ctx context.Context, folder, ancestor NodeRef) error {
	cur := folder
	for i := 0; i < maxDepth && cur != ""; i++ {
		if cur == ancestor {
			return fmt.Errorf("move folder into itself: %w", common.ErrInvalidPath)
		}
		n, err := tx.GetNode(ctx, cur)
		if err != nil {
			return err
		}
		cur = n.Parent
	}
	return nil
}

// UpdateNode applies metadata changes.
func (tx *Tx) UpdateNode(ctx context.Context, ref NodeRef, upd NodeUpdate) (*Node, error) {
	if err := tx.writable(); err != nil {
		return nil, err
	}
	before, err := tx.GetNode(ctx, ref)
	if err != nil {
		return nil, err
	}

	q := tx.db().NewUpdate().
		Model((*NodeModel)(nil)).
		Set("changed_at = ?", toNanos(tx.now)).
		Where("ref = ?", string(ref))
	if upd.Size != nil {
		q = q.Set("size = ?", *upd.Size)
	}
	if upd.Attributes != nil {
		q = q.Set("attributes = ?", int64(*upd.Attributes))
	}
	if upd.Created != nil {
		q = q.Set("created_at = ?", toNanos(*upd.Created))
	}
	if upd.Modified != nil {
		q = q.Set("modified_at = ?", toNanos(*upd.Modified))
	}
	if upd.Accessed != nil {
		q = q.Set("accessed_at = ?", toNanos(*upd.Accessed))
	}
	if _, err := q.Exec(ctx); err != nil {
		return nil, err
	}

	after, err := tx.GetNode(ctx, ref)
	if err != nil {
		return nil, err
	}
	tx.store.policies.fireUpdate(ctx, tx, before, after)
	return after, nil
}

// Lock takes an advisory lock on ref for owner. A ttl of zero never expires.
func (tx *Tx) Lock(ctx context.Context, ref NodeRef, owner string, ttl time.Duration) error {
	if err := tx.writable(); err != nil {
		return err
	}
	before, err := tx.GetNode(ctx, ref)
	if err != nil {
		return err
	}
	if before.LockedBy(owner, tx.now) {
		return fmt.Errorf("%s locked by %s: %w", before.Name, before.LockOwner, common.ErrAccessDenied)
	}
	var expires int64
	if ttl > 0 {
		expires = toNanos(tx.now.Add(ttl))
	}
	return tx.setLock(ctx, before, owner, expires)
}

// Unlock releases owner's lock on ref. Expired locks of other owners may be
// cleared by anyone.
func (tx *Tx) Unlock(ctx context.Context, ref NodeRef, owner string) error {
	if err := tx.writable(); err != nil {
		return err
	}
	before, err := tx.GetNode(ctx, ref)
	if err != nil {
		return err
	}
	if before.LockOwner == "" {
		return nil
	}
	if before.LockedBy(owner, tx.now) {
		return fmt.Errorf("%s locked by %s: %w", before.Name, before.LockOwner, common.ErrAccessDenied)
	}
	return tx.setLock(ctx, before, "", 0)
}

func (tx *Tx) setLock(ctx context.Context, before *Node, owner string, expires int64) error {
	_, err := tx.db().NewUpdate().
		Model((*NodeModel)(nil)).
		Set("lock_owner = ?", owner).
		Set("lock_expires = ?", expires).
		Where("ref = ?", string(before.Ref)).
		Exec(ctx)
	if err != nil {
		return err
	}
	after, err := tx.GetNode(ctx, before.Ref)
	if err != nil {
		return err
	}
	tx.store.policies.fireUpdate(ctx, tx, before, after)
	return nil
}

// SetProperty upserts a string property.
func (tx *Tx) SetProperty(ctx context.Context, ref NodeRef, key, value string) error {
	if err := tx.writable(); err != nil {
		return err
	}
	n, err := tx.GetNode(ctx, ref)
	if err != nil {
		return err
	}
	_, err = tx.db().NewInsert().
		Model(&PropertyModel{NodeRef: string(ref), Key: key, Value: value}).
		On("CONFLICT (node_ref, key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Exec(ctx)
	if err != nil {
		return err
	}
	tx.store.policies.fireUpdate(ctx, tx, n, n)
	return nil
}

// Property returns a single property value.
func (tx *Tx) Property(ctx context.Context, ref NodeRef, key string) (string, error) {
	var p PropertyModel
	err := tx.db().NewSelect().
		Model(&p).
		Where("node_ref = ?", string(ref)).
		Where("key = ?", key).
		Scan(ctx)
	if err != nil {
		return "", notFound(err, "property "+key)
	}
	return p.Value, nil
}

// Properties returns all properties of ref.
func (tx *Tx) Properties(ctx context.Context, ref NodeRef) (map[string]string, error) {
	var props []PropertyModel
	if err := tx.db().NewSelect().Model(&props).Where("node_ref = ?", string(ref)).Scan(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(props))
	for _, p := range props {
		out[p.Key] = p.Value
	}
	return out, nil
}

// UsageOf sums the current size of the live files owner created.
func (tx *Tx) UsageOf(ctx context.Context, owner string) (int64, error) {
	var total sql.NullInt64
	err := tx.db().NewSelect().
		Model((*NodeModel)(nil)).
		ColumnExpr("SUM(size)").
		Where("owner = ?", owner).
		Where("kind = ?", int64(KindFile)).
		Where("archived = 0").
		Scan(ctx, &total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

// EnsureFolderPath resolves path below root, creating missing folders.
func (tx *Tx) EnsureFolderPath(ctx context.Context, root NodeRef, path string, owner string) (*Node, error) {
	n, err := tx.GetNode(ctx, root)
	if err != nil {
		return nil, err
	}
	for _, part := range common.SplitPath(path) {
		child, err := tx.Lookup(ctx, n.Ref, part)
		switch {
		case err == nil:
			if !child.IsFolder() {
				return nil, fmt.Errorf("%s: %w", path, common.ErrNotDir)
			}
		case errors.Is(err, common.ErrNotFound):
			child, err = tx.CreateNode(ctx, n.Ref, part, KindFolder, owner)
			if err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
		n = child
	}
	return n, nil
}

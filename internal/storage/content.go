package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"repofs/internal/common"
)

// Content is the current content stream of a file.
type Content struct {
	Data     []byte
	Mimetype string
	Version  int64
}

// ContentVersion describes one retained revision without its data.
type ContentVersion struct {
	Version  int64
	Label    string
	Mimetype string
	Size     int64
	Created  time.Time
}

func versionLabel(v int64) string {
	return fmt.Sprintf("1.%d", v-1)
}

// ReadContent returns the newest content of ref. A file that never had
// content pushed yields an empty Content.
func (tx *Tx) ReadContent(ctx context.Context, ref NodeRef) (*Content, error) {
	n, err := tx.GetNode(ctx, ref)
	if err != nil {
		return nil, err
	}
	if n.IsFolder() {
		return nil, fmt.Errorf("%s: %w", n.Name, common.ErrIsDir)
	}
	var m ContentModel
	err = tx.db().NewSelect().
		Model(&m).
		Where("node_ref = ?", string(ref)).
		Order("version DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return &Content{Mimetype: n.Mimetype}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Content{Data: m.Data, Mimetype: m.Mimetype, Version: m.Version}, nil
}

// WriteContent pushes data as a new version of ref and clears the node's
// no-content state.
func (tx *Tx) WriteContent(ctx context.Context, ref NodeRef, data []byte, mimetype string) (*Node, error) {
	if err := tx.writable(); err != nil {
		return nil, err
	}
	before, err := tx.GetNode(ctx, ref)
	if err != nil {
		return nil, err
	}
	if before.IsFolder() {
		return nil, fmt.Errorf("%s: %w", before.Name, common.ErrIsDir)
	}
	if err := tx.checkContentLimit(ctx, int64(len(data))-before.Size); err != nil {
		return nil, err
	}

	now := toNanos(tx.now)
	version := before.Version + 1
	m := &ContentModel{
		NodeRef:   string(ref),
		Version:   version,
		Data:      data,
		Mimetype:  mimetype,
		Size:      int64(len(data)),
		CreatedAt: now,
	}
	if _, err := tx.db().NewInsert().Model(m).Returning("id").Exec(ctx); err != nil {
		return nil, err
	}
	_, err = tx.db().NewUpdate().
		Model((*NodeModel)(nil)).
		Set("size = ?", int64(len(data))).
		Set("version = ?", version).
		Set("mimetype = ?", mimetype).
		Set("no_content = 0").
		Set("modified_at = ?", now).
		Set("changed_at = ?", now).
		Where("ref = ?", string(ref)).
		Exec(ctx)
	if err != nil {
		return nil, err
	}

	after, err := tx.GetNode(ctx, ref)
	if err != nil {
		return nil, err
	}
	tx.store.policies.fireUpdate(ctx, tx, before, after)
	return after, nil
}

func (tx *Tx) checkContentLimit(ctx context.Context, delta int64) error {
	limit := tx.store.opts.ContentLimit
	if limit <= 0 || delta <= 0 {
		return nil
	}
	var total sql.NullInt64
	err := tx.db().NewSelect().
		Model((*NodeModel)(nil)).
		ColumnExpr("SUM(size)").
		Where("kind = ?", int64(KindFile)).
		Where("archived = 0").
		Scan(ctx, &total)
	if err != nil {
		return err
	}
	if total.Int64+delta > limit {
		return fmt.Errorf("need %d more bytes, limit %d: %w", delta, limit, ErrQuotaExceeded)
	}
	return nil
}

// ContentVersions lists the retained revisions of ref, oldest first.
func (tx *Tx) ContentVersions(ctx context.Context, ref NodeRef) ([]ContentVersion, error) {
	var models []ContentModel
	err := tx.db().NewSelect().
		Model(&models).
		Column("version", "mimetype", "size", "created_at").
		Where("node_ref = ?", string(ref)).
		Order("version ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ContentVersion, len(models))
	for i, m := range models {
		out[i] = ContentVersion{
			Version:  m.Version,
			Label:    versionLabel(m.Version),
			Mimetype: m.Mimetype,
			Size:     m.Size,
			Created:  fromNanos(m.CreatedAt),
		}
	}
	return out, nil
}

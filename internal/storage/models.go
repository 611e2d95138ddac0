// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"database/sql"
	"time"

	"github.com/uptrace/bun"
)

// Bun ORM models for the repository tables.
// Times are stored as Unix nanoseconds.

// SchemaInfoModel represents the schema_info table
type SchemaInfoModel struct {
	bun.BaseModel `bun:"table:schema_info"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// NodeModel represents the nodes table
type NodeModel struct {
	bun.BaseModel `bun:"table:nodes"`

	Ino         int64          `bun:"ino,pk,autoincrement"`
	Ref         string         `bun:"ref,notnull,unique"`
	ParentRef   sql.NullString `bun:"parent_ref"`
	Name        string         `bun:"name,notnull"`
	NameKey     string         `bun:"name_key,notnull"`
	Kind        int64          `bun:"kind,notnull"`
	Size        int64          `bun:"size,notnull"`
	Attributes  int64          `bun:"attributes,notnull"`
	NoContent   bool           `bun:"no_content,notnull"`
	Version     int64          `bun:"version,notnull"`
	Mimetype    string         `bun:"mimetype,notnull"`
	Owner       string         `bun:"owner,notnull"`
	LockOwner   string         `bun:"lock_owner,notnull"`
	LockExpires int64          `bun:"lock_expires,notnull"`
	Archived    bool           `bun:"archived,notnull"`
	CreatedAt   int64          `bun:"created_at,notnull"`
	ModifiedAt  int64          `bun:"modified_at,notnull"`
	AccessedAt  int64          `bun:"accessed_at,notnull"`
	ChangedAt   int64          `bun:"changed_at,notnull"`
}

// ToNode converts a NodeModel to a Node
func (m *NodeModel) ToNode() *Node {
	n := &Node{
		Ino:        m.Ino,
		Ref:        NodeRef(m.Ref),
		Name:       m.Name,
		Kind:       NodeKind(m.Kind),
		Size:       m.Size,
		Attributes: uint32(m.Attributes),
		NoContent:  m.NoContent,
		Version:    m.Version,
		Mimetype:   m.Mimetype,
		Owner:      m.Owner,
		LockOwner:  m.LockOwner,
		Archived:   m.Archived,
		Created:    fromNanos(m.CreatedAt),
		Modified:   fromNanos(m.ModifiedAt),
		Accessed:   fromNanos(m.AccessedAt),
		Changed:    fromNanos(m.ChangedAt),
	}
	if m.ParentRef.Valid {
		n.Parent = NodeRef(m.ParentRef.String)
	}
	if m.LockExpires > 0 {
		n.LockExpires = fromNanos(m.LockExpires)
	}
	return n
}

// ContentModel represents the contents table
type ContentModel struct {
	bun.BaseModel `bun:"table:contents"`

	ID        int64  `bun:"id,pk,autoincrement"`
	NodeRef   string `bun:"node_ref,notnull"`
	Version   int64  `bun:"version,notnull"`
	Data      []byte `bun:"data"`
	Mimetype  string `bun:"mimetype,notnull"`
	Size      int64  `bun:"size,notnull"`
	CreatedAt int64  `bun:"created_at,notnull"`
}

// PropertyModel represents the properties table
type PropertyModel struct {
	bun.BaseModel `bun:"table:properties"`

	NodeRef string `bun:"node_ref,pk"`
	Key     string `bun:"key,pk"`
	Value   string `bun:"value,notnull"`
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

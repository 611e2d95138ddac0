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
	"fmt"
	"os"
	"strconv"
	"strings"
)

const SchemaVersion = "1"

// Default busy_timeout in milliseconds (5 seconds). Contention beyond this is
// handed to the transaction retry loop.
const DefaultBusyTimeout = 5000

// EnvBusyTimeout overrides the configured busy_timeout.
const EnvBusyTimeout = "REPOFS_BUSY_TIMEOUT"

// GetBusyTimeout returns the busy_timeout value.
// Priority: env > configured value > default
func GetBusyTimeout(configured int) int {
	if val := os.Getenv(EnvBusyTimeout); val != "" {
		if timeout, err := strconv.Atoi(val); err == nil && timeout > 0 {
			return timeout
		}
	}
	if configured > 0 {
		return configured
	}
	return DefaultBusyTimeout
}

// BuildDSN builds the SQLite DSN for a store file
func BuildDSN(path string, busyTimeout int) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d", path, GetBusyTimeout(busyTimeout))
}

// Schema SQL for the repository store
const storeSchema = `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Nodes: files and folders. parent_ref is NULL for the root and for
-- archived nodes, which keeps archived names out of the sibling index.
CREATE TABLE IF NOT EXISTS nodes (
    ino INTEGER PRIMARY KEY AUTOINCREMENT,
    ref TEXT NOT NULL UNIQUE,
    parent_ref TEXT,
    name TEXT NOT NULL,
    name_key TEXT NOT NULL,
    kind INTEGER NOT NULL,
    size INTEGER NOT NULL DEFAULT 0,
    attributes INTEGER NOT NULL DEFAULT 0,
    no_content INTEGER NOT NULL DEFAULT 0,
    version INTEGER NOT NULL DEFAULT 0,
    mimetype TEXT NOT NULL DEFAULT '',
    owner TEXT NOT NULL DEFAULT '',
    lock_owner TEXT NOT NULL DEFAULT '',
    lock_expires INTEGER NOT NULL DEFAULT 0,
    archived INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    modified_at INTEGER NOT NULL,
    accessed_at INTEGER NOT NULL,
    changed_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_parent_name ON nodes(parent_ref, name_key);
CREATE INDEX IF NOT EXISTS idx_nodes_owner ON nodes(owner);

-- Content versions. The newest row per node is the current content.
CREATE TABLE IF NOT EXISTS contents (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    node_ref TEXT NOT NULL,
    version INTEGER NOT NULL,
    data BLOB,
    mimetype TEXT NOT NULL DEFAULT '',
    size INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (node_ref) REFERENCES nodes(ref) ON DELETE CASCADE
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_contents_node_version ON contents(node_ref, version);

-- Free-form string properties (creator, modifier, ...)
CREATE TABLE IF NOT EXISTS properties (
    node_ref TEXT NOT NULL,
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    PRIMARY KEY (node_ref, key),
    FOREIGN KEY (node_ref) REFERENCES nodes(ref) ON DELETE CASCADE
);
`

const initStore = `
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('version', ?);
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('type', 'repository');
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('created_at', datetime('now'));
INSERT OR IGNORE INTO nodes (ref, parent_ref, name, name_key, kind, created_at, modified_at, accessed_at, changed_at)
    VALUES (?, NULL, '', '', ?, ?, ?, ?, ?);
`

// execStatements executes multiple SQL statements separated by semicolons.
// libsql driver doesn't support multi-statement Exec, so we split and execute individually.
func execStatements(db *sql.DB, sqlScript string, args ...interface{}) error {
	statements := splitStatements(sqlScript)
	argIdx := 0
	for _, stmt := range statements {
		if stmt == "" {
			continue
		}
		placeholders := strings.Count(stmt, "?")
		stmtArgs := args[argIdx : argIdx+placeholders]
		argIdx += placeholders
		if _, err := db.Exec(stmt, stmtArgs...); err != nil {
			return err
		}
	}
	return nil
}

// splitStatements splits a SQL script into individual statements.
// Comment lines are dropped; a statement ends at a line ending in ';'.
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder

	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			statements = append(statements, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}
	return statements
}

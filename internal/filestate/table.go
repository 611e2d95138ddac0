// Package filestate tracks files that are open through a share.
//
// The table holds what this process knows ahead of the repository: open
// counts, sharing, and the size and times of files with unflushed writes.
// Corrector lays those live values over metadata read from the repository.
package filestate

import (
	"fmt"
	"sync"
	"time"

	"repofs/internal/common"
)

// Status is what is known about a path's existence.
type Status int

const (
	StatusUnknown Status = iota
	StatusExists
	StatusNotExist
)

func (s Status) String() string {
	switch s {
	case StatusExists:
		return "exists"
	case StatusNotExist:
		return "not-exist"
	default:
		return "unknown"
	}
}

// Sharing is the access other opens of the same path are allowed.
type Sharing int

const (
	ShareNone   Sharing = 0
	ShareRead   Sharing = 1 << 0
	ShareWrite  Sharing = 1 << 1
	ShareDelete Sharing = 1 << 2
	ShareAll            = ShareRead | ShareWrite | ShareDelete
)

// Live holds values not yet committed to the repository. Nil fields are
// unknown and never override repository values.
type Live struct {
	Size           *int64
	AllocationSize *int64
	Modified       *time.Time
	Accessed       *time.Time
	Changed        *time.Time
}

// merge copies the defined fields of u into l.
func (l *Live) merge(u Live) {
	if u.Size != nil {
		v := *u.Size
		l.Size = &v
	}
	if u.AllocationSize != nil {
		v := *u.AllocationSize
		l.AllocationSize = &v
	}
	if u.Modified != nil {
		v := *u.Modified
		l.Modified = &v
	}
	if u.Accessed != nil {
		v := *u.Accessed
		l.Accessed = &v
	}
	if u.Changed != nil {
		v := *u.Changed
		l.Changed = &v
	}
}

// Entry is a snapshot of a path's live state.
type Entry struct {
	Path      string
	OpenCount int
	Sharing   Sharing
	PID       int
	Status    Status
	Retained  bool
	Live      Live
}

type entry struct {
	path      string
	openCount int
	sharing   Sharing
	pid       int
	status    Status
	retained  int
	live      Live
}

func (e *entry) snapshot() Entry {
	s := Entry{
		Path:      e.path,
		OpenCount: e.openCount,
		Sharing:   e.sharing,
		PID:       e.pid,
		Status:    e.status,
		Retained:  e.retained > 0,
	}
	s.Live.merge(e.live)
	return s
}

func (e *entry) idle() bool {
	return e.openCount == 0 && e.retained == 0 && e.status == StatusUnknown
}

// Table is the live state of one share, keyed by path.
//
// Thread-safe: every read-modify-write sequence runs under one lock.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*entry)}
}

func (t *Table) get(path string, create bool) *entry {
	k := common.PathKey(path)
	e, ok := t.entries[k]
	if !ok && create {
		e = &entry{path: common.NormalizePath(path)}
		t.entries[k] = e
	}
	return e
}

func (t *Table) release(path string, e *entry) {
	if e.openCount == 0 && e.retained == 0 {
		e.live = Live{}
		e.sharing = ShareNone
		e.pid = 0
	}
	if e.idle() {
		delete(t.entries, common.PathKey(path))
	}
}

// Open records an open of path by pid allowing sharing for later opens.
// An open the existing opens do not share with fails with ErrAccessDenied.
func (t *Table) Open(path string, pid int, sharing Sharing, writes bool) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.get(path, true)
	if e.openCount > 0 {
		if writes && e.sharing&ShareWrite == 0 {
			return e.snapshot(), fmt.Errorf("%s is open without write sharing: %w", path, common.ErrAccessDenied)
		}
		if !writes && e.sharing&ShareRead == 0 {
			return e.snapshot(), fmt.Errorf("%s is open without read sharing: %w", path, common.ErrAccessDenied)
		}
		e.sharing &= sharing
	} else {
		e.sharing = sharing
		e.pid = pid
	}
	e.openCount++
	e.status = StatusExists
	return e.snapshot(), nil
}

// Close drops one open of path. The entry goes away with its last open
// unless it is retained.
func (t *Table) Close(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.get(path, false)
	if e == nil || e.openCount == 0 {
		return
	}
	e.openCount--
	if e.openCount == 0 && e.retained == 0 {
		e.status = StatusUnknown
	}
	t.release(path, e)
}

// Retain keeps path's entry alive while a save sequence is pending.
func (t *Table) Retain(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.get(path, true).retained++
}

// Release undoes one Retain.
func (t *Table) Release(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.get(path, false)
	if e == nil || e.retained == 0 {
		return
	}
	e.retained--
	if e.openCount == 0 && e.retained == 0 {
		e.status = StatusUnknown
	}
	t.release(path, e)
}

// Update merges the defined fields of live into an open path's entry.
func (t *Table) Update(path string, live Live) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.get(path, false)
	if e == nil || (e.openCount == 0 && e.retained == 0) {
		return
	}
	e.live.merge(live)
}

// SetStatus records what is known about path's existence. Paths that are
// not tracked are left alone.
func (t *Table) SetStatus(path string, s Status) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.get(path, false)
	if e == nil {
		return false
	}
	e.status = s
	if s == StatusNotExist {
		e.live = Live{}
	}
	if e.idle() {
		delete(t.entries, common.PathKey(path))
	}
	return true
}

// Snapshot returns the entry for path.
func (t *Table) Snapshot(path string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.get(path, false)
	if e == nil {
		return Entry{}, false
	}
	return e.snapshot(), true
}

// Rename moves the entry of from to to. An entry already at to is replaced.
func (t *Table) Rename(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.get(from, false)
	if e == nil {
		return
	}
	delete(t.entries, common.PathKey(from))
	e.path = common.NormalizePath(to)
	t.entries[common.PathKey(to)] = e
}

// Remove forgets path entirely.
func (t *Table) Remove(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, common.PathKey(path))
}

// Len is the number of tracked paths.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

package rules

import (
	"time"

	"repofs/internal/common"
)

// entry is what a context remembers about one name in its folder.
type entry struct {
	name     string
	created  bool   // created by this session in this folder
	closed   bool   // closed at least once since it was created
	asideOf  string // original name this entry was renamed away from
	restored bool   // the aside copy was renamed back over its original
	consumed bool   // a save sequence moved its content onto another name
	seen     time.Time
}

// Context is the per-session, per-folder memory used to recognise
// multi-step save sequences. A Context is not safe for concurrent use;
// callers serialise evaluation per folder.
type Context struct {
	folder  string
	window  int
	maxAge  time.Duration
	entries []*entry
}

// Folder is the share-relative folder the context belongs to.
func (c *Context) Folder() string {
	return c.folder
}

// Consumed reports whether a save sequence moved the content of name onto
// another name. Handles still open on name have nothing left to save.
func (c *Context) Consumed(name string) bool {
	i := c.index(name)
	return i >= 0 && c.entries[i].consumed
}

// Len is the number of names currently remembered.
func (c *Context) Len() int {
	return len(c.entries)
}

func (c *Context) prune(now time.Time) {
	if c.maxAge <= 0 {
		return
	}
	kept := c.entries[:0]
	for _, e := range c.entries {
		if now.Sub(e.seen) <= c.maxAge {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(c.entries); i++ {
		c.entries[i] = nil
	}
	c.entries = kept
}

func (c *Context) index(name string) int {
	key := common.PathKey(name)
	for i, e := range c.entries {
		if common.PathKey(e.name) == key {
			return i
		}
	}
	return -1
}

// get returns the live entry for name, or nil.
func (c *Context) get(name string, now time.Time) *entry {
	c.prune(now)
	if i := c.index(name); i >= 0 {
		return c.entries[i]
	}
	return nil
}

// touch returns the entry for name, creating it, and marks it most recent.
// The oldest entries fall out once the window is full.
func (c *Context) touch(name string, now time.Time) *entry {
	c.prune(now)
	var e *entry
	if i := c.index(name); i >= 0 {
		e = c.entries[i]
		c.entries = append(c.entries[:i], c.entries[i+1:]...)
	} else {
		e = &entry{name: name}
	}
	e.seen = now
	c.entries = append(c.entries, e)
	if c.window > 0 && len(c.entries) > c.window {
		drop := len(c.entries) - c.window
		c.entries = append(c.entries[:0], c.entries[drop:]...)
	}
	return e
}

func (c *Context) forget(name string) {
	if i := c.index(name); i >= 0 {
		c.entries = append(c.entries[:i], c.entries[i+1:]...)
	}
}

// asideFor finds an unrestored entry that was set aside from original.
func (c *Context) asideFor(original string, now time.Time) *entry {
	c.prune(now)
	key := common.PathKey(original)
	for i := len(c.entries) - 1; i >= 0; i-- {
		e := c.entries[i]
		if !e.restored && e.asideOf != "" && common.PathKey(e.asideOf) == key {
			return e
		}
	}
	return nil
}

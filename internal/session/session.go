// Package session holds the state a client connection accumulates: the
// per-folder evaluator contexts and the files it has open, grouped by the
// share (tree) they belong to. Everything here is torn down with the
// session or tree that owns it.
package session

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"repofs/internal/common"
	"repofs/internal/netfile"
	"repofs/internal/rules"
)

// Session is one authenticated client connection.
type Session struct {
	id   string
	user string

	mu    sync.Mutex
	trees map[string]*Tree
}

// New returns a session for user.
func New(user string) *Session {
	return &Session{
		id:    uuid.NewString(),
		user:  user,
		trees: make(map[string]*Tree),
	}
}

func (s *Session) ID() string   { return s.id }
func (s *Session) User() string { return s.user }

// OpenTree returns the session's tree for share, connecting it on first use.
func (s *Session) OpenTree(share string) *Tree {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.trees[share]; ok {
		return t
	}
	t := &Tree{
		session: s,
		share:   share,
		folders: make(map[string]*folder),
		files:   make(map[uint64]*netfile.File),
	}
	s.trees[share] = t
	return t
}

// Tree returns the connected tree for share.
func (s *Session) Tree(share string) (*Tree, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trees[share]
	return t, ok
}

// CloseTree disconnects share and returns the files that were still open.
func (s *Session) CloseTree(share string) []*netfile.File {
	s.mu.Lock()
	t, ok := s.trees[share]
	delete(s.trees, share)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return t.close()
}

// Close disconnects every tree and returns the files that were still open.
func (s *Session) Close() []*netfile.File {
	s.mu.Lock()
	trees := s.trees
	s.trees = make(map[string]*Tree)
	s.mu.Unlock()

	var open []*netfile.File
	for _, t := range trees {
		open = append(open, t.close()...)
	}
	return open
}

type folder struct {
	mu  sync.Mutex
	ctx *rules.Context
}

// Tree is a session's connection to one share.
type Tree struct {
	session *Session
	share   string

	mu      sync.Mutex
	folders map[string]*folder
	files   map[uint64]*netfile.File
}

func (t *Tree) Session() *Session { return t.session }
func (t *Tree) Share() string     { return t.share }

// WithFolder runs fn with the evaluator context of folder, creating it with
// newCtx on first use. Calls for the same folder are serialised.
func (t *Tree) WithFolder(path string, newCtx func(folder string) *rules.Context, fn func(*rules.Context)) {
	key := common.PathKey(path)
	t.mu.Lock()
	f, ok := t.folders[key]
	if !ok {
		f = &folder{ctx: newCtx(common.NormalizePath(path))}
		t.folders[key] = f
	}
	t.mu.Unlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.ctx)
}

// Folders is the number of folder contexts held.
func (t *Tree) Folders() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.folders)
}

// Track records f as open on this tree.
func (t *Tree) Track(f *netfile.File) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files[f.ID()] = f
}

// Untrack forgets f.
func (t *Tree) Untrack(f *netfile.File) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.files, f.ID())
}

// OpenFiles returns the files open on this tree in open order.
func (t *Tree) OpenFiles() []*netfile.File {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*netfile.File, 0, len(t.files))
	for _, f := range t.files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (t *Tree) close() []*netfile.File {
	open := t.OpenFiles()
	t.mu.Lock()
	t.folders = make(map[string]*folder)
	t.files = make(map[uint64]*netfile.File)
	t.mu.Unlock()
	return open
}

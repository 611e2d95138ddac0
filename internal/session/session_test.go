package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repofs/internal/netfile"
	"repofs/internal/rules"
)

func TestSessionTrees(t *testing.T) {
	t.Parallel()

	s := New("alice")
	assert.NotEmpty(t, s.ID())
	assert.NotEqual(t, s.ID(), New("alice").ID())
	assert.Equal(t, "alice", s.User())

	tree := s.OpenTree("public")
	assert.Same(t, tree, s.OpenTree("public"))
	assert.Same(t, s, tree.Session())
	assert.Equal(t, "public", tree.Share())

	_, ok := s.Tree("other")
	assert.False(t, ok)
}

func TestWithFolderReusesContext(t *testing.T) {
	t.Parallel()

	e := rules.New(rules.Options{})
	tree := New("alice").OpenTree("public")

	created := 0
	newCtx := func(folder string) *rules.Context {
		created++
		return e.NewContext(folder)
	}

	var first, second *rules.Context
	tree.WithFolder("Docs", newCtx, func(c *rules.Context) { first = c })
	tree.WithFolder("docs/", newCtx, func(c *rules.Context) { second = c })
	require.NotNil(t, first)
	assert.Same(t, first, second, "folder keys are case-insensitive")
	assert.Equal(t, "Docs", first.Folder())
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, tree.Folders())
}

func TestWithFolderSerialises(t *testing.T) {
	t.Parallel()

	e := rules.New(rules.Options{})
	tree := New("alice").OpenTree("public")

	var wg sync.WaitGroup
	inside, maxInside := 0, 0
	var mu sync.Mutex
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tree.WithFolder("docs", e.NewContext, func(*rules.Context) {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()

				mu.Lock()
				inside--
				mu.Unlock()
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInside)
}

func TestCloseReleasesState(t *testing.T) {
	t.Parallel()

	e := rules.New(rules.Options{})
	s := New("alice")
	pub := s.OpenTree("public")
	priv := s.OpenTree("private")

	a := netfile.New(netfile.Options{Path: "a"})
	b := netfile.New(netfile.Options{Path: "b"})
	c := netfile.New(netfile.Options{Path: "c"})
	pub.Track(a)
	pub.Track(b)
	priv.Track(c)
	pub.Untrack(b)
	pub.WithFolder("", e.NewContext, func(*rules.Context) {})

	assert.Equal(t, []*netfile.File{a}, s.CloseTree("public"))
	assert.Zero(t, pub.Folders())
	_, ok := s.Tree("public")
	assert.False(t, ok)
	assert.Nil(t, s.CloseTree("public"))

	assert.Equal(t, []*netfile.File{c}, s.Close())
	_, ok = s.Tree("private")
	assert.False(t, ok)
}

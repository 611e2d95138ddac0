package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repofs/internal/common"
	"repofs/internal/storage"
)

func fileInfo(name string, ref storage.NodeRef, size int64) *storage.FileInfo {
	return &storage.FileInfo{Name: name, Path: name, Ref: ref, Kind: storage.KindFile, Exists: true, Size: size}
}

func loaderFor(info *storage.FileInfo, calls *int) func() (*storage.FileInfo, error) {
	return func() (*storage.FileInfo, error) {
		*calls++
		return info.Clone(), nil
	}
}

func TestGetMetadataRoundTrip(t *testing.T) {
	t.Parallel()
	if Disabled {
		t.Skip("cache disabled")
	}
	c := NewMetadataCache(time.Minute, 16)

	calls := 0
	load := loaderFor(fileInfo("a.txt", "ref-a", 10), &calls)

	first, err := c.GetMetadata("alice", "docs/a.txt", load)
	require.NoError(t, err)
	second, err := c.GetMetadata("alice", "Docs/A.TXT", load)
	require.NoError(t, err)

	assert.Equal(t, 1, calls, "second lookup is served from the cache")
	assert.Equal(t, first, second)
	assert.NotSame(t, first, second)

	_, err = c.GetMetadata("bob", "docs/a.txt", load)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "entries are per user")
}

func TestReturnedValuesAreCopies(t *testing.T) {
	t.Parallel()
	if Disabled {
		t.Skip("cache disabled")
	}
	c := NewMetadataCache(time.Minute, 16)
	c.Put("alice", "a.txt", fileInfo("a.txt", "ref-a", 10))

	got, ok := c.Lookup("alice", "a.txt")
	require.True(t, ok)
	got.Size = 999

	again, ok := c.Lookup("alice", "a.txt")
	require.True(t, ok)
	assert.Equal(t, int64(10), again.Size)
}

func TestLoadErrorsAreNotCached(t *testing.T) {
	t.Parallel()
	c := NewMetadataCache(time.Minute, 16)

	calls := 0
	_, err := c.GetMetadata("alice", "missing", func() (*storage.FileInfo, error) {
		calls++
		return nil, common.ErrNotFound
	})
	assert.True(t, errors.Is(err, common.ErrNotFound))
	_, ok := c.Lookup("alice", "missing")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestNodeIndex(t *testing.T) {
	t.Parallel()
	if Disabled {
		t.Skip("cache disabled")
	}
	c := NewMetadataCache(time.Minute, 16)

	c.Put("alice", "docs/a.txt", fileInfo("a.txt", "ref-a", 10))
	c.Put("alice", "docs", &storage.FileInfo{Name: "docs", Ref: "ref-docs", Kind: storage.KindFolder, Exists: true})

	byNode, ok := c.LookupNode("alice", "ref-a")
	require.True(t, ok)
	byPath, ok := c.Lookup("alice", "docs/a.txt")
	require.True(t, ok)
	assert.Equal(t, byPath, byNode)

	_, ok = c.LookupNode("alice", "ref-docs")
	assert.False(t, ok, "folders are only keyed by path")

	t.Run("node moves to a new path", func(t *testing.T) {
		c.Put("alice", "docs/b.txt", fileInfo("b.txt", "ref-a", 12))

		got, ok := c.LookupNode("alice", "ref-a")
		require.True(t, ok)
		assert.Equal(t, "b.txt", got.Name)
		_, ok = c.Lookup("alice", "docs/a.txt")
		assert.False(t, ok, "the old path alias is dropped")
	})

	t.Run("path reused by another node", func(t *testing.T) {
		c.Put("alice", "docs/b.txt", fileInfo("b.txt", "ref-c", 1))
		_, ok := c.LookupNode("alice", "ref-a")
		assert.False(t, ok)
		got, ok := c.LookupNode("alice", "ref-c")
		require.True(t, ok)
		assert.Equal(t, int64(1), got.Size)
	})
}

func TestInvalidate(t *testing.T) {
	t.Parallel()
	if Disabled {
		t.Skip("cache disabled")
	}
	c := NewMetadataCache(time.Minute, 16)
	c.Put("alice", "docs/a.txt", fileInfo("a.txt", "ref-a", 10))
	c.Put("bob", "docs/a.txt", fileInfo("a.txt", "ref-a", 10))
	c.Put("alice", "docs/b.txt", fileInfo("b.txt", "ref-b", 10))

	c.Invalidate("DOCS/a.txt")
	_, ok := c.Lookup("alice", "docs/a.txt")
	assert.False(t, ok)
	_, ok = c.Lookup("bob", "docs/a.txt")
	assert.False(t, ok)
	_, ok = c.LookupNode("alice", "ref-a")
	assert.False(t, ok)
	_, ok = c.Lookup("alice", "docs/b.txt")
	assert.True(t, ok, "other paths survive")

	c.InvalidateAll()
	assert.Zero(t, c.Len())
	_, ok = c.LookupNode("alice", "ref-b")
	assert.False(t, ok)
}

func TestCapacityEviction(t *testing.T) {
	t.Parallel()
	if Disabled {
		t.Skip("cache disabled")
	}
	c := NewMetadataCache(time.Minute, 2)
	c.Put("alice", "a", fileInfo("a", "ref-a", 1))
	c.Put("alice", "b", fileInfo("b", "ref-b", 1))
	c.Put("alice", "c", fileInfo("c", "ref-c", 1))

	assert.Equal(t, 2, c.Len())
	_, ok := c.LookupNode("alice", "ref-a")
	assert.False(t, ok, "evicted entries leave the node index")
}

func TestExpiry(t *testing.T) {
	t.Parallel()
	if Disabled {
		t.Skip("cache disabled")
	}
	c := NewMetadataCache(20*time.Millisecond, 16)
	c.Put("alice", "a", fileInfo("a", "ref-a", 1))

	assert.Eventually(t, func() bool {
		_, ok := c.Lookup("alice", "a")
		return !ok
	}, time.Second, 10*time.Millisecond)
	_, ok := c.LookupNode("alice", "ref-a")
	assert.False(t, ok)
}

package filestate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repofs/internal/common"
	"repofs/internal/storage"
)

func ptr[T any](v T) *T { return &v }

func TestOpenCloseRefcount(t *testing.T) {
	t.Parallel()
	tbl := NewTable()

	e, err := tbl.Open("docs/a.txt", 42, ShareAll, true)
	require.NoError(t, err)
	assert.Equal(t, 1, e.OpenCount)
	assert.Equal(t, 42, e.PID)
	assert.Equal(t, StatusExists, e.Status)

	e, err = tbl.Open("DOCS/A.TXT", 43, ShareAll, false)
	require.NoError(t, err)
	assert.Equal(t, 2, e.OpenCount)
	assert.Equal(t, 42, e.PID, "the first opener owns the entry")

	tbl.Close("docs/a.txt")
	_, ok := tbl.Snapshot("docs/a.txt")
	assert.True(t, ok)

	tbl.Close("docs/a.txt")
	_, ok = tbl.Snapshot("docs/a.txt")
	assert.False(t, ok, "entry goes away with the last open")
	assert.Zero(t, tbl.Len())

	tbl.Close("docs/a.txt")
}

func TestSharingConflicts(t *testing.T) {
	t.Parallel()
	tbl := NewTable()

	_, err := tbl.Open("a.txt", 1, ShareRead, true)
	require.NoError(t, err)

	_, err = tbl.Open("a.txt", 2, ShareAll, true)
	assert.ErrorIs(t, err, common.ErrAccessDenied)

	_, err = tbl.Open("a.txt", 2, ShareAll, false)
	assert.NoError(t, err)

	e, _ := tbl.Snapshot("a.txt")
	assert.Equal(t, 2, e.OpenCount, "a refused open is not counted")
}

func TestRetainKeepsEntry(t *testing.T) {
	t.Parallel()
	tbl := NewTable()

	_, err := tbl.Open("x.tmp", 1, ShareAll, true)
	require.NoError(t, err)
	tbl.Retain("x.tmp")
	tbl.Update("x.tmp", Live{Size: ptr(int64(5))})
	tbl.Close("x.tmp")

	e, ok := tbl.Snapshot("x.tmp")
	require.True(t, ok)
	assert.True(t, e.Retained)
	assert.Equal(t, int64(5), *e.Live.Size)

	tbl.Release("x.tmp")
	_, ok = tbl.Snapshot("x.tmp")
	assert.False(t, ok)
}

func TestUpdateOnlyTracksOpenPaths(t *testing.T) {
	t.Parallel()
	tbl := NewTable()
	tbl.Update("ghost.txt", Live{Size: ptr(int64(1))})
	assert.Zero(t, tbl.Len())
}

func TestSetStatusAndRename(t *testing.T) {
	t.Parallel()
	tbl := NewTable()

	assert.False(t, tbl.SetStatus("untracked", StatusExists))

	_, err := tbl.Open("a.txt", 1, ShareAll, true)
	require.NoError(t, err)
	tbl.Update("a.txt", Live{Size: ptr(int64(3))})

	tbl.Rename("a.txt", "b.txt")
	_, ok := tbl.Snapshot("a.txt")
	assert.False(t, ok)
	e, ok := tbl.Snapshot("b.txt")
	require.True(t, ok)
	assert.Equal(t, "b.txt", e.Path)
	assert.Equal(t, int64(3), *e.Live.Size)

	assert.True(t, tbl.SetStatus("b.txt", StatusNotExist))
	e, _ = tbl.Snapshot("b.txt")
	assert.Equal(t, StatusNotExist, e.Status)
	assert.Nil(t, e.Live.Size, "a deleted file has no live values")

	tbl.Remove("b.txt")
	assert.Zero(t, tbl.Len())
}

func TestSnapshotIsIndependent(t *testing.T) {
	t.Parallel()
	tbl := NewTable()
	_, err := tbl.Open("a.txt", 1, ShareAll, true)
	require.NoError(t, err)
	tbl.Update("a.txt", Live{Size: ptr(int64(3))})

	e, _ := tbl.Snapshot("a.txt")
	*e.Live.Size = 100
	again, _ := tbl.Snapshot("a.txt")
	assert.Equal(t, int64(3), *again.Live.Size)
}

func TestCorrect(t *testing.T) {
	t.Parallel()
	tbl := NewTable()
	c := NewCorrector(tbl)

	committed := time.Unix(1_700_000_000, 0)
	live := committed.Add(time.Hour)
	base := func() *storage.FileInfo {
		return &storage.FileInfo{
			Name: "a.txt", Kind: storage.KindFile, Exists: true,
			Size: 10, AllocationSize: 4096,
			Created: committed, Modified: committed, Accessed: committed, Changed: committed,
		}
	}

	t.Run("untracked file is untouched", func(t *testing.T) {
		info := base()
		c.Correct(info, "docs")
		assert.Equal(t, base(), info)
	})

	_, err := tbl.Open("docs/a.txt", 1, ShareAll, true)
	require.NoError(t, err)
	tbl.Update("docs/a.txt", Live{Size: ptr(int64(5000)), AllocationSize: ptr(int64(8192)), Modified: &live})

	t.Run("only defined fields are overlaid", func(t *testing.T) {
		info := base()
		c.Correct(info, "docs")
		assert.Equal(t, int64(5000), info.Size)
		assert.Equal(t, int64(8192), info.AllocationSize)
		assert.Equal(t, live, info.Modified)
		assert.Equal(t, committed, info.Accessed)
		assert.Equal(t, committed, info.Changed)
		assert.Equal(t, committed, info.Created)
	})

	t.Run("idempotent", func(t *testing.T) {
		once := base()
		c.Correct(once, "docs")
		twice := base()
		c.Correct(twice, "docs")
		c.Correct(twice, "docs")
		assert.Equal(t, once, twice)
	})

	t.Run("folders are untouched", func(t *testing.T) {
		info := base()
		info.Kind = storage.KindFolder
		c.Correct(info, "docs")
		assert.Equal(t, int64(10), info.Size)
	})
}

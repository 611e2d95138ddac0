package vfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/macos-fuse-t/go-smb2/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repofs/internal/driver"
	"repofs/internal/storage"
	"repofs/internal/util"
)

// testShareFS creates a ShareFS over a fresh repository.
// Uses t.TempDir() which automatically cleans up after the test.
func testShareFS(t *testing.T, readOnly bool) *ShareFS {
	t.Helper()
	s, err := storage.Create(filepath.Join(t.TempDir(), "repo.db"), storage.Options{
		Retry: util.RetryConfig{Attempts: 3, Delay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})
	require.NoError(t, err, "failed to create store")
	t.Cleanup(func() { s.Close() })

	var root *storage.Node
	require.NoError(t, s.RunInTransaction(context.Background(), false, func(ctx context.Context, tx *storage.Tx) error {
		root, err = tx.EnsureFolderPath(ctx, storage.RootRef, "shares/docs", "admin")
		return err
	}))

	d := driver.New(driver.Options{
		Share:    "docs",
		Root:     root.Ref,
		ReadOnly: readOnly,
		Store:    s,
		TempDir:  t.TempDir(),
	})
	return New(d, "")
}

func writeFile(t *testing.T, fs *ShareFS, path, data string) {
	t.Helper()
	h, err := fs.Open(path, os.O_RDWR|os.O_CREATE, 0644)
	require.NoError(t, err)
	n, err := fs.Write(h, []byte(data), 0, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.NoError(t, fs.Close(h))
}

func readFile(t *testing.T, fs *ShareFS, path string) string {
	t.Helper()
	h, err := fs.Open(path, os.O_RDONLY, 0)
	require.NoError(t, err)
	defer fs.Close(h)

	buf := make([]byte, 1024)
	n, err := fs.Read(h, buf, 0, 0)
	require.NoError(t, err)
	return string(buf[:n])
}

func names(entries []vfs.DirInfo) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

func TestShareFS(t *testing.T) {
	t.Parallel()

	t.Run("New uses guest session", func(t *testing.T) {
		t.Parallel()
		fs := testShareFS(t, false)

		require.NotNil(t, fs)
		assert.Equal(t, GuestUser, fs.session.User())
		assert.Equal(t, "docs", fs.Driver().Share())
	})

	t.Run("Shutdown pushes open files", func(t *testing.T) {
		t.Parallel()
		fs := testShareFS(t, false)

		h, err := fs.Open("pending.txt", os.O_RDWR|os.O_CREATE, 0644)
		require.NoError(t, err)
		_, err = fs.Write(h, []byte("unsaved"), 0, 0)
		require.NoError(t, err)

		require.NoError(t, fs.Shutdown())
		assert.Empty(t, fs.handles.Files())

		again := New(fs.Driver(), "")
		assert.Equal(t, "unsaved", readFile(t, again, "pending.txt"))
	})
}

func TestOpenDir(t *testing.T) {
	t.Parallel()

	t.Run("opens root", func(t *testing.T) {
		t.Parallel()
		fs := testShareFS(t, false)

		handle, err := fs.OpenDir("/")
		require.NoError(t, err)
		assert.NotZero(t, handle)
		require.NoError(t, fs.Close(handle))
	})

	t.Run("returns ENOENT for nonexistent", func(t *testing.T) {
		t.Parallel()
		fs := testShareFS(t, false)

		_, err := fs.OpenDir("/missing")
		assert.Equal(t, ENOENT, err)
	})

	t.Run("returns ENOTDIR for file", func(t *testing.T) {
		t.Parallel()
		fs := testShareFS(t, false)
		writeFile(t, fs, "a.txt", "a")

		_, err := fs.OpenDir("a.txt")
		assert.Equal(t, ENOTDIR, err)
	})
}

func TestOpen(t *testing.T) {
	t.Parallel()

	t.Run("create write read", func(t *testing.T) {
		t.Parallel()
		fs := testShareFS(t, false)

		writeFile(t, fs, `\notes\..\hello.txt`, "hello world")
		assert.Equal(t, "hello world", readFile(t, fs, "/hello.txt"))
	})

	t.Run("missing without create", func(t *testing.T) {
		t.Parallel()
		fs := testShareFS(t, false)

		_, err := fs.Open("nope.txt", os.O_RDONLY, 0)
		assert.Equal(t, ENOENT, err)
	})

	t.Run("exclusive create of existing file", func(t *testing.T) {
		t.Parallel()
		fs := testShareFS(t, false)
		writeFile(t, fs, "a.txt", "a")

		_, err := fs.Open("a.txt", os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
		assert.Equal(t, EEXIST, err)
	})

	t.Run("truncate existing file", func(t *testing.T) {
		t.Parallel()
		fs := testShareFS(t, false)
		writeFile(t, fs, "a.txt", "long content")

		h, err := fs.Open("a.txt", os.O_WRONLY|os.O_TRUNC, 0)
		require.NoError(t, err)
		_, err = fs.Write(h, []byte("new"), 0, 0)
		require.NoError(t, err)
		require.NoError(t, fs.Close(h))

		assert.Equal(t, "new", readFile(t, fs, "a.txt"))
	})

	t.Run("directory is EISDIR", func(t *testing.T) {
		t.Parallel()
		fs := testShareFS(t, false)
		_, err := fs.Mkdir("sub", 0755)
		require.NoError(t, err)

		_, err = fs.Open("sub", os.O_RDONLY, 0)
		assert.Equal(t, EISDIR, err)
	})

	t.Run("read-only share refuses writes", func(t *testing.T) {
		t.Parallel()
		fs := testShareFS(t, true)

		_, err := fs.Open("a.txt", os.O_RDWR|os.O_CREATE, 0644)
		assert.Equal(t, EACCES, err)
	})

	t.Run("write on read handle", func(t *testing.T) {
		t.Parallel()
		fs := testShareFS(t, false)
		writeFile(t, fs, "a.txt", "a")

		h, err := fs.Open("a.txt", os.O_RDONLY, 0)
		require.NoError(t, err)
		_, err = fs.Write(h, []byte("x"), 0, 0)
		assert.Equal(t, EACCES, err)
		require.NoError(t, fs.Close(h))
	})

	t.Run("unknown handle", func(t *testing.T) {
		t.Parallel()
		fs := testShareFS(t, false)

		_, err := fs.Read(42, make([]byte, 1), 0, 0)
		assert.Equal(t, EBADF, err)
		assert.Equal(t, EBADF, fs.Close(42))
	})
}

func TestReadPastEnd(t *testing.T) {
	t.Parallel()
	fs := testShareFS(t, false)
	writeFile(t, fs, "a.txt", "abc")

	h, err := fs.Open("a.txt", os.O_RDONLY, 0)
	require.NoError(t, err)
	defer fs.Close(h)

	buf := make([]byte, 8)
	n, err := fs.Read(h, buf, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, "c", string(buf[:n]))

	n, err = fs.Read(h, buf, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReadDir(t *testing.T) {
	t.Parallel()
	fs := testShareFS(t, false)
	writeFile(t, fs, "a.txt", "a")
	writeFile(t, fs, "b.txt", "bb")
	_, err := fs.Mkdir("sub", 0755)
	require.NoError(t, err)

	h, err := fs.OpenDir("")
	require.NoError(t, err)
	defer fs.Close(h)

	entries, err := fs.ReadDir(h, 0, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{".", "..", "a.txt", "b.txt", "sub"}, names(entries))

	_, err = fs.ReadDir(h, 0, 0)
	assert.Equal(t, io.EOF, err, "enumeration should be done")

	entries, err = fs.ReadDir(h, 1, 2)
	require.NoError(t, err, "restart scan")
	assert.Len(t, entries, 2)

	for _, e := range entries {
		if e.Name == "sub" {
			assert.Equal(t, vfs.FileTypeDirectory, e.GetFileType())
		}
	}
}

func TestGetAttr(t *testing.T) {
	t.Parallel()
	fs := testShareFS(t, false)

	root, err := fs.GetAttr(0)
	require.NoError(t, err)
	assert.Equal(t, vfs.FileTypeDirectory, root.GetFileType())

	h, err := fs.Open("grow.txt", os.O_RDWR|os.O_CREATE, 0644)
	require.NoError(t, err)
	_, err = fs.Write(h, []byte("12345"), 0, 0)
	require.NoError(t, err)

	attrs, err := fs.GetAttr(h)
	require.NoError(t, err)
	size, _ := attrs.GetSizeBytes()
	assert.EqualValues(t, 5, size, "open file size is live")
	require.NoError(t, fs.Close(h))

	_, err = fs.GetAttr(99)
	assert.Equal(t, EBADF, err)
}

func TestSetAttr(t *testing.T) {
	t.Parallel()
	fs := testShareFS(t, false)
	writeFile(t, fs, "a.txt", "abcdef")

	h, err := fs.Open("a.txt", os.O_RDWR, 0)
	require.NoError(t, err)

	mtime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	in := &vfs.Attributes{}
	in.SetSizeBytes(3)
	in.SetLastDataModificationTime(mtime)
	in.SetUnixMode(0444)

	out, err := fs.SetAttr(h, in)
	require.NoError(t, err)
	size, _ := out.GetSizeBytes()
	assert.EqualValues(t, 3, size)
	mode, _ := out.GetUnixMode()
	assert.EqualValues(t, 0444, mode)
	require.NoError(t, fs.Close(h))

	assert.Equal(t, "abc", readFile(t, fs, "a.txt"))
}

func TestLookup(t *testing.T) {
	t.Parallel()
	fs := testShareFS(t, false)
	_, err := fs.Mkdir("sub", 0755)
	require.NoError(t, err)
	writeFile(t, fs, "sub/x.txt", "xyz")

	attrs, err := fs.Lookup(0, "sub/x.txt")
	require.NoError(t, err)
	size, _ := attrs.GetSizeBytes()
	assert.EqualValues(t, 3, size)

	dir, err := fs.OpenDir("sub")
	require.NoError(t, err)
	defer fs.Close(dir)

	_, err = fs.Lookup(dir, "x.txt")
	require.NoError(t, err)
	_, err = fs.Lookup(dir, "y.txt")
	assert.Equal(t, ENOENT, err)

	self, err := fs.Lookup(dir, ".")
	require.NoError(t, err)
	assert.Equal(t, vfs.FileTypeDirectory, self.GetFileType())
}

func TestMkdir(t *testing.T) {
	t.Parallel()
	fs := testShareFS(t, false)

	_, err := fs.Mkdir("sub", 0755)
	require.NoError(t, err)
	_, err = fs.Mkdir("sub", 0755)
	assert.Equal(t, EEXIST, err)
	_, err = fs.Mkdir("missing/child", 0755)
	assert.Equal(t, ENOENT, err)
	_, err = fs.Mkdir("/", 0755)
	assert.Equal(t, EEXIST, err)
}

func TestUnlink(t *testing.T) {
	t.Parallel()

	t.Run("open file is deleted on close", func(t *testing.T) {
		t.Parallel()
		fs := testShareFS(t, false)
		writeFile(t, fs, "a.txt", "a")

		h, err := fs.Open("a.txt", os.O_RDWR, 0)
		require.NoError(t, err)
		require.NoError(t, fs.Unlink(h))

		_, err = fs.Lookup(0, "a.txt")
		require.NoError(t, err, "still present while open")

		require.NoError(t, fs.Close(h))
		_, err = fs.Lookup(0, "a.txt")
		assert.Equal(t, ENOENT, err)
	})

	t.Run("empty directory", func(t *testing.T) {
		t.Parallel()
		fs := testShareFS(t, false)
		_, err := fs.Mkdir("sub", 0755)
		require.NoError(t, err)

		h, err := fs.OpenDir("sub")
		require.NoError(t, err)
		require.NoError(t, fs.Unlink(h))
		require.NoError(t, fs.Close(h))

		_, err = fs.Lookup(0, "sub")
		assert.Equal(t, ENOENT, err)
	})

	t.Run("non-empty directory", func(t *testing.T) {
		t.Parallel()
		fs := testShareFS(t, false)
		_, err := fs.Mkdir("sub", 0755)
		require.NoError(t, err)
		writeFile(t, fs, "sub/x.txt", "x")

		h, err := fs.OpenDir("sub")
		require.NoError(t, err)
		defer fs.Close(h)
		assert.Equal(t, ENOTEMPTY, fs.Unlink(h))
	})

	t.Run("read-only share", func(t *testing.T) {
		t.Parallel()
		fs := testShareFS(t, true)

		h, err := fs.OpenDir("")
		require.NoError(t, err)
		defer fs.Close(h)
		assert.Equal(t, EACCES, fs.Unlink(h))
	})
}

func TestRename(t *testing.T) {
	t.Parallel()

	t.Run("sibling name", func(t *testing.T) {
		t.Parallel()
		fs := testShareFS(t, false)
		writeFile(t, fs, "a.txt", "content")

		h, err := fs.Open("a.txt", os.O_RDONLY, 0)
		require.NoError(t, err)
		require.NoError(t, fs.Rename(h, "b.txt", 0))

		info, ok := fs.handles.Get(HandleID(h))
		require.True(t, ok)
		assert.Equal(t, "b.txt", info.path)
		require.NoError(t, fs.Close(h))

		assert.Equal(t, "content", readFile(t, fs, "b.txt"))
		_, err = fs.Lookup(0, "a.txt")
		assert.Equal(t, ENOENT, err)
	})

	t.Run("existing target needs replace", func(t *testing.T) {
		t.Parallel()
		fs := testShareFS(t, false)
		writeFile(t, fs, "a.txt", "new")
		writeFile(t, fs, "b.txt", "old")

		h, err := fs.Open("a.txt", os.O_RDONLY, 0)
		require.NoError(t, err)
		assert.Equal(t, EEXIST, fs.Rename(h, "b.txt", 0))
		require.NoError(t, fs.Rename(h, "b.txt", 0x01))
		require.NoError(t, fs.Close(h))

		assert.Equal(t, "new", readFile(t, fs, "b.txt"))
	})

	t.Run("move folder into folder", func(t *testing.T) {
		t.Parallel()
		fs := testShareFS(t, false)
		_, err := fs.Mkdir("src", 0755)
		require.NoError(t, err)
		_, err = fs.Mkdir("dst", 0755)
		require.NoError(t, err)
		writeFile(t, fs, "src/x.txt", "x")

		h, err := fs.OpenDir("src")
		require.NoError(t, err)
		require.NoError(t, fs.Rename(h, `dst\src`, 0))
		require.NoError(t, fs.Close(h))

		assert.Equal(t, "x", readFile(t, fs, "dst/src/x.txt"))
	})
}

func TestRenameSaveSequences(t *testing.T) {
	t.Parallel()

	t.Run("rename over through open temp handle", func(t *testing.T) {
		t.Parallel()
		fs := testShareFS(t, false)
		writeFile(t, fs, "report.doc", "first draft")
		writeFile(t, fs, "report.tmp", "second draft")
		before, err := fs.Lookup(0, "report.doc")
		require.NoError(t, err)

		h, err := fs.Open("report.tmp", os.O_RDWR, 0)
		require.NoError(t, err)
		require.NoError(t, fs.Rename(h, "report.doc", 0x01))

		during, err := fs.Lookup(0, "report.doc")
		require.NoError(t, err, "document is visible while the temp handle is open")
		assert.Equal(t, before.GetInodeNumber(), during.GetInodeNumber())
		require.NoError(t, fs.Close(h))

		after, err := fs.Lookup(0, "report.doc")
		require.NoError(t, err)
		assert.Equal(t, before.GetInodeNumber(), after.GetInodeNumber())
		assert.Equal(t, "second draft", readFile(t, fs, "report.doc"))
		_, err = fs.Lookup(0, "report.tmp")
		assert.Equal(t, ENOENT, err)
	})

	t.Run("rename over an empty document", func(t *testing.T) {
		t.Parallel()
		fs := testShareFS(t, false)
		writeFile(t, fs, "empty.doc", "")
		before, err := fs.Lookup(0, "empty.doc")
		require.NoError(t, err)

		h, err := fs.Open("empty.tmp", os.O_RDWR|os.O_CREATE, 0644)
		require.NoError(t, err)
		require.NoError(t, fs.Rename(h, "empty.doc", 0x01))
		require.NoError(t, fs.Close(h))

		after, err := fs.Lookup(0, "empty.doc")
		require.NoError(t, err, "the document survives closing the temp handle")
		assert.Equal(t, before.GetInodeNumber(), after.GetInodeNumber())
	})

	t.Run("rename aside through open handles", func(t *testing.T) {
		t.Parallel()
		fs := testShareFS(t, false)
		writeFile(t, fs, "report.doc", "old text")
		before, err := fs.Lookup(0, "report.doc")
		require.NoError(t, err)

		hT, err := fs.Open("report.tmp", os.O_RDWR|os.O_CREATE, 0644)
		require.NoError(t, err)
		_, err = fs.Write(hT, []byte("new text"), 0, 0)
		require.NoError(t, err)

		hD, err := fs.Open("report.doc", os.O_RDWR, 0)
		require.NoError(t, err)
		require.NoError(t, fs.Rename(hD, "report.bak", 0))
		require.NoError(t, fs.Close(hD))

		require.NoError(t, fs.Rename(hT, "report.doc", 0))
		require.NoError(t, fs.Close(hT))

		after, err := fs.Lookup(0, "report.doc")
		require.NoError(t, err)
		assert.Equal(t, before.GetInodeNumber(), after.GetInodeNumber())
		assert.Equal(t, "new text", readFile(t, fs, "report.doc"))
		for _, name := range []string{"report.bak", "report.tmp"} {
			_, err = fs.Lookup(0, name)
			assert.Equal(t, ENOENT, err, name)
		}
		assert.Empty(t, fs.handles.Files())
	})
}

func TestRenameTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, newName, want string
	}{
		{"a.txt", "b.txt", "b.txt"},
		{"sub/a.txt", "b.txt", "sub/b.txt"},
		{"sub/a.txt", "/b.txt", "b.txt"},
		{"sub/a.txt", `other\b.txt`, "other/b.txt"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, renameTarget(tt.from, tt.newName), "%s -> %s", tt.from, tt.newName)
	}
}

func TestStubs(t *testing.T) {
	t.Parallel()
	fs := testShareFS(t, false)

	st, err := fs.StatFS(0)
	require.NoError(t, err)
	assert.NotNil(t, st)

	xs, err := fs.Listxattr(0)
	require.NoError(t, err)
	assert.Empty(t, xs)
	_, err = fs.Getxattr(0, "user.x", nil)
	assert.Equal(t, ENODATA, err)
	assert.NoError(t, fs.Setxattr(0, "user.x", []byte("v")))
	assert.NoError(t, fs.Removexattr(0, "user.x"))

	_, err = fs.Symlink(0, "target", 0)
	assert.Equal(t, ENOTSUP, err)
	_, err = fs.Link(0, 0, "x")
	assert.Equal(t, ENOTSUP, err)
	_, err = fs.Readlink(0)
	assert.Equal(t, EBADF, err)
}

func TestInfoToAttributes(t *testing.T) {
	t.Parallel()

	now := time.Now()
	info := &storage.FileInfo{
		Name: "a.txt", Ino: 7, Kind: storage.KindFile, Size: 10,
		Modified: now, Accessed: now, Created: now, Changed: now,
		Attributes: storage.AttrReadOnly,
	}
	attrs := infoToAttributes(info)

	assert.EqualValues(t, 7, attrs.GetInodeNumber())
	mode, _ := attrs.GetUnixMode()
	assert.EqualValues(t, 0444, mode)
	assert.Equal(t, vfs.FileTypeRegularFile, attrs.GetFileType())

	info.Kind, info.Attributes = storage.KindFolder, 0
	assert.EqualValues(t, 0755, unixMode(info))
}

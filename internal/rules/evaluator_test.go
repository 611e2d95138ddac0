package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repofs/internal/command"
	"repofs/internal/netfile"
	"repofs/internal/storage"
)

var root = storage.RootRef

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newEvaluator(opts Options) (*Evaluator, *clock) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	opts.Now = c.now
	return New(opts), c
}

func create(name string) command.CreateOp {
	return command.CreateOp{Name: name, Root: root, Path: "docs/" + name}
}

func rename(from, to string, targetExists bool) command.RenameOp {
	return command.RenameOp{
		OldName: from, NewName: to,
		OldPath: "docs/" + from, NewPath: "docs/" + to,
		Root: root, TargetExists: targetExists,
	}
}

func closeOp(name string, f *netfile.File, deleteOnClose bool) command.CloseOp {
	return command.CloseOp{Name: name, Root: root, Path: "docs/" + name, File: f, DeleteOnClose: deleteOnClose}
}

func kinds(cmds []command.Command) []command.Kind {
	out := make([]command.Kind, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, c.Kind())
	}
	return out
}

func requireCompound(t *testing.T, cmd command.Command) *command.Compound {
	t.Helper()
	c, ok := cmd.(*command.Compound)
	require.True(t, ok, "expected compound, got %T", cmd)
	return c
}

func TestTempMatcher(t *testing.T) {
	t.Parallel()
	m := NewTempMatcher(nil)
	tests := map[string]bool{
		"report.tmp":     true,
		"REPORT.TMP":     true,
		"~WRL0001.tmp":   true,
		"~$report.docx":  true,
		"report.doc~":    true,
		"backup.wbk":     true,
		"old.bak":        true,
		".~lock.a.odt#":  true,
		"report.docx":    false,
		"tmp":            false,
		"docs/notes.txt": false,
		"docs/a.tmp":     true,
		"":               false,
	}
	for name, want := range tests {
		assert.Equal(t, want, m.IsTemp(name), "IsTemp(%q)", name)
	}

	custom := NewTempMatcher([]string{"*.swp"})
	assert.True(t, custom.IsTemp(".notes.swp"))
	assert.False(t, custom.IsTemp("a.tmp"))
	assert.Equal(t, []string{"*.swp"}, custom.Patterns())
}

func TestDirectTranslation(t *testing.T) {
	t.Parallel()
	e, _ := newEvaluator(Options{})
	ctx := e.NewContext("docs")

	tests := []struct {
		name string
		op   command.Operation
		want command.Command
	}{
		{
			name: "create",
			op:   command.CreateOp{Name: "a.txt", Root: root, Path: "docs/a.txt", AllocationSize: 10},
			want: command.CreateFile{Root: root, Path: "docs/a.txt", AllocationSize: 10},
		},
		{
			name: "open",
			op:   command.OpenOp{Name: "a.txt", Root: root, Path: "docs/a.txt", Mode: command.ModeReadWrite, Truncate: true},
			want: command.OpenFile{Root: root, Path: "docs/a.txt", Mode: command.ModeReadWrite, Truncate: true},
		},
		{
			name: "delete",
			op:   command.DeleteOp{Name: "a.txt", Root: root, Path: "docs/a.txt"},
			want: command.DeleteFile{Root: root, Path: "docs/a.txt"},
		},
		{
			name: "rename",
			op:   rename("a.txt", "b.txt", true),
			want: command.RenameFile{Root: root, FromPath: "docs/a.txt", ToPath: "docs/b.txt"},
		},
		{
			name: "rename of unknown temp",
			op:   rename("x.tmp", "x.doc", true),
			want: command.RenameFile{Root: root, FromPath: "docs/x.tmp", ToPath: "docs/x.doc"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Evaluate(ctx, tt.op))
		})
	}
}

func TestCloseTranslation(t *testing.T) {
	t.Parallel()
	e, _ := newEvaluator(Options{})
	ctx := e.NewContext("docs")

	t.Run("opened file", func(t *testing.T) {
		f := netfile.New(netfile.Options{Path: "docs/a.txt"})
		c := requireCompound(t, e.Evaluate(ctx, closeOp("a.txt", f, false)))
		assert.Equal(t, []command.Command{command.CloseFile{Root: root, Path: "docs/a.txt", File: f}}, c.Phase(command.PhaseMain))
		assert.Equal(t, []command.Kind{command.KindRemoveTempFile}, kinds(c.Phase(command.PhasePostCommit)))
		assert.Empty(t, c.Phase(command.PhasePostError))
	})

	t.Run("created file with delete on close", func(t *testing.T) {
		f := netfile.New(netfile.Options{Path: "docs/b.txt", Created: true})
		c := requireCompound(t, e.Evaluate(ctx, closeOp("b.txt", f, true)))
		assert.Equal(t, []command.Kind{command.KindCloseFile}, kinds(c.Phase(command.PhaseMain)))
		assert.Equal(t, []command.Kind{command.KindReduceQuota, command.KindRemoveTempFile}, kinds(c.Phase(command.PhasePostCommit)))
		assert.Equal(t, []command.Command{command.RemoveEmptyFileOnError{Root: root, Path: "docs/b.txt"}}, c.Phase(command.PhasePostError))
	})
}

func TestRenameOverShuffle(t *testing.T) {
	t.Parallel()
	e, _ := newEvaluator(Options{})
	ctx := e.NewContext("docs")

	f := netfile.New(netfile.Options{Path: "docs/~WRL0001.tmp", Created: true})
	assert.Equal(t, command.KindCreateFile, e.Evaluate(ctx, create("~WRL0001.tmp")).Kind())
	e.Evaluate(ctx, closeOp("~WRL0001.tmp", f, false))

	c := requireCompound(t, e.Evaluate(ctx, rename("~WRL0001.tmp", "report.doc", true)))
	assert.Equal(t, []command.Command{
		command.CopyContent{Root: root, FromPath: "docs/~WRL0001.tmp", ToPath: "docs/report.doc"},
		command.DeleteFile{Root: root, Path: "docs/~WRL0001.tmp"},
	}, c.Phase(command.PhaseMain))
	assert.Equal(t, []command.Command{
		command.DeleteFile{Root: root, Path: "docs/~WRL0001.tmp"},
	}, c.Phase(command.PhasePostError))
	assert.Empty(t, c.Phase(command.PhasePostCommit))
	assert.Equal(t, command.TxReadWrite, c.Requirement())

	t.Run("pattern is consumed", func(t *testing.T) {
		got := e.Evaluate(ctx, rename("~WRL0001.tmp", "report.doc", true))
		assert.Equal(t, command.KindRenameFile, got.Kind())
	})
}

func TestCloseAfterShuffleIsHousekeeping(t *testing.T) {
	t.Parallel()

	t.Run("rename over", func(t *testing.T) {
		t.Parallel()
		e, _ := newEvaluator(Options{})
		ctx := e.NewContext("docs")

		e.Evaluate(ctx, create("r.tmp"))
		require.Equal(t, command.KindCompound, e.Evaluate(ctx, rename("r.tmp", "r.doc", true)).Kind())
		assert.True(t, ctx.Consumed("r.tmp"))
		assert.False(t, ctx.Consumed("r.doc"))

		// Every handle still open on the temp name closes without
		// repository work.
		for i := 0; i < 2; i++ {
			f := netfile.New(netfile.Options{Path: "docs/r.tmp", Created: true})
			c := requireCompound(t, e.Evaluate(ctx, closeOp("r.tmp", f, false)))
			assert.Empty(t, c.Phase(command.PhaseMain))
			assert.Empty(t, c.Phase(command.PhasePostError))
			assert.Equal(t, []command.Command{
				command.ReduceQuota{File: f},
				command.RemoveTempFile{File: f},
			}, c.Phase(command.PhasePostCommit))
		}
	})

	t.Run("rename aside", func(t *testing.T) {
		t.Parallel()
		e, _ := newEvaluator(Options{})
		ctx := e.NewContext("docs")

		e.Evaluate(ctx, create("x.tmp"))
		e.Evaluate(ctx, rename("x.doc", "x.wbk", false))
		require.Equal(t, command.KindCompound, e.Evaluate(ctx, rename("x.tmp", "x.doc", false)).Kind())

		f := netfile.New(netfile.Options{Path: "docs/x.tmp", Created: true})
		c := requireCompound(t, e.Evaluate(ctx, closeOp("x.tmp", f, false)))
		assert.Empty(t, c.Phase(command.PhaseMain))
		assert.Equal(t, command.TxNone, c.Requirement())
	})

	t.Run("recreated temp name starts over", func(t *testing.T) {
		t.Parallel()
		e, _ := newEvaluator(Options{})
		ctx := e.NewContext("docs")

		e.Evaluate(ctx, create("r.tmp"))
		e.Evaluate(ctx, rename("r.tmp", "r.doc", true))
		e.Evaluate(ctx, create("r.tmp"))
		assert.False(t, ctx.Consumed("r.tmp"))

		f := netfile.New(netfile.Options{Path: "docs/r.tmp", Created: true})
		c := requireCompound(t, e.Evaluate(ctx, closeOp("r.tmp", f, false)))
		assert.Equal(t, []command.Kind{command.KindCloseFile}, kinds(c.Phase(command.PhaseMain)))
		assert.Equal(t, command.KindCompound, e.Evaluate(ctx, rename("r.tmp", "r.doc", true)).Kind())
	})
}

func TestRenameOverWithoutTarget(t *testing.T) {
	t.Parallel()
	e, _ := newEvaluator(Options{})
	ctx := e.NewContext("docs")

	e.Evaluate(ctx, create("new.tmp"))
	got := e.Evaluate(ctx, rename("new.tmp", "new.doc", false))
	assert.Equal(t, command.RenameFile{Root: root, FromPath: "docs/new.tmp", ToPath: "docs/new.doc"}, got)
}

func TestRenameAsideShuffle(t *testing.T) {
	t.Parallel()
	e, _ := newEvaluator(Options{})
	ctx := e.NewContext("docs")

	e.Evaluate(ctx, create("x.tmp"))
	aside := e.Evaluate(ctx, rename("x.doc", "x.wbk", false))
	assert.Equal(t, command.RenameFile{Root: root, FromPath: "docs/x.doc", ToPath: "docs/x.wbk"}, aside)

	c := requireCompound(t, e.Evaluate(ctx, rename("x.tmp", "x.doc", false)))
	assert.Equal(t, []command.Command{
		command.RenameFile{Root: root, FromPath: "docs/x.wbk", ToPath: "docs/x.doc"},
		command.CopyContent{Root: root, FromPath: "docs/x.tmp", ToPath: "docs/x.doc"},
		command.DeleteFile{Root: root, Path: "docs/x.tmp"},
	}, c.Phase(command.PhaseMain))
	assert.Equal(t, []command.Command{
		command.DeleteFile{Root: root, Path: "docs/x.tmp"},
	}, c.Phase(command.PhasePostError))

	t.Run("delete of the aside copy is suppressed", func(t *testing.T) {
		del := e.Evaluate(ctx, command.DeleteOp{Name: "x.wbk", Root: root, Path: "docs/x.wbk"})
		assert.Equal(t, command.DoNothing{}, del)

		again := e.Evaluate(ctx, command.DeleteOp{Name: "x.wbk", Root: root, Path: "docs/x.wbk"})
		assert.Equal(t, command.KindDeleteFile, again.Kind())
	})
}

func TestRestoredAsideDeleteOnClose(t *testing.T) {
	t.Parallel()
	e, _ := newEvaluator(Options{})
	ctx := e.NewContext("docs")

	e.Evaluate(ctx, create("x.tmp"))
	e.Evaluate(ctx, rename("x.doc", "x.wbk", false))
	e.Evaluate(ctx, rename("x.tmp", "x.doc", false))

	f := netfile.New(netfile.Options{Path: "docs/x.wbk"})
	c := requireCompound(t, e.Evaluate(ctx, closeOp("x.wbk", f, true)))
	assert.Empty(t, c.Phase(command.PhaseMain), "no repository work for the restored copy")
	assert.Equal(t, []command.Command{
		command.ReduceQuota{File: f},
		command.RemoveTempFile{File: f},
	}, c.Phase(command.PhasePostCommit))
	assert.Equal(t, command.TxNone, c.Requirement())
}

func TestTempRenamedBeforeShuffle(t *testing.T) {
	t.Parallel()
	e, _ := newEvaluator(Options{})
	ctx := e.NewContext("docs")

	e.Evaluate(ctx, create("a.tmp"))
	e.Evaluate(ctx, rename("a.tmp", "b.tmp", false))
	c := requireCompound(t, e.Evaluate(ctx, rename("b.tmp", "final.doc", true)))
	assert.Equal(t, []command.Kind{command.KindCopyContent, command.KindDeleteFile}, kinds(c.Phase(command.PhaseMain)))
}

func TestCrossFolderRenameIsPlain(t *testing.T) {
	t.Parallel()
	e, _ := newEvaluator(Options{})
	ctx := e.NewContext("docs")

	e.Evaluate(ctx, create("a.tmp"))
	op := command.RenameOp{
		OldName: "a.tmp", NewName: "a.doc",
		OldPath: "docs/a.tmp", NewPath: "other/a.doc",
		Root: root, TargetExists: true,
	}
	assert.Equal(t, command.KindRenameFile, e.Evaluate(ctx, op).Kind())
	assert.Zero(t, ctx.Len())
}

func TestContextsAreIndependent(t *testing.T) {
	t.Parallel()
	e, _ := newEvaluator(Options{})
	a := e.NewContext("docs")
	b := e.NewContext("docs")

	e.Evaluate(a, create("x.tmp"))
	assert.Equal(t, command.KindRenameFile, e.Evaluate(b, rename("x.tmp", "x.doc", true)).Kind())
	assert.Equal(t, command.KindCompound, e.Evaluate(a, rename("x.tmp", "x.doc", true)).Kind())
}

func TestContextWindow(t *testing.T) {
	t.Parallel()
	e, _ := newEvaluator(Options{Window: 2})
	ctx := e.NewContext("docs")

	e.Evaluate(ctx, create("1.tmp"))
	e.Evaluate(ctx, create("2.tmp"))
	e.Evaluate(ctx, create("3.tmp"))
	assert.Equal(t, 2, ctx.Len())

	assert.Equal(t, command.KindRenameFile, e.Evaluate(ctx, rename("1.tmp", "1.doc", true)).Kind())
	assert.Equal(t, command.KindCompound, e.Evaluate(ctx, rename("3.tmp", "3.doc", true)).Kind())
}

func TestContextMaxAge(t *testing.T) {
	t.Parallel()
	e, clk := newEvaluator(Options{MaxAge: time.Minute})
	ctx := e.NewContext("docs")

	e.Evaluate(ctx, create("old.tmp"))
	clk.advance(2 * time.Minute)
	assert.Equal(t, command.KindRenameFile, e.Evaluate(ctx, rename("old.tmp", "old.doc", true)).Kind())
}

type unknownOp struct{ command.CreateOp }

func TestUnknownOperationDoesNothing(t *testing.T) {
	t.Parallel()
	e, _ := newEvaluator(Options{})
	ctx := e.NewContext("")
	var got command.Command
	require.NotPanics(t, func() { got = e.Evaluate(ctx, unknownOp{}) })
	assert.Equal(t, command.DoNothing{}, got)
	assert.Zero(t, ctx.Len())
}

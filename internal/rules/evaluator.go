// Package rules turns filesystem operations into command plans.
//
// Most operations translate directly into the matching command. The
// exceptions are the save sequences editors use to replace a document
// atomically, which would otherwise replace the document's node and lose its
// version history:
//
//	create T (temp), write, close, rename T -> X            (rename over)
//	create T, rename X -> B (temp), rename T -> X, delete B  (rename aside)
//
// Both become a plan that writes T's content onto X as a new version and then
// removes T. Evaluation never touches the repository.
package rules

import (
	"time"

	log "github.com/sirupsen/logrus"

	"repofs/internal/command"
	"repofs/internal/common"
)

const (
	// DefaultWindow is how many names a folder context remembers.
	DefaultWindow = 32
	// DefaultMaxAge is how long a remembered name stays relevant.
	DefaultMaxAge = 2 * time.Minute
)

// Options configures an Evaluator.
type Options struct {
	TempPatterns []string
	Window       int
	MaxAge       time.Duration
	Now          func() time.Time
}

// Evaluator maps operations to commands. It is stateless apart from its
// configuration and safe for concurrent use; the state lives in Contexts.
type Evaluator struct {
	temp   *TempMatcher
	window int
	maxAge time.Duration
	now    func() time.Time
}

// New returns an evaluator for opts.
func New(opts Options) *Evaluator {
	e := &Evaluator{
		temp:   NewTempMatcher(opts.TempPatterns),
		window: opts.Window,
		maxAge: opts.MaxAge,
		now:    opts.Now,
	}
	if e.window <= 0 {
		e.window = DefaultWindow
	}
	if e.maxAge <= 0 {
		e.maxAge = DefaultMaxAge
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// TempMatcher returns the evaluator's temp-name matcher.
func (e *Evaluator) TempMatcher() *TempMatcher {
	return e.temp
}

// NewContext returns an empty context for folder.
func (e *Evaluator) NewContext(folder string) *Context {
	return &Context{
		folder: common.NormalizePath(folder),
		window: e.window,
		maxAge: e.maxAge,
	}
}

// Evaluate returns the command plan for op and updates ctx.
func (e *Evaluator) Evaluate(ctx *Context, op command.Operation) command.Command {
	now := e.now()
	switch op := op.(type) {
	case command.CreateOp:
		return e.create(ctx, op, now)
	case command.OpenOp:
		return command.OpenFile{Root: op.Root, Path: op.Path, Mode: op.Mode, Truncate: op.Truncate}
	case command.DeleteOp:
		return e.delete(ctx, op, now)
	case command.RenameOp:
		return e.rename(ctx, op, now)
	case command.CloseOp:
		return e.close(ctx, op, now)
	default:
		log.Errorf("[Rules] %s: unhandled operation %T", ctx.folder, op)
		return command.DoNothing{}
	}
}

func (e *Evaluator) create(ctx *Context, op command.CreateOp, now time.Time) command.Command {
	if e.temp.IsTemp(op.Name) {
		ent := ctx.touch(op.Name, now)
		ent.created = true
		ent.consumed = false
	} else {
		// A plain file of the same name replaces whatever was remembered.
		ctx.forget(op.Name)
	}
	return command.CreateFile{Root: op.Root, Path: op.Path, AllocationSize: op.AllocationSize}
}

func (e *Evaluator) delete(ctx *Context, op command.DeleteOp, now time.Time) command.Command {
	if ent := ctx.get(op.Name, now); ent != nil {
		ctx.forget(op.Name)
		if ent.restored {
			// The aside copy was already moved back over its original.
			log.Debugf("[Rules] %s: delete of restored %s is a no-op", ctx.folder, op.Name)
			return command.DoNothing{}
		}
	}
	return command.DeleteFile{Root: op.Root, Path: op.Path}
}

func (e *Evaluator) rename(ctx *Context, op command.RenameOp, now time.Time) command.Command {
	plain := command.RenameFile{Root: op.Root, FromPath: op.OldPath, ToPath: op.NewPath, Replace: op.Replace}

	oldParent, _ := common.SplitParent(op.OldPath)
	newParent, _ := common.SplitParent(op.NewPath)
	if common.PathKey(oldParent) != common.PathKey(newParent) {
		ctx.forget(op.OldName)
		return plain
	}

	oldTemp := e.temp.IsTemp(op.OldName)
	newTemp := e.temp.IsTemp(op.NewName)
	src := ctx.get(op.OldName, now)

	if oldTemp && !newTemp && src != nil && src.created && !src.consumed {
		if aside := ctx.asideFor(op.NewName, now); aside != nil {
			asidePath := common.JoinPath(oldParent, aside.name)
			aside.restored = true
			aside.seen = now
			src.consumed = true
			src.seen = now
			log.Debugf("[Rules] %s: rename-aside shuffle %s -> %s (aside %s)", ctx.folder, op.OldName, op.NewName, aside.name)
			return command.NewCompound(
				command.RenameFile{Root: op.Root, FromPath: asidePath, ToPath: op.NewPath},
				command.CopyContent{Root: op.Root, FromPath: op.OldPath, ToPath: op.NewPath},
				command.DeleteFile{Root: op.Root, Path: op.OldPath},
			).With(command.PhasePostError,
				command.DeleteFile{Root: op.Root, Path: op.OldPath},
			)
		}
		if op.TargetExists {
			src.consumed = true
			src.seen = now
			log.Debugf("[Rules] %s: rename-over shuffle %s -> %s", ctx.folder, op.OldName, op.NewName)
			return command.NewCompound(
				command.CopyContent{Root: op.Root, FromPath: op.OldPath, ToPath: op.NewPath},
				command.DeleteFile{Root: op.Root, Path: op.OldPath},
			).With(command.PhasePostError,
				command.DeleteFile{Root: op.Root, Path: op.OldPath},
			)
		}
	}

	if !oldTemp && newTemp {
		ent := ctx.touch(op.NewName, now)
		ent.asideOf = op.OldName
		ent.restored = false
		ent.created = false
		ent.consumed = false
		return plain
	}

	if src != nil {
		ctx.forget(op.OldName)
		moved := ctx.touch(op.NewName, now)
		moved.created = src.created
		moved.closed = src.closed
		moved.asideOf = src.asideOf
		moved.consumed = false
	}
	return plain
}

func (e *Evaluator) close(ctx *Context, op command.CloseOp, now time.Time) command.Command {
	ent := ctx.get(op.Name, now)
	if ent != nil {
		ent.closed = true
		ent.seen = now
		if ent.consumed {
			// The content behind this handle was already moved onto another
			// name; closing it must not touch the repository.
			log.Debugf("[Rules] %s: close of consumed %s", ctx.folder, op.Name)
			return command.NewCompound().With(command.PhasePostCommit,
				command.ReduceQuota{File: op.File},
				command.RemoveTempFile{File: op.File},
			)
		}
		if ent.restored && op.DeleteOnClose {
			// The node behind this handle now lives under the original name.
			ctx.forget(op.Name)
			return command.NewCompound().With(command.PhasePostCommit,
				command.ReduceQuota{File: op.File},
				command.RemoveTempFile{File: op.File},
			)
		}
		if op.DeleteOnClose {
			ctx.forget(op.Name)
		}
	}

	c := command.NewCompound(command.CloseFile{Root: op.Root, Path: op.Path, File: op.File})
	if op.DeleteOnClose {
		c = c.With(command.PhasePostCommit, command.ReduceQuota{File: op.File})
	}
	c = c.With(command.PhasePostCommit, command.RemoveTempFile{File: op.File})
	if op.File != nil && op.File.Created() {
		c = c.With(command.PhasePostError, command.RemoveEmptyFileOnError{Root: op.Root, Path: op.Path})
	}
	return c
}

// Package executor runs command plans against the repository.
//
// The transaction a plan needs is read off the plan before anything runs.
// Plans needing none run inline; the rest run as one retried unit of work.
// After the unit commits its post-commit commands run in order; after it
// fails its post-error commands run one by one, each on its own, and their
// failures are logged without replacing the original error.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"repofs/internal/command"
	"repofs/internal/common"
	"repofs/internal/metrics"
	"repofs/internal/netfile"
	"repofs/internal/session"
	"repofs/internal/storage"
)

// Scope is what a command runs with. Tx is nil outside a transaction.
type Scope struct {
	Session *session.Session
	Tree    *session.Tree
	Tx      *storage.Tx
}

// Repository performs the commands that touch repository state.
type Repository interface {
	CreateFile(ctx context.Context, s Scope, c command.CreateFile) (*netfile.File, error)
	OpenFile(ctx context.Context, s Scope, c command.OpenFile) (*netfile.File, error)
	CloseFile(ctx context.Context, s Scope, c command.CloseFile) error
	DeleteFile(ctx context.Context, s Scope, c command.DeleteFile) error
	RenameFile(ctx context.Context, s Scope, c command.RenameFile) error
	CopyContent(ctx context.Context, s Scope, c command.CopyContent) error
	DeleteEmptyFile(ctx context.Context, s Scope, c command.RemoveEmptyFileOnError) error
}

// Disk performs the commands that only touch local state.
type Disk interface {
	ReduceQuota(s Scope, f *netfile.File)
	RemoveTempFile(f *netfile.File) error
}

// Transactor runs retried units of work.
type Transactor interface {
	RunInTransaction(ctx context.Context, readOnly bool, fn func(ctx context.Context, tx *storage.Tx) error) error
}

// Executor interprets commands.
type Executor struct {
	repo Repository
	disk Disk
	txm  Transactor
}

// New returns an executor.
func New(repo Repository, disk Disk, txm Transactor) *Executor {
	return &Executor{repo: repo, disk: disk, txm: txm}
}

// Execute runs cmd and returns the result of the last command that produced
// one.
func (e *Executor) Execute(ctx context.Context, sess *session.Session, tree *session.Tree, cmd command.Command) (any, error) {
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() {
			log.Tracef("[Executor] %s took %v", describe(cmd), time.Since(start))
		}()
	}

	req := cmd.Requirement()
	scope := Scope{Session: sess, Tree: tree}

	var r *runner
	var err error
	if req == command.TxNone {
		r = newRunner(e, scope, req)
		_, err = r.run(ctx, cmd)
	} else {
		start := time.Now()
		err = e.txm.RunInTransaction(ctx, req == command.TxReadOnly, func(ctx context.Context, tx *storage.Tx) error {
			s := scope
			s.Tx = tx
			r = newRunner(e, s, req)
			_, err := r.run(ctx, cmd)
			return err
		})
		metrics.TransactionDuration.WithLabelValues(req.String()).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		e.postError(ctx, sess, tree, cmd, r, err)
		return nil, err
	}
	return e.postCommit(ctx, sess, tree, r)
}

func (e *Executor) postError(ctx context.Context, sess *session.Session, tree *session.Tree, cmd command.Command, r *runner, cause error) {
	var cleanup []command.Command
	if r != nil {
		cleanup = r.postError
	} else if c, ok := cmd.(*command.Compound); ok {
		cleanup = c.Phase(command.PhasePostError)
	}
	if len(cleanup) == 0 {
		return
	}

	var errs *multierror.Error
	for _, c := range cleanup {
		if _, err := e.Execute(ctx, sess, tree, c); err != nil {
			metrics.PostErrorFailures.Inc()
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", c.Kind(), err))
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		log.Warnf("[Executor] cleanup after %v failed: %v", cause, err)
	}
}

func (e *Executor) postCommit(ctx context.Context, sess *session.Session, tree *session.Tree, r *runner) (any, error) {
	result := r.last
	for _, c := range r.postCommit {
		if cb, ok := c.(command.ResultCallback); ok {
			if cb.Fn != nil {
				if err := cb.Fn(result); err != nil {
					return nil, err
				}
			}
			continue
		}
		if _, err := e.Execute(ctx, sess, tree, c); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func describe(cmd command.Command) string {
	if s, ok := cmd.(fmt.Stringer); ok {
		return s.String()
	}
	return cmd.Kind().String()
}

// runner executes one attempt of a plan. Post phases of every compound it
// reaches are collected for after the attempt.
type runner struct {
	e     *Executor
	ctx   context.Context
	scope Scope
	mode  command.TxRequirement

	last       any
	postCommit []command.Command
	postError  []command.Command
}

var _ command.Visitor = (*runner)(nil)

func newRunner(e *Executor, scope Scope, mode command.TxRequirement) *runner {
	return &runner{e: e, scope: scope, mode: mode}
}

func (r *runner) run(ctx context.Context, cmd command.Command) (any, error) {
	r.ctx = ctx
	if cmd.Requirement() > r.mode {
		return nil, r.violation("%s needs a %s transaction, running in %s", cmd.Kind(), cmd.Requirement(), r.mode)
	}
	res, err := command.Visit(cmd, r)
	if cmd.Kind() != command.KindCompound {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.CommandExecutions.WithLabelValues(cmd.Kind().String(), result).Inc()
	}
	if err != nil {
		return nil, err
	}
	if res != nil {
		r.last = res
	}
	return res, nil
}

func (r *runner) violation(format string, args ...any) error {
	err := fmt.Errorf("%w: "+format, append([]any{common.ErrContractViolation}, args...)...)
	log.Errorf("[Executor] %v", err)
	return err
}

func (r *runner) Compound(c *command.Compound) (any, error) {
	r.postCommit = append(r.postCommit, c.Phase(command.PhasePostCommit)...)
	r.postError = append(r.postError, c.Phase(command.PhasePostError)...)

	var last any
	for _, cmd := range c.Phase(command.PhaseMain) {
		res, err := r.run(r.ctx, cmd)
		if err != nil {
			return nil, err
		}
		if res != nil {
			last = res
		}
	}
	return last, nil
}

func (r *runner) CreateFile(c command.CreateFile) (any, error) {
	f, err := r.e.repo.CreateFile(r.ctx, r.scope, c)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, r.violation("create %s returned no file", c.Path)
	}
	return f, nil
}

func (r *runner) OpenFile(c command.OpenFile) (any, error) {
	f, err := r.e.repo.OpenFile(r.ctx, r.scope, c)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, r.violation("open %s returned no file", c.Path)
	}
	return f, nil
}

func (r *runner) CloseFile(c command.CloseFile) (any, error) {
	return nil, r.e.repo.CloseFile(r.ctx, r.scope, c)
}

func (r *runner) DeleteFile(c command.DeleteFile) (any, error) {
	return nil, r.e.repo.DeleteFile(r.ctx, r.scope, c)
}

func (r *runner) RenameFile(c command.RenameFile) (any, error) {
	return nil, r.e.repo.RenameFile(r.ctx, r.scope, c)
}

func (r *runner) CopyContent(c command.CopyContent) (any, error) {
	return nil, r.e.repo.CopyContent(r.ctx, r.scope, c)
}

func (r *runner) RemoveEmptyFileOnError(c command.RemoveEmptyFileOnError) (any, error) {
	return nil, r.e.repo.DeleteEmptyFile(r.ctx, r.scope, c)
}

func (r *runner) ReduceQuota(c command.ReduceQuota) (any, error) {
	if c.File != nil {
		r.e.disk.ReduceQuota(r.scope, c.File)
	}
	return nil, nil
}

func (r *runner) RemoveTempFile(c command.RemoveTempFile) (any, error) {
	if c.File == nil {
		return nil, nil
	}
	return nil, r.e.disk.RemoveTempFile(c.File)
}

func (r *runner) ReturnValue(c command.ReturnValue) (any, error) {
	return c.Value, nil
}

func (r *runner) ResultCallback(c command.ResultCallback) (any, error) {
	if c.Fn == nil {
		return nil, nil
	}
	return nil, c.Fn(r.last)
}

func (r *runner) DoNothing(command.DoNothing) (any, error) {
	return nil, nil
}

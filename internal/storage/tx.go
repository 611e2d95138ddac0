package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"repofs/internal/common"
	"repofs/internal/util"
)

// CommitHook is bound to one transaction attempt and told how it ended.
type CommitHook interface {
	AfterCommit()
	AfterRollback()
}

type hookFuncs struct {
	commit   func()
	rollback func()
}

func (h hookFuncs) AfterCommit() {
	if h.commit != nil {
		h.commit()
	}
}

func (h hookFuncs) AfterRollback() {
	if h.rollback != nil {
		h.rollback()
	}
}

// Tx is one attempt of a unit of work. A retried unit of work gets a fresh
// Tx per attempt, so state bound to a failed attempt is discarded with it.
type Tx struct {
	tx       bun.Tx
	store    *Store
	readOnly bool
	now      time.Time

	hooks  []CommitHook
	keyed  map[any]CommitHook
	closed bool
}

// ReadOnly reports whether the unit of work was declared read-only.
func (tx *Tx) ReadOnly() bool {
	return tx.readOnly
}

// Now is the transaction timestamp used for every time it writes.
func (tx *Tx) Now() time.Time {
	return tx.now
}

// Hook returns the hook owner registered on this transaction, creating it
// with create on first use. Hooks run in registration order.
func (tx *Tx) Hook(owner any, create func() CommitHook) CommitHook {
	if h, ok := tx.keyed[owner]; ok {
		return h
	}
	h := create()
	if tx.keyed == nil {
		tx.keyed = make(map[any]CommitHook)
	}
	tx.keyed[owner] = h
	tx.hooks = append(tx.hooks, h)
	return h
}

// OnCommit runs fn once this attempt has committed.
func (tx *Tx) OnCommit(fn func()) {
	tx.hooks = append(tx.hooks, hookFuncs{commit: fn})
}

func (tx *Tx) writable() error {
	if tx.readOnly {
		return fmt.Errorf("write in read-only transaction: %w", common.ErrReadOnly)
	}
	return nil
}

func (tx *Tx) finish(committed bool) {
	if tx.closed {
		return
	}
	tx.closed = true
	for _, h := range tx.hooks {
		if committed {
			h.AfterCommit()
		} else {
			h.AfterRollback()
		}
	}
}

// RunInTransaction runs fn in a transaction, retrying the whole unit of work
// on transient failures (lock contention, ErrConflict). Commit hooks fire
// after a successful commit; rollback hooks after every failed attempt.
//
// An error fn returns that is not transient ends the loop at once and is
// returned to the caller exactly as fn produced it. Exhausted retries are
// reported as ErrIO wrapping the last transient cause.
func (s *Store) RunInTransaction(ctx context.Context, readOnly bool, fn func(ctx context.Context, tx *Tx) error) error {
	var workErr error
	attempt := 0

	err := retry.Do(func() error {
		attempt++
		workErr = nil

		btx, err := s.bunDB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		tx := &Tx{tx: btx, store: s, readOnly: readOnly, now: s.now()}

		if err := fn(ctx, tx); err != nil {
			if rbErr := btx.Rollback(); rbErr != nil {
				log.Debugf("[Storage] rollback after %v: %v", err, rbErr)
			}
			tx.finish(false)
			if util.IsTransient(err) {
				log.Debugf("[Storage] transient failure on attempt %d: %v", attempt, err)
				return err
			}
			workErr = err
			return retry.Unrecoverable(err)
		}

		if !readOnly {
			s.commitMu.Lock()
			defer s.commitMu.Unlock()
		}
		if err := btx.Commit(); err != nil {
			tx.finish(false)
			return err
		}
		tx.finish(true)
		return nil
	}, util.TransactionRetryOptions(ctx, s.opts.Retry)...)

	if workErr != nil {
		return workErr
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: transaction failed after %d attempts: %w", common.ErrIO, attempt, err)
	}
	return nil
}

// db is the query handle for this attempt.
func (tx *Tx) db() bun.IDB {
	return tx.tx
}

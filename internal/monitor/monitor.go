// Package monitor reconciles repository node changes into the share's
// caches and change notifications.
//
// Policies record events into a list bound to the mutating transaction.
// When that transaction commits the list moves onto the share's queue; a
// rolled back attempt discards it. A single worker drains the queue in
// commit order.
package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"repofs/internal/cache"
	"repofs/internal/common"
	"repofs/internal/filestate"
	"repofs/internal/metrics"
	"repofs/internal/notify"
	"repofs/internal/storage"
)

const DefaultQueueWarn = 1000

// Options configures a Monitor.
type Options struct {
	Share string
	Root  storage.NodeRef
	Store *storage.Store
	Cache *cache.MetadataCache
	Files *filestate.Table
	Sink  notify.Sink
	// Notify enables change notifications for the share.
	Notify bool
	// QueueWarn logs a warning whenever the queue grows past it.
	QueueWarn int
}

// Monitor watches the nodes below one share root.
type Monitor struct {
	opts  Options
	queue *Queue

	stopping atomic.Bool
	stop     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	once     sync.Once
}

// New creates a monitor and registers its policies with the store.
func New(opts Options) *Monitor {
	if opts.Sink == nil {
		opts.Sink = notify.Discard
	}
	if opts.QueueWarn <= 0 {
		opts.QueueWarn = DefaultQueueWarn
	}
	m := &Monitor{
		opts:  opts,
		queue: NewQueue(opts.Share),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	p := opts.Store.Policies()
	p.OnCreateNode(m.onCreate)
	p.BeforeDeleteNode(m.beforeDelete)
	p.OnDeleteNode(m.onDelete)
	p.OnMoveNode(m.onMove)
	p.OnUpdateNode(m.onUpdate)
	return m
}

// Queue exposes the committed event queue.
func (m *Monitor) Queue() *Queue {
	return m.queue
}

// batch collects the events of one transaction attempt.
type batch struct {
	m      *Monitor
	events []*Event
}

func (b *batch) AfterCommit() {
	var ready []*Event
	for _, ev := range b.events {
		if !ev.Confirmed() {
			log.Debugf("[Monitor] %s: discarding unconfirmed %s", b.m.opts.Share, ev)
			metrics.MonitorEvents.WithLabelValues(b.m.opts.Share, ev.Type.String(), "discarded").Inc()
			continue
		}
		ready = append(ready, ev)
	}
	b.m.queue.Push(ready...)
	if n := b.m.queue.Len(); n > b.m.opts.QueueWarn {
		log.Warnf("[Monitor] %s: %d events queued", b.m.opts.Share, n)
	}
}

func (b *batch) AfterRollback() {
	b.events = nil
}

func (m *Monitor) batch(tx *storage.Tx) *batch {
	return tx.Hook(m, func() storage.CommitHook { return &batch{m: m} }).(*batch)
}

func (m *Monitor) record(tx *storage.Tx, ev *Event) {
	b := m.batch(tx)
	b.events = append(b.events, ev)
}

// relPath returns the share path of ref, or false when it is outside the share.
func (m *Monitor) relPath(ctx context.Context, tx *storage.Tx, ref storage.NodeRef) (string, bool) {
	p, err := tx.PathOf(ctx, m.opts.Root, ref)
	if err != nil {
		if !errors.Is(err, common.ErrNotFound) {
			log.Warnf("[Monitor] %s: resolving %s: %v", m.opts.Share, ref, err)
		}
		return "", false
	}
	return p, true
}

func (m *Monitor) onCreate(ctx context.Context, tx *storage.Tx, n *storage.Node) {
	p, ok := m.relPath(ctx, tx, n.Ref)
	if !ok {
		return
	}
	m.record(tx, &Event{Type: EventCreate, Ref: n.Ref, Folder: n.IsFolder(), Path: p})
}

func (m *Monitor) beforeDelete(ctx context.Context, tx *storage.Tx, n *storage.Node) {
	p, ok := m.relPath(ctx, tx, n.Ref)
	if !ok {
		return
	}
	m.record(tx, &Event{Type: EventDelete, Ref: n.Ref, Folder: n.IsFolder(), Path: p})
}

func (m *Monitor) onDelete(ctx context.Context, tx *storage.Tx, n *storage.Node) {
	b := m.batch(tx)
	for i := len(b.events) - 1; i >= 0; i-- {
		ev := b.events[i]
		if ev.Type == EventDelete && ev.Ref == n.Ref && !ev.confirmed {
			ev.confirmed = true
			return
		}
	}
}

func (m *Monitor) onMove(ctx context.Context, tx *storage.Tx, n *storage.Node, oldParent storage.NodeRef, oldName string) {
	from, fromOK := m.relPath(ctx, tx, oldParent)
	if fromOK {
		from = common.JoinPath(from, oldName)
	}
	to, toOK := m.relPath(ctx, tx, n.Ref)

	switch {
	case fromOK && toOK:
		m.record(tx, &Event{Type: EventMove, Ref: n.Ref, Folder: n.IsFolder(), Path: from, ToPath: to})
	case fromOK:
		// Moved out of the share: a removal as far as clients can tell.
		m.record(tx, &Event{Type: EventDelete, Ref: n.Ref, Folder: n.IsFolder(), Path: from, confirmed: true})
	case toOK:
		m.record(tx, &Event{Type: EventCreate, Ref: n.Ref, Folder: n.IsFolder(), Path: to})
	}
}

func (m *Monitor) onUpdate(ctx context.Context, tx *storage.Tx, before, after *storage.Node) {
	now := tx.Now()
	wasLocked, locked := before.Locked(now), after.Locked(now)
	if wasLocked == locked && before.LockOwner == after.LockOwner {
		return
	}
	p, ok := m.relPath(ctx, tx, after.Ref)
	if !ok {
		return
	}
	m.record(tx, &Event{Type: EventLock, Ref: after.Ref, Folder: after.IsFolder(), Path: p, WasLocked: wasLocked, Locked: locked})
}

// Start runs the worker until Stop.
func (m *Monitor) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go m.run()
}

// Stop asks the worker to finish the event in hand and exit. Events still
// queued are dropped.
func (m *Monitor) Stop() {
	m.once.Do(func() {
		m.stopping.Store(true)
		close(m.stop)
	})
	if m.started.Load() {
		<-m.done
	}
}

func (m *Monitor) run() {
	defer close(m.done)
	log.Debugf("[Monitor] %s: worker started", m.opts.Share)
	for !m.stopping.Load() {
		ev, ok := m.queue.Pop(m.stop)
		if !ok {
			break
		}
		if m.stopping.Load() {
			break
		}
		m.process(ev)
	}
	if n := m.queue.Len(); n > 0 {
		log.Debugf("[Monitor] %s: dropping %d queued events", m.opts.Share, n)
	}
	log.Debugf("[Monitor] %s: worker stopped", m.opts.Share)
}

// process applies one event. Failures are logged and never stop the worker.
func (m *Monitor) process(ev *Event) {
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() {
			log.Tracef("[Monitor] %s: %s took %v", m.opts.Share, ev, time.Since(start))
		}()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[Monitor] %s: panic processing %s: %v", m.opts.Share, ev, r)
			metrics.MonitorEvents.WithLabelValues(m.opts.Share, ev.Type.String(), "failed").Inc()
		}
	}()

	if !ev.Confirmed() {
		metrics.MonitorEvents.WithLabelValues(m.opts.Share, ev.Type.String(), "skipped").Inc()
		return
	}

	var exists bool
	err := m.opts.Store.RunInTransaction(context.Background(), true, func(ctx context.Context, tx *storage.Tx) error {
		if ev.Type == EventDelete {
			return nil
		}
		_, err := tx.GetNode(ctx, ev.Ref)
		if errors.Is(err, common.ErrNotFound) {
			exists = false
			return nil
		}
		exists = err == nil
		return err
	})
	if err != nil {
		log.Warnf("[Monitor] %s: %s: %v", m.opts.Share, ev, err)
		metrics.MonitorEvents.WithLabelValues(m.opts.Share, ev.Type.String(), "failed").Inc()
		return
	}
	if ev.Type != EventDelete && !exists {
		log.Debugf("[Monitor] %s: %s: node is gone", m.opts.Share, ev)
		metrics.MonitorEvents.WithLabelValues(m.opts.Share, ev.Type.String(), "skipped").Inc()
		return
	}

	m.apply(ev)
	metrics.MonitorEvents.WithLabelValues(m.opts.Share, ev.Type.String(), "processed").Inc()
}

func (m *Monitor) apply(ev *Event) {
	files, c, sink := m.opts.Files, m.opts.Cache, m.opts.Sink
	share := m.opts.Share

	switch ev.Type {
	case EventCreate:
		if files != nil {
			files.SetStatus(ev.Path, filestate.StatusExists)
		}
		if c != nil {
			c.Invalidate(ev.Path)
		}
		if m.opts.Notify {
			if ev.Folder {
				sink.DirectoryChanged(share, notify.ActionAdded, ev.Path)
			} else {
				sink.FileChanged(share, notify.ActionAdded, ev.Path)
			}
		}
	case EventDelete:
		if files != nil {
			files.SetStatus(ev.Path, filestate.StatusNotExist)
		}
		if c != nil {
			c.InvalidateAll()
		}
		if m.opts.Notify {
			if ev.Folder {
				sink.DirectoryChanged(share, notify.ActionRemoved, ev.Path)
			} else {
				sink.FileChanged(share, notify.ActionRemoved, ev.Path)
			}
		}
	case EventMove:
		if files != nil {
			files.SetStatus(ev.Path, filestate.StatusNotExist)
			files.SetStatus(ev.ToPath, filestate.StatusExists)
		}
		if c != nil {
			c.InvalidateAll()
		}
		if m.opts.Notify {
			sink.Renamed(share, ev.Path, ev.ToPath, ev.Folder)
		}
	case EventLock:
		if c != nil {
			c.Invalidate(ev.Path)
		}
		if m.opts.Notify {
			sink.AttributesChanged(share, ev.Path)
		}
	}
}

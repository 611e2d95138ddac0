package storage

import (
	"context"
	"sync"
)

// Policy callbacks run synchronously inside the mutating transaction, in
// registration order. They must not start transactions of their own.
type (
	NodePolicy   func(ctx context.Context, tx *Tx, n *Node)
	MovePolicy   func(ctx context.Context, tx *Tx, n *Node, oldParent NodeRef, oldName string)
	UpdatePolicy func(ctx context.Context, tx *Tx, before, after *Node)
)

// Policies is the registry of node lifecycle callbacks.
//
// BeforeDeleteNode fires for every delete. OnDeleteNode fires only when the
// node was actually purged; a delete that archived the node does not reach it.
type Policies struct {
	mu           sync.RWMutex
	onCreate     []NodePolicy
	beforeDelete []NodePolicy
	onDelete     []NodePolicy
	onMove       []MovePolicy
	onUpdate     []UpdatePolicy
}

func newPolicies() *Policies {
	return &Policies{}
}

func (p *Policies) OnCreateNode(fn NodePolicy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCreate = append(p.onCreate, fn)
}

func (p *Policies) BeforeDeleteNode(fn NodePolicy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.beforeDelete = append(p.beforeDelete, fn)
}

func (p *Policies) OnDeleteNode(fn NodePolicy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDelete = append(p.onDelete, fn)
}

func (p *Policies) OnMoveNode(fn MovePolicy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onMove = append(p.onMove, fn)
}

// OnUpdateNode fires after properties, times, attributes or lock state change.
func (p *Policies) OnUpdateNode(fn UpdatePolicy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onUpdate = append(p.onUpdate, fn)
}

func (p *Policies) fireCreate(ctx context.Context, tx *Tx, n *Node) {
	p.mu.RLock()
	fns := p.onCreate
	p.mu.RUnlock()
	for _, fn := range fns {
		fn(ctx, tx, n)
	}
}

func (p *Policies) fireBeforeDelete(ctx context.Context, tx *Tx, n *Node) {
	p.mu.RLock()
	fns := p.beforeDelete
	p.mu.RUnlock()
	for _, fn := range fns {
		fn(ctx, tx, n)
	}
}

func (p *Policies) fireDelete(ctx context.Context, tx *Tx, n *Node) {
	p.mu.RLock()
	fns := p.onDelete
	p.mu.RUnlock()
	for _, fn := range fns {
		fn(ctx, tx, n)
	}
}

func (p *Policies) fireMove(ctx context.Context, tx *Tx, n *Node, oldParent NodeRef, oldName string) {
	p.mu.RLock()
	fns := p.onMove
	p.mu.RUnlock()
	for _, fn := range fns {
		fn(ctx, tx, n, oldParent, oldName)
	}
}

func (p *Policies) fireUpdate(ctx context.Context, tx *Tx, before, after *Node) {
	p.mu.RLock()
	fns := p.onUpdate
	p.mu.RUnlock()
	for _, fn := range fns {
		fn(ctx, tx, before, after)
	}
}

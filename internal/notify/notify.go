// Package notify delivers change notifications to connected clients.
package notify

import (
	"fmt"
	"sync"
)

// Action is the kind of change a notification reports.
type Action int

const (
	ActionAdded Action = iota + 1
	ActionRemoved
	ActionModified
	ActionRenamed
	ActionAttributes
)

func (a Action) String() string {
	switch a {
	case ActionAdded:
		return "added"
	case ActionRemoved:
		return "removed"
	case ActionModified:
		return "modified"
	case ActionRenamed:
		return "renamed"
	case ActionAttributes:
		return "attributes"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Event is one delivered notification. OldPath is set for renames.
type Event struct {
	Share   string
	Action  Action
	Path    string
	OldPath string
	Folder  bool
}

// Sink receives change notifications. Calls never block.
type Sink interface {
	FileChanged(share string, action Action, path string)
	DirectoryChanged(share string, action Action, path string)
	Renamed(share string, oldPath, newPath string, folder bool)
	AttributesChanged(share string, path string)
}

type discard struct{}

func (discard) FileChanged(string, Action, string)      {}
func (discard) DirectoryChanged(string, Action, string) {}
func (discard) Renamed(string, string, string, bool)    {}
func (discard) AttributesChanged(string, string)        {}

// Discard drops every notification.
var Discard Sink = discard{}

// Hub fans notifications out to subscribers. A subscriber whose buffer is
// full misses the event; delivery never waits.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	next    int
	dropped int
}

// NewHub returns a hub without subscribers.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel receiving events and a function that ends the
// subscription and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped is the number of events lost to full subscriber buffers.
func (h *Hub) Dropped() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

func (h *Hub) publish(ev Event) {
	h.mu.RLock()
	dropped := 0
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	h.mu.RUnlock()
	if dropped > 0 {
		h.mu.Lock()
		h.dropped += dropped
		h.mu.Unlock()
	}
}

func (h *Hub) FileChanged(share string, action Action, path string) {
	h.publish(Event{Share: share, Action: action, Path: path})
}

func (h *Hub) DirectoryChanged(share string, action Action, path string) {
	h.publish(Event{Share: share, Action: action, Path: path, Folder: true})
}

func (h *Hub) Renamed(share string, oldPath, newPath string, folder bool) {
	h.publish(Event{Share: share, Action: ActionRenamed, Path: newPath, OldPath: oldPath, Folder: folder})
}

func (h *Hub) AttributesChanged(share string, path string) {
	h.publish(Event{Share: share, Action: ActionAttributes, Path: path})
}

package monitor

import (
	"fmt"

	"repofs/internal/storage"
)

// EventType is the repository change an event reports.
type EventType int

const (
	EventCreate EventType = iota + 1
	EventDelete
	EventMove
	EventLock
)

func (t EventType) String() string {
	switch t {
	case EventCreate:
		return "create"
	case EventDelete:
		return "delete"
	case EventMove:
		return "move"
	case EventLock:
		return "lock"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is a node change seen inside a transaction. Paths are relative to
// the share root.
type Event struct {
	Type   EventType
	Ref    storage.NodeRef
	Folder bool

	// Path is the affected path; for moves it is the source.
	Path string
	// ToPath is the destination of a move.
	ToPath string

	// WasLocked and Locked describe a lock change.
	WasLocked bool
	Locked    bool

	// confirmed is set when a delete really removed the node. Only
	// confirmed deletes leave the transaction.
	confirmed bool
}

// Confirmed reports whether the event may be delivered.
func (e *Event) Confirmed() bool {
	return e.Type != EventDelete || e.confirmed
}

func (e *Event) String() string {
	if e.Type == EventMove {
		return fmt.Sprintf("%s %s -> %s", e.Type, e.Path, e.ToPath)
	}
	return fmt.Sprintf("%s %s", e.Type, e.Path)
}

package monitor

import (
	"sync"

	"repofs/internal/metrics"
)

// Queue is an unbounded FIFO of committed events.
type Queue struct {
	share  string
	mu     sync.Mutex
	items  []*Event
	signal chan struct{}
}

// NewQueue returns an empty queue reporting its depth under share.
func NewQueue(share string) *Queue {
	return &Queue{share: share, signal: make(chan struct{}, 1)}
}

// Push appends events in order.
func (q *Queue) Push(events ...*Event) {
	if len(events) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, events...)
	depth := len(q.items)
	q.mu.Unlock()
	metrics.MonitorQueueDepth.WithLabelValues(q.share).Set(float64(depth))

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop removes the oldest event, waiting until one arrives or stop is closed.
func (q *Queue) Pop(stop <-chan struct{}) (*Event, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			depth := len(q.items)
			q.mu.Unlock()
			metrics.MonitorQueueDepth.WithLabelValues(q.share).Set(float64(depth))
			return ev, true
		}
		q.mu.Unlock()

		select {
		case <-stop:
			return nil, false
		case <-q.signal:
		}
	}
}

// Len is the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

package queue

import (
	"context"
	"sync"
	"time"
)

// Priorities used by submission and retry paths.
const (
	PriorityNormal = 0
	PriorityHigh   = 10
)

// Queue holds trade-in IDs awaiting assessment. Enqueue is a no-op for an ID
// that is already queued. Dequeue returns only items whose processing time
// has elapsed: the highest priority first, then the earliest enqueued.
type Queue interface {
	Enqueue(ctx context.Context, id int64, priority int, delay time.Duration) (bool, error)
	Dequeue(ctx context.Context) (int64, bool, error)
	Len(ctx context.Context) (int, error)
	IsQueued(ctx context.Context, id int64) (bool, error)
}

type item struct {
	id        int64
	priority  int
	seq       uint64
	processAt time.Time
}

// MemoryQueue is the in-process Queue. Pending items are lost on restart.
type MemoryQueue struct {
	mu    sync.Mutex
	items map[int64]item
	seq   uint64
	now   func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{items: make(map[int64]item), now: time.Now}
}

// WithClock replaces the time source; used by tests to step through delays.
func (q *MemoryQueue) WithClock(now func() time.Time) *MemoryQueue {
	q.now = now
	return q
}

func (q *MemoryQueue) Enqueue(_ context.Context, id int64, priority int, delay time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.items[id]; ok {
		return false, nil
	}
	q.seq++
	q.items[id] = item{id: id, priority: priority, seq: q.seq, processAt: q.now().Add(delay)}
	return true, nil
}

func (q *MemoryQueue) Dequeue(_ context.Context) (int64, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var best *item
	for _, it := range q.items {
		if it.processAt.After(now) {
			continue
		}
		if best == nil || it.priority > best.priority || (it.priority == best.priority && it.seq < best.seq) {
			it := it
			best = &it
		}
	}
	if best == nil {
		return 0, false, nil
	}
	delete(q.items, best.id)
	return best.id, true, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

func (q *MemoryQueue) IsQueued(_ context.Context, id int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.items[id]
	return ok, nil
}

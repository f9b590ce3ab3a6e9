// Package scheduler feeds (message, node) pairs from a single FIFO queue
// into a bounded pool of download workers.
package scheduler

import (
	"sync"

	"tgdl/internal/task"
	"tgdl/internal/upstream"
)

// Item is one unit of work: a message and the job it belongs to.
type Item struct {
	Message *upstream.Message
	Node    *task.TaskNode
}

// Queue is an unbounded FIFO. Take blocks until an item is available or the
// queue is closed.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Item
	closed bool
}

func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put appends an item. Putting to a closed queue is a no-op.
func (q *Queue) Put(item Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, item)
	q.cond.Signal()
}

// Take removes the oldest item, blocking while the queue is empty. The
// second return is false once the queue is closed and drained.
func (q *Queue) Take() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return Item{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes all blocked takers. Already-queued items are still drained.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Drain discards all queued items, returning how many were dropped.
func (q *Queue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

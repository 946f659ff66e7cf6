// Package taskqueue is the FIFO between the watcher and the worker pool.
//
// Pop blocks until a task or a sentinel is available. Sentinels carry no task;
// the pool pushes one per worker at shutdown so idle workers wake up and exit.
package taskqueue

import (
	"context"
	"sync"

	"mpiapp/internal/task"
)

type entry struct {
	task     *task.Task
	sentinel bool
}

// Queue is a thread-safe FIFO of tasks.
type Queue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []entry
}

// New returns an empty queue.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends t. It never blocks.
func (q *Queue) Push(t *task.Task) {
	if t == nil {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, entry{task: t})
	q.mu.Unlock()
	q.cond.Signal()
}

// PushSentinel appends a shutdown marker.
func (q *Queue) PushSentinel() {
	q.mu.Lock()
	q.items = append(q.items, entry{sentinel: true})
	q.mu.Unlock()
	q.cond.Signal()
}

// Pop removes the head of the queue, blocking while it is empty. ok is false
// when the head was a sentinel. A cancelled ctx unblocks Pop with ctx.Err().
func (q *Queue) Pop(ctx context.Context) (t *task.Task, ok bool, err error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.cond.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		q.cond.Wait()
	}
	head := q.items[0]
	q.items[0] = entry{}
	q.items = q.items[1:]
	if head.sentinel {
		return nil, false, nil
	}
	return head.task, true, nil
}

// Clear drops every pending task and returns them in queue order. Sentinels
// stay in place.
func (q *Queue) Clear() []*task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var dropped []*task.Task
	kept := q.items[:0]
	for _, e := range q.items {
		if e.sentinel {
			kept = append(kept, e)
			continue
		}
		dropped = append(dropped, e.task)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = entry{}
	}
	q.items = kept
	return dropped
}

// Len returns the number of pending entries, sentinels included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

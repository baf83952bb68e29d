package queue

import (
	"context"
	"sync"
)

// LatestQueue runs at most one task at a time and keeps at most one task waiting. Adding a task while another
// is waiting replaces the waiting one, so a burst of checkpoint writes collapses into the newest.
type LatestQueue struct {
	mu        sync.Mutex
	running   bool
	next      func()
	destroyed bool
	idle      chan struct{}
}

func NewLatestQueue() *LatestQueue {
	idle := make(chan struct{})
	close(idle)
	return &LatestQueue{idle: idle}
}

// Add schedules task. It never blocks.
func (q *LatestQueue) Add(task func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return
	}
	if q.running {
		q.next = task
		return
	}
	q.running = true
	q.idle = make(chan struct{})
	go q.run(task)
}

func (q *LatestQueue) run(task func()) {
	for task != nil {
		task()
		q.mu.Lock()
		task, q.next = q.next, nil
		if task == nil {
			q.running = false
			close(q.idle)
		}
		q.mu.Unlock()
	}
}

// WaitIdle blocks until no task is running or waiting, or ctx is done.
func (q *LatestQueue) WaitIdle(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Destroy drops any waiting task and stops accepting new ones. The running task, if any, is left to finish.
func (q *LatestQueue) Destroy() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.destroyed = true
	q.next = nil
}

package queue

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Partitioned runs tasks with a bounded global concurrency while guaranteeing that tasks sharing a key run one
// at a time, in the order they were added. Keys are created lazily and forgotten as soon as they have no queued
// or running task.
type Partitioned struct {
	sem *semaphore.Weighted

	mu         sync.Mutex
	partitions map[string]*partition
	size       int
	changed    chan struct{}
	destroyed  bool
	drainers   sync.WaitGroup
}

type partition struct {
	tasks []func()
}

// NewPartitioned creates a queue running at most concurrency tasks at once. A concurrency of zero or less means
// no global bound.
func NewPartitioned(concurrency int) *Partitioned {
	q := &Partitioned{
		partitions: map[string]*partition{},
		changed:    make(chan struct{}),
	}
	if concurrency > 0 {
		q.sem = semaphore.NewWeighted(int64(concurrency))
	}
	return q
}

// Add queues task behind every task previously added with the same key. It returns false if the queue has been
// destroyed, in which case the task will never run.
func (q *Partitioned) Add(key string, task func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return false
	}
	p, ok := q.partitions[key]
	if !ok {
		p = &partition{}
		q.partitions[key] = p
		q.drainers.Add(1)
		go q.drain(key, p)
	}
	p.tasks = append(p.tasks, task)
	q.size++
	q.notifyLocked()
	return true
}

func (q *Partitioned) drain(key string, p *partition) {
	defer q.drainers.Done()
	for {
		q.mu.Lock()
		if q.destroyed {
			q.size -= len(p.tasks)
			p.tasks = nil
		}
		if len(p.tasks) == 0 {
			delete(q.partitions, key)
			q.notifyLocked()
			q.mu.Unlock()
			return
		}
		task := p.tasks[0]
		p.tasks[0] = nil
		p.tasks = p.tasks[1:]
		q.mu.Unlock()

		q.run(task)

		q.mu.Lock()
		q.size--
		q.notifyLocked()
		q.mu.Unlock()
	}
}

func (q *Partitioned) run(task func()) {
	if q.sem != nil {
		// Background: a task that has been dequeued always runs, cancellation is the task's business.
		_ = q.sem.Acquire(context.Background(), 1)
		defer q.sem.Release(1)
	}
	task()
}

// notifyLocked wakes everyone waiting on a change of state. q.mu must be held.
func (q *Partitioned) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Size returns the number of tasks queued or running.
func (q *Partitioned) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Partitions returns the number of keys with queued or running tasks.
func (q *Partitioned) Partitions() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.partitions)
}

// WaitBelow blocks until fewer than n tasks are queued or running, or ctx is done.
func (q *Partitioned) WaitBelow(ctx context.Context, n int) error {
	return q.waitFor(ctx, func() bool { return q.size < n })
}

// OnIdle blocks until no task is queued or running, or ctx is done.
func (q *Partitioned) OnIdle(ctx context.Context) error {
	return q.waitFor(ctx, func() bool { return q.size == 0 })
}

func (q *Partitioned) waitFor(ctx context.Context, cond func() bool) error {
	for {
		q.mu.Lock()
		if cond() {
			q.mu.Unlock()
			return nil
		}
		changed := q.changed
		q.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Destroy stops accepting tasks, drops every task that has not started and waits for running tasks to finish
// (or ctx to be done).
func (q *Partitioned) Destroy(ctx context.Context) error {
	q.mu.Lock()
	q.destroyed = true
	q.notifyLocked()
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.drainers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

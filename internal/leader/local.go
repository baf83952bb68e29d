package leader

import (
	"context"
	"sync"
)

// LocalLocker holds locks in process memory. It serves standalone deployments, where there is nobody to
// compete with, and tests.
type LocalLocker struct {
	mu   sync.Mutex
	held map[int64]*localLock
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[int64]*localLock{}}
}

func (l *LocalLocker) TryLock(ctx context.Context, id int64) (Lock, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[id]; ok {
		return nil, false, nil
	}
	lock := &localLock{locker: l, id: id, lost: make(chan struct{})}
	l.held[id] = lock
	return lock, true, nil
}

// Drop takes the lock for id away from its holder as a dead connection would, freeing it for others. It returns
// false if the lock was not held.
func (l *LocalLocker) Drop(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.held[id]
	if !ok {
		return false
	}
	delete(l.held, id)
	lock.lostOnce.Do(func() { close(lock.lost) })
	return true
}

// Held reports whether the lock for id is currently held.
func (l *LocalLocker) Held(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[id]
	return ok
}

type localLock struct {
	locker   *LocalLocker
	id       int64
	lost     chan struct{}
	lostOnce sync.Once
}

func (l *localLock) Lost() <-chan struct{} {
	return l.lost
}

func (l *localLock) Release(_ context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if l.locker.held[l.id] == l {
		delete(l.locker.held, l.id)
	}
	return nil
}

// Package leader makes sure a singleton role runs in at most one process at a time.
//
// A role is identified by a numeric lock id. Whoever holds the lock for that id runs the role's task inside a
// session; the session ends, and its context is cancelled, as soon as the lock is lost.
package leader

import (
	"context"

	"github.com/pkg/errors"
)

var (
	// ErrLockLost is the cancellation cause of a session whose lock went away underneath it.
	ErrLockLost = errors.New("leader lock lost")
	// ErrDestroyed is the cancellation cause of a session ended by Leader.Destroy.
	ErrDestroyed = errors.New("leader destroyed")
)

// Locker hands out exclusive locks keyed by id.
type Locker interface {
	// TryLock acquires the lock for id without waiting. It returns false if someone else holds it.
	TryLock(ctx context.Context, id int64) (Lock, bool, error)
}

// Lock is a held lock.
type Lock interface {
	// Lost is closed when the lock can no longer be trusted to be held, e.g. because its connection died.
	Lost() <-chan struct{}
	// Release gives the lock up. It is safe to call after the lock was lost.
	Release(ctx context.Context) error
}

package leader

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/repoindex/repoindex/internal/common/logctx"
	"github.com/repoindex/repoindex/internal/common/logging"
	"github.com/repoindex/repoindex/internal/common/util"
)

const releaseTimeout = 10 * time.Second

// Task is the work done while holding the lock. ctx is the session: it is cancelled when the lock is lost or the
// leader destroyed, with ErrLockLost or ErrDestroyed as cause.
type Task func(ctx *logctx.Context) error

// Leader runs tasks under the lock of a single id.
type Leader struct {
	id     int64
	locker Locker

	mu        sync.Mutex
	destroyed bool
	cancel    context.CancelCauseFunc
}

func NewLeader(locker Locker, id int64) *Leader {
	return &Leader{id: id, locker: locker}
}

func (l *Leader) ID() int64 {
	return l.id
}

// Run tries once, without waiting, to take the lock and run task under it. It returns false if the lock is held
// elsewhere or the leader has been destroyed. Otherwise it returns true along with the task's error, or ErrLockLost
// if the lock went away while the task ran. The lock is always released before Run returns.
func (l *Leader) Run(ctx *logctx.Context, task Task) (bool, error) {
	if l.Destroyed() {
		return false, nil
	}
	lock, ok, err := l.locker.TryLock(ctx, l.id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	session, cancel := logctx.WithCancelCause(ctx)
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		cancel(ErrDestroyed)
		return false, l.release(ctx, lock)
	}
	l.cancel = cancel
	l.mu.Unlock()

	lost := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-lock.Lost():
			close(lost)
			cancel(ErrLockLost)
		case <-session.Done():
		}
	}()

	taskErr := task(session)
	cancel(context.Canceled)
	<-watcherDone

	l.mu.Lock()
	l.cancel = nil
	l.mu.Unlock()

	if err := l.release(ctx, lock); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warnf("failed to release leader lock %d", l.id)
	}
	select {
	case <-lost:
		if taskErr == nil || errors.Is(taskErr, context.Canceled) {
			return true, ErrLockLost
		}
		return true, errors.WithMessage(ErrLockLost, taskErr.Error())
	default:
	}
	return true, taskErr
}

func (l *Leader) release(ctx *logctx.Context, lock Lock) error {
	releaseCtx, cancel := logctx.WithTimeout(logctx.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	return lock.Release(releaseCtx)
}

// Destroy ends the running session, if any, with reason as cause and makes every later Run a no-op.
func (l *Leader) Destroy(reason error) {
	if reason == nil {
		reason = ErrDestroyed
	} else {
		reason = errors.WithMessage(ErrDestroyed, reason.Error())
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.destroyed = true
	if l.cancel != nil {
		l.cancel(reason)
	}
}

func (l *Leader) Destroyed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.destroyed
}

// CampaignOptions controls how Campaign retries.
type CampaignOptions struct {
	// Persistent roles are meant to run forever: a task returning nil is treated as a failure and retried.
	// Non-persistent roles are done once their task returns nil.
	Persistent  bool
	RetryDelay  time.Duration
	RetryJitter time.Duration
}

// Campaign keeps trying to run task as leader until ctx is done, the leader is destroyed or, for non-persistent
// roles, the task completes. Between attempts it waits RetryDelay, give or take RetryJitter.
func Campaign(ctx *logctx.Context, leader *Leader, opts CampaignOptions, task Task) error {
	ctx = logctx.WithLogField(ctx, "lockId", leader.ID())
	for {
		if ctx.Err() != nil || leader.Destroyed() {
			return nil
		}
		ran, err := leader.Run(ctx, task)
		switch {
		case err != nil && ctx.Err() == nil:
			logging.WithStacktrace(ctx.Log, err).Error("leader task failed")
		case !ran:
			ctx.Log.Debug("lock held elsewhere")
		case ran && err == nil && !opts.Persistent:
			return nil
		case ran && err == nil:
			ctx.Log.Error("leader task completed but should be persistent")
		}
		if err := logctx.Sleep(ctx, util.Jitter(opts.RetryDelay, opts.RetryJitter)); err != nil {
			return nil
		}
	}
}

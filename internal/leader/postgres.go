package leader

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/repoindex/repoindex/internal/common/logctx"
)

const DefaultHealthCheckInterval = 5 * time.Second

// PostgresLocker implements Locker with session level advisory locks. Each held lock pins one pooled connection;
// if the connection (or the process) dies, Postgres drops the lock with it.
type PostgresLocker struct {
	pool                *pgxpool.Pool
	healthCheckInterval time.Duration
}

func NewPostgresLocker(pool *pgxpool.Pool, healthCheckInterval time.Duration) *PostgresLocker {
	if healthCheckInterval <= 0 {
		healthCheckInterval = DefaultHealthCheckInterval
	}
	return &PostgresLocker{pool: pool, healthCheckInterval: healthCheckInterval}
}

func (l *PostgresLocker) TryLock(ctx context.Context, id int64) (Lock, bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "acquiring connection for advisory lock")
	}
	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", id).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, errors.Wrapf(err, "trying advisory lock %d", id)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}
	lock := &pgLock{
		conn: conn,
		id:   id,
		lost: make(chan struct{}),
		done: make(chan struct{}),
	}
	go lock.watch(logctx.FromContext(ctx), l.healthCheckInterval)
	return lock, true, nil
}

type pgLock struct {
	id int64

	// mu serialises use of conn between the watchdog and Release.
	mu       sync.Mutex
	conn     *pgxpool.Conn
	released bool

	lost     chan struct{}
	lostOnce sync.Once
	done     chan struct{}
}

func (l *pgLock) Lost() <-chan struct{} {
	return l.lost
}

func (l *pgLock) markLost() {
	l.lostOnce.Do(func() { close(l.lost) })
}

func (l *pgLock) watch(ctx *logctx.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
		}
		l.mu.Lock()
		if l.released {
			l.mu.Unlock()
			return
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), interval)
		err := l.conn.Ping(pingCtx)
		cancel()
		l.mu.Unlock()
		if err != nil {
			ctx.Log.WithError(err).Warnf("connection holding advisory lock %d failed health check", l.id)
			l.markLost()
			return
		}
	}
}

func (l *pgLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true
	close(l.done)

	select {
	case <-l.lost:
		return l.destroyConn(ctx)
	default:
	}
	if _, err := l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", l.id); err != nil {
		_ = l.destroyConn(ctx)
		return errors.Wrapf(err, "releasing advisory lock %d", l.id)
	}
	l.conn.Release()
	return nil
}

// destroyConn closes the connection instead of returning it to the pool, which also drops the lock server side.
func (l *pgLock) destroyConn(ctx context.Context) error {
	conn := l.conn.Hijack()
	return errors.WithStack(conn.Close(ctx))
}

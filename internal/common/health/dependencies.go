package health

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const defaultCheckTimeout = 2 * time.Second

// RedisChecker pings the Redis server holding the event log.
func RedisChecker(client redis.UniversalClient) Checker {
	return CheckerFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), defaultCheckTimeout)
		defer cancel()
		return errors.Wrap(client.Ping(ctx).Err(), "redis")
	})
}

// PostgresChecker pings the database backing leader locks and the index.
func PostgresChecker(pool *pgxpool.Pool) Checker {
	return CheckerFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), defaultCheckTimeout)
		defer cancel()
		return errors.Wrap(pool.Ping(ctx), "postgres")
	})
}

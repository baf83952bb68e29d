package eventlog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisLog implements Log on Redis streams.
type RedisLog struct {
	db redis.UniversalClient
}

func NewRedisLog(db redis.UniversalClient) *RedisLog {
	return &RedisLog{db: db}
}

func (l *RedisLog) Client() redis.UniversalClient {
	return l.db
}

func (l *RedisLog) Append(ctx context.Context, stream string, values map[string]string) (string, error) {
	id, err := l.db.XAdd(ctx, xAddArgs(stream, values)).Result()
	if err != nil {
		return "", errors.Wrapf(err, "appending to %s", stream)
	}
	return id, nil
}

func (l *RedisLog) Write(ctx context.Context, batch *Batch) error {
	if batch.Empty() {
		return nil
	}
	_, err := l.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, a := range batch.appends {
			pipe.XAdd(ctx, xAddArgs(a.stream, a.values))
		}
		for _, kv := range batch.sets {
			pipe.Set(ctx, kv[0], kv[1], 0)
		}
		return nil
	})
	return errors.Wrapf(err, "writing batch of %d appends", len(batch.appends))
}

func (l *RedisLog) Len(ctx context.Context, stream string) (int64, error) {
	n, err := l.db.XLen(ctx, stream).Result()
	return n, errors.Wrapf(err, "reading length of %s", stream)
}

func (l *RedisLog) EnsureGroup(ctx context.Context, stream, group, start string) error {
	err := l.db.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil
	}
	return errors.Wrapf(err, "creating group %s on %s", group, stream)
}

func (l *RedisLog) ReadGroup(
	ctx context.Context,
	stream, group, consumer, start string,
	count int64,
	block time.Duration,
) ([]Entry, error) {
	if block <= 0 {
		// go-redis only omits BLOCK for negative values.
		block = -1
	}
	res, err := l.db.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, start},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if strings.HasPrefix(err.Error(), "NOGROUP") {
			return nil, errors.Wrapf(ErrNoGroup, "%s on %s", group, stream)
		}
		return nil, errors.Wrapf(err, "reading %s as %s/%s", stream, group, consumer)
	}
	var entries []Entry
	for _, s := range res {
		entries = append(entries, toEntries(s.Messages)...)
	}
	return entries, nil
}

func (l *RedisLog) AutoClaim(
	ctx context.Context,
	stream, group, consumer string,
	minIdle time.Duration,
	start string,
	count int64,
) ([]Entry, string, error) {
	msgs, next, err := l.db.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    start,
		Count:    count,
	}).Result()
	if err != nil {
		return nil, "", errors.Wrapf(err, "claiming idle entries of %s for %s", stream, consumer)
	}
	return toEntries(msgs), next, nil
}

func (l *RedisLog) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return errors.Wrapf(l.db.XAck(ctx, stream, group, ids...).Err(), "acknowledging %d entries of %s", len(ids), stream)
}

func (l *RedisLog) AckDelete(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := l.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, stream, group, ids...)
		pipe.XDel(ctx, stream, ids...)
		return nil
	})
	return errors.Wrapf(err, "acknowledging %d entries of %s", len(ids), stream)
}

func (l *RedisLog) TrimMinID(ctx context.Context, stream, minID string) error {
	return errors.Wrapf(l.db.XTrimMinID(ctx, stream, minID).Err(), "trimming %s to %s", stream, minID)
}

func (l *RedisLog) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := l.db.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "reading %s", key)
	}
	return v, true, nil
}

func (l *RedisLog) MGet(ctx context.Context, keys ...string) ([]*string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	raw, err := l.db.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "reading %d keys", len(keys))
	}
	values := make([]*string, len(raw))
	for i, v := range raw {
		if v == nil {
			continue
		}
		s := fmt.Sprint(v)
		values[i] = &s
	}
	return values, nil
}

func (l *RedisLog) Set(ctx context.Context, key, value string) error {
	return errors.Wrapf(l.db.Set(ctx, key, value, 0).Err(), "writing %s", key)
}

func (l *RedisLog) Del(ctx context.Context, key string) error {
	return errors.Wrapf(l.db.Del(ctx, key).Err(), "deleting %s", key)
}

func (l *RedisLog) Close() error {
	return l.db.Close()
}

func xAddArgs(stream string, values map[string]string) *redis.XAddArgs {
	fields := make(map[string]interface{}, len(values))
	for k, v := range values {
		fields[k] = v
	}
	return &redis.XAddArgs{Stream: stream, Values: fields}
}

func toEntries(msgs []redis.XMessage) []Entry {
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		values := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			values[k] = fmt.Sprint(v)
		}
		entries = append(entries, Entry{ID: m.ID, Values: values})
	}
	return entries
}

// Package indexer applies the events of the partitioned log to an Application, one leader per partition.
package indexer

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/repoindex/repoindex/internal/common/ingest/metrics"
	"github.com/repoindex/repoindex/internal/common/logctx"
	"github.com/repoindex/repoindex/internal/common/logging"
	"github.com/repoindex/repoindex/internal/eventlog"
	"github.com/repoindex/repoindex/internal/events"
	"github.com/repoindex/repoindex/internal/leader"
	"github.com/repoindex/repoindex/internal/partition"
	"github.com/repoindex/repoindex/internal/queue"
)

const (
	DefaultGroup       = "indexer"
	DefaultReadCount   = 100
	DefaultReadBlock   = time.Second
	DefaultMaxQueued   = 1000
	DefaultRetryDelay  = 5 * time.Second
	DefaultRetryJitter = time.Second
)

var errQueueDestroyed = errors.New("task queue destroyed")

type Config struct {
	StreamPrefix   string
	PartitionCount int
	// Partitions led by this process.
	Partitions []int
	Group      string
	// Lock id of partition p is LockIDBase + p.
	LockIDBase int64
	ReadCount  int64
	ReadBlock  time.Duration
	// Reading pauses while the task queue holds this many tasks.
	MaxQueued int
	// Delay between leadership attempts, give or take RetryJitter.
	RetryDelay  time.Duration
	RetryJitter time.Duration
}

func (c Config) withDefaults() Config {
	if c.StreamPrefix == "" {
		c.StreamPrefix = partition.DefaultPrefix
	}
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.ReadCount <= 0 {
		c.ReadCount = DefaultReadCount
	}
	if c.ReadBlock <= 0 {
		c.ReadBlock = DefaultReadBlock
	}
	if c.MaxQueued <= 0 {
		c.MaxQueued = DefaultMaxQueued
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.RetryJitter < 0 {
		c.RetryJitter = 0
	}
	return c
}

// CursorKey is where the id of the last applied entry of stream is kept.
func CursorKey(stream string) string {
	return stream + ":cursor"
}

// ConsumerName is stable per partition, so that a new leader picks up the entries its predecessor left pending.
func ConsumerName(p int) string {
	return fmt.Sprintf("indexer-%d", p)
}

// Indexer runs one leader-elected read loop per partition. All loops feed a shared task queue keyed by repository,
// which keeps each repository's events in order while different repositories are applied concurrently.
type Indexer struct {
	config  Config
	log     eventlog.Log
	locker  leader.Locker
	app     Application
	queue   *queue.Partitioned
	metrics *metrics.Metrics
}

func NewIndexer(
	config Config,
	log eventlog.Log,
	locker leader.Locker,
	app Application,
	q *queue.Partitioned,
	m *metrics.Metrics,
) (*Indexer, error) {
	config = config.withDefaults()
	if err := partition.Validate(config.Partitions, config.PartitionCount); err != nil {
		return nil, err
	}
	return &Indexer{config: config, log: log, locker: locker, app: app, queue: q, metrics: m}, nil
}

// Run campaigns for every configured partition until ctx is done.
func (ix *Indexer) Run(ctx *logctx.Context) error {
	g, gctx := logctx.ErrGroup(ctx)
	for _, p := range ix.config.Partitions {
		p := p
		l := leader.NewLeader(ix.locker, ix.config.LockIDBase+int64(p))
		g.Go(func() error {
			pctx := logctx.WithLogField(gctx, "partition", p)
			return leader.Campaign(pctx, l, leader.CampaignOptions{
				Persistent:  true,
				RetryDelay:  ix.config.RetryDelay,
				RetryJitter: ix.config.RetryJitter,
			}, func(session *logctx.Context) error {
				return ix.lead(session, p)
			})
		})
	}
	return g.Wait()
}

// partitionLoop is the state of one leader session over one partition.
type partitionLoop struct {
	ix          *Indexer
	stream      string
	consumer    string
	completed   *queue.ConsecutiveList[string]
	checkpoints *queue.LatestQueue
	inflight    sync.WaitGroup

	// Held while completing an item and queueing its checkpoint, so checkpoints are queued in entry order.
	completeMu sync.Mutex
	// Last cursor written by this session. Only touched by checkpoint, which the latest-wins queue serialises.
	written string
}

// lead reads the partition until the session ends. Tasks already queued are always allowed to finish and their
// checkpoint written before returning.
func (ix *Indexer) lead(ctx *logctx.Context, p int) error {
	ix.metrics.LeaderSessionStarted()
	defer ix.metrics.LeaderSessionEnded()

	stream := partition.Stream(ix.config.StreamPrefix, p)
	ctx = logctx.WithLogField(ctx, "stream", stream)
	loop := &partitionLoop{
		ix:          ix,
		stream:      stream,
		consumer:    ConsumerName(p),
		completed:   queue.NewConsecutiveList[string](),
		checkpoints: queue.NewLatestQueue(),
	}
	defer loop.drain(ctx)

	start, ok, err := ix.log.Get(ctx, CursorKey(stream))
	if err != nil {
		ix.metrics.RecordLogError(metrics.LogOperationCursor)
		return errors.WithMessage(err, "reading indexer cursor")
	}
	if !ok {
		start = eventlog.Beginning
	}
	if err := ix.log.EnsureGroup(ctx, stream, ix.config.Group, start); err != nil {
		ix.metrics.RecordLogError(metrics.LogOperationRead)
		return errors.WithMessage(err, "creating consumer group")
	}
	ctx.Log.Infof("leading partition from cursor %s", start)

	// Entries left pending by an earlier session come first.
	pendingAfter := eventlog.Beginning
	for {
		if err := ix.queue.WaitBelow(ctx, ix.config.MaxQueued); err != nil {
			return err
		}
		var entries []eventlog.Entry
		if pendingAfter != "" {
			entries, err = ix.log.ReadGroup(ctx, stream, ix.config.Group, loop.consumer, pendingAfter, ix.config.ReadCount, 0)
		} else {
			entries, err = ix.log.ReadGroup(ctx, stream, ix.config.Group, loop.consumer, eventlog.NewEntries, ix.config.ReadCount, ix.config.ReadBlock)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ix.metrics.RecordLogError(metrics.LogOperationRead)
			logging.WithStacktrace(ctx.Log, err).Warn("failed to read partition; retrying")
			if err := logctx.Sleep(ctx, time.Second); err != nil {
				return err
			}
			continue
		}
		if pendingAfter != "" {
			if len(entries) == 0 {
				pendingAfter = ""
				continue
			}
			pendingAfter = entries[len(entries)-1].ID
		}
		for _, entry := range entries {
			if err := loop.dispatch(ctx, entry); err != nil {
				return err
			}
		}
	}
}

func (l *partitionLoop) dispatch(ctx *logctx.Context, entry eventlog.Entry) error {
	// Tasks outlive the session: they finish, and are checkpointed, even after the lock is lost.
	taskCtx := logctx.WithoutCancel(ctx)
	item := l.completed.Push(entry.ID)
	l.inflight.Add(1)
	added := l.ix.queue.Add(entry.Values[events.FieldRepo], func() {
		defer l.inflight.Done()
		l.handle(taskCtx, entry)
		l.complete(taskCtx, item)
	})
	if !added {
		l.inflight.Done()
		return errQueueDestroyed
	}
	return nil
}

func (l *partitionLoop) complete(ctx *logctx.Context, item *queue.ConsecutiveItem[string]) {
	l.completeMu.Lock()
	defer l.completeMu.Unlock()
	if done := item.Complete(); len(done) > 0 {
		last := done[len(done)-1]
		l.checkpoints.Add(func() { l.checkpoint(ctx, last) })
	}
}

func (l *partitionLoop) handle(ctx *logctx.Context, entry eventlog.Entry) {
	ix := l.ix
	e, err := events.FromValues(entry.Values)
	if err != nil {
		ix.metrics.RecordMessageError(metrics.MessageErrorMalformed)
		logging.WithStacktrace(ctx.Log, err).WithField("id", entry.ID).Error("dropping malformed entry")
		if err := ix.log.AckDelete(ctx, l.stream, ix.config.Group, entry.ID); err != nil {
			ix.metrics.RecordLogError(metrics.LogOperationAck)
			logging.WithStacktrace(ctx.Log, err).Warn("failed to delete malformed entry")
		}
		return
	}
	if err := Apply(ctx, ix.app, e); err != nil {
		ix.metrics.RecordMessageError(metrics.MessageErrorApplication)
		logging.WithStacktrace(ctx.Log, err).
			WithField("id", entry.ID).
			WithField("repo", e.Repo).
			WithField("seq", e.Seq).
			Errorf("failed to apply %s event; skipping it", e.Kind)
	} else {
		ix.metrics.RecordEvents(1)
	}
	if err := ix.log.Ack(ctx, l.stream, ix.config.Group, entry.ID); err != nil {
		ix.metrics.RecordLogError(metrics.LogOperationAck)
		logging.WithStacktrace(ctx.Log, err).WithField("id", entry.ID).Warn("failed to acknowledge entry")
	}
}

// checkpoint records id as applied and drops everything before it from the stream. Ids at or before the last one
// written are ignored.
func (l *partitionLoop) checkpoint(ctx *logctx.Context, id string) {
	ix := l.ix
	if l.written != "" && eventlog.CompareIDs(id, l.written) <= 0 {
		return
	}
	if err := ix.log.Set(ctx, CursorKey(l.stream), id); err != nil {
		ix.metrics.RecordLogError(metrics.LogOperationCursor)
		logging.WithStacktrace(ctx.Log, err).Warnf("failed to write checkpoint %s", id)
		return
	}
	l.written = id
	if err := ix.log.TrimMinID(ctx, l.stream, id); err != nil {
		ix.metrics.RecordLogError(metrics.LogOperationTrim)
		logging.WithStacktrace(ctx.Log, err).Warnf("failed to trim to %s", id)
	}
}

// drain waits for the partition's queued tasks and the resulting checkpoint write.
func (l *partitionLoop) drain(ctx *logctx.Context) {
	l.inflight.Wait()
	waitCtx, cancel := logctx.WithTimeout(logctx.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := l.checkpoints.WaitIdle(waitCtx); err != nil {
		ctx.Log.WithError(err).Warn("gave up waiting for the last checkpoint")
	}
	l.checkpoints.Destroy()
}

// Package firehose ingests an upstream host's event subscription into the partitioned log.
package firehose

import (
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/repoindex/repoindex/internal/common/ingest"
	"github.com/repoindex/repoindex/internal/common/ingest/metrics"
	"github.com/repoindex/repoindex/internal/common/logctx"
	"github.com/repoindex/repoindex/internal/common/logging"
	"github.com/repoindex/repoindex/internal/eventlog"
	"github.com/repoindex/repoindex/internal/events"
	"github.com/repoindex/repoindex/internal/partition"
)

type Config struct {
	// Base url of the upstream host.
	Service string
	// Leader lock id of this host's subscription.
	LockID int64
	// Largest number of frames written to the log at once.
	BatchSize      int
	ReconnectDelay time.Duration
	// Backoff of failed log writes.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration

	StreamPrefix   string
	PartitionCount int
	BackfillStream string
}

// CursorKey is where the sequence number of the last frame written for service is kept.
func CursorKey(service string) string {
	return "firehose:cursor:" + service
}

// Ingester reads one host's subscription and appends the resulting events to the partition streams of the log,
// advancing the host's cursor in the same write.
type Ingester struct {
	config     Config
	source     Source
	log        eventlog.Log
	translator Translator
	gate       ingest.Gate
	metrics    *metrics.Metrics

	mu   sync.Mutex
	stop func()
}

func NewIngester(
	config Config,
	source Source,
	log eventlog.Log,
	translator Translator,
	gate ingest.Gate,
	m *metrics.Metrics,
) *Ingester {
	return &Ingester{
		config:     config,
		source:     source,
		log:        log,
		translator: translator,
		gate:       gate,
		metrics:    m,
	}
}

// Run subscribes and ingests until ctx is done or Stop is called, reconnecting whenever the subscription fails.
// It is meant to run as a leader task and never returns nil.
func (i *Ingester) Run(ctx *logctx.Context) error {
	ctx = logctx.WithLogField(ctx, "host", i.config.Service)
	ctx, cancel := logctx.WithCancel(ctx)
	defer cancel()
	i.mu.Lock()
	i.stop = cancel
	i.mu.Unlock()

	batcher := ingest.NewBatcher[*Frame](
		ctx,
		ingest.BatcherConfig{
			MaxBatchSize:    i.config.BatchSize,
			RetryBackoff:    i.config.RetryBackoff,
			MaxRetryBackoff: i.config.MaxRetryBackoff,
		},
		i.gate,
		i.flush,
	)
	defer batcher.Stop()

	var lastSeq *int64
	reconnects := 0
	for ctx.Err() == nil {
		cursor, err := i.startCursor(ctx, lastSeq)
		if err != nil {
			i.metrics.RecordLogError(metrics.LogOperationCursor)
			logging.WithStacktrace(ctx.Log, err).Warn("failed to read firehose cursor")
			_ = logctx.Sleep(ctx, i.config.ReconnectDelay)
			continue
		}
		sub, err := i.source.Subscribe(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			reconnects++
			i.metrics.RecordTransportError()
			ctx.Log.WithError(err).WithField("reconnects", reconnects).Warn("firehose subscription failed; reconnecting")
			_ = logctx.Sleep(ctx, i.config.ReconnectDelay)
			continue
		}
		if cursor != nil {
			ctx.Log.Infof("subscribed from cursor %d", *cursor)
		} else {
			ctx.Log.Info("subscribed at live tail")
		}

		err = i.consume(ctx, sub, batcher, &lastSeq, func() { reconnects = 0 })
		_ = sub.Close()
		if ctx.Err() != nil {
			break
		}
		reconnects++
		i.metrics.RecordTransportError()
		ctx.Log.WithError(err).WithField("reconnects", reconnects).Warn("firehose subscription ended; reconnecting")
		_ = logctx.Sleep(ctx, i.config.ReconnectDelay)
	}
	return ctx.Err()
}

// Stop ends Run without waiting for frames still waiting to be written.
func (i *Ingester) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stop != nil {
		i.stop()
	}
}

// consume feeds the subscription's frames to batcher until it fails. received is called once, on the first frame.
func (i *Ingester) consume(
	ctx *logctx.Context,
	sub Subscription,
	batcher *ingest.Batcher[*Frame],
	lastSeq **int64,
	received func(),
) error {
	first := true
	for {
		f, err := sub.Next(ctx)
		if errors.Is(err, ErrInvalidFrame) {
			i.metrics.RecordMessageError(metrics.MessageErrorInvalid)
			ctx.Log.WithError(err).Warn("skipping undecodable frame")
			continue
		}
		if err != nil {
			return err
		}
		if first {
			first = false
			received()
		}
		if err := f.Validate(); err != nil {
			i.metrics.RecordMessageError(metrics.MessageErrorInvalid)
			ctx.Log.WithError(err).WithField("seq", f.Seq()).WithField("repo", f.Repo()).Warn("skipping invalid frame")
			continue
		}
		if !f.Sequenced() {
			if f.Info != nil {
				ctx.Log.WithField("name", f.Info.Name).Warnf("firehose info frame: %s", f.Info.Message)
			} else {
				ctx.Log.WithField("type", f.Type).Warn("skipping frame of unknown type")
			}
			continue
		}
		if err := batcher.Add(ctx, f); err != nil {
			return err
		}
		seq := f.Seq()
		*lastSeq = &seq
	}
}

// startCursor returns the newer of the last enqueued sequence and the durable cursor, or nil if there is neither.
func (i *Ingester) startCursor(ctx *logctx.Context, lastSeq *int64) (*int64, error) {
	raw, ok, err := i.log.Get(ctx, CursorKey(i.config.Service))
	if err != nil {
		return nil, err
	}
	var durable *int64
	if ok {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing cursor %q", raw)
		}
		durable = &seq
	}
	if lastSeq != nil && (durable == nil || *lastSeq > *durable) {
		return lastSeq, nil
	}
	return durable, nil
}

func (i *Ingester) flush(ctx *logctx.Context, frames []*Frame) error {
	batch := eventlog.NewBatch()
	for _, f := range frames {
		out, err := i.translator.Translate(ctx, i.config.Service, f)
		if err != nil {
			i.metrics.RecordMessageError(metrics.MessageErrorTranslation)
			logging.WithStacktrace(ctx.Log, err).
				WithField("seq", f.Seq()).
				WithField("repo", f.Repo()).
				Error("failed to translate frame; dropping it")
			continue
		}
		for _, e := range out.Events {
			values, err := events.ToValues(e)
			if err != nil {
				logging.WithStacktrace(ctx.Log, err).WithField("seq", e.Seq).Error("failed to encode event; dropping it")
				continue
			}
			batch.Append(partition.StreamForRepo(i.config.StreamPrefix, e.Repo, i.config.PartitionCount), values)
		}
		for _, b := range out.Backfill {
			batch.Append(i.config.BackfillStream, b.Values())
		}
	}
	last := frames[len(frames)-1].Seq()
	batch.Set(CursorKey(i.config.Service), strconv.FormatInt(last, 10))
	if err := i.log.Write(ctx, batch); err != nil {
		i.metrics.RecordLogError(metrics.LogOperationAppend)
		return err
	}
	i.metrics.RecordBatchSize(len(frames))
	i.metrics.RecordEvents(batch.Appends())
	ctx.Log.Debugf("wrote %d frames up to seq %d", len(frames), last)
	return nil
}

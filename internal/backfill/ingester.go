// Package backfill turns the repository listing of upstream hosts into backfill instructions.
package backfill

import (
	"time"

	"github.com/repoindex/repoindex/internal/common/ingest"
	"github.com/repoindex/repoindex/internal/common/ingest/metrics"
	"github.com/repoindex/repoindex/internal/common/logctx"
	"github.com/repoindex/repoindex/internal/common/logging"
	"github.com/repoindex/repoindex/internal/eventlog"
	"github.com/repoindex/repoindex/internal/events"
)

// EndedCursor marks a host whose listing has been fully ingested.
const EndedCursor = "!ended"

const (
	DefaultPageSize      = 1000
	DefaultRetryInterval = 5 * time.Second
)

type Config struct {
	Host          string
	LockID        int64
	PageSize      int
	RetryInterval time.Duration
	// Stream receiving one instruction per listed repository.
	BackfillStream string
}

func CursorKey(host string) string {
	return "backfill:cursor:" + host
}

// Ingester pages through one host's listing, writing each page's instructions together with the cursor of the
// next page.
type Ingester struct {
	config  Config
	lister  Lister
	log     eventlog.Log
	gate    ingest.Gate
	metrics *metrics.Metrics
}

func NewIngester(config Config, lister Lister, log eventlog.Log, gate ingest.Gate, m *metrics.Metrics) *Ingester {
	if config.PageSize <= 0 {
		config.PageSize = DefaultPageSize
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultRetryInterval
	}
	return &Ingester{config: config, lister: lister, log: log, gate: gate, metrics: m}
}

// Run ingests the listing until it is exhausted, returning nil once the ended marker is written. It retries
// failures indefinitely and returns ctx.Err() if ctx ends first.
func (i *Ingester) Run(ctx *logctx.Context) error {
	ctx = logctx.WithLogField(ctx, "host", i.config.Host)
	key := CursorKey(i.config.Host)
	for {
		cursor, started, err := i.log.Get(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			i.metrics.RecordLogError(metrics.LogOperationCursor)
			i.retryLater(ctx, err, "failed to read backfill cursor")
			continue
		}
		if cursor == EndedCursor {
			ctx.Log.Info("backfill complete")
			return nil
		}
		if !started {
			ctx.Log.Info("starting backfill")
		}

		if i.gate != nil {
			if err := i.gate.Wait(ctx); err != nil {
				return err
			}
		}
		page, err := i.lister.ListRepos(ctx, i.config.Host, cursor, i.config.PageSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			i.metrics.RecordTransportError()
			i.retryLater(ctx, err, "failed to list repos")
			continue
		}
		if err := i.write(ctx, page); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			i.metrics.RecordLogError(metrics.LogOperationAppend)
			i.retryLater(ctx, err, "failed to write backfill page")
		}
	}
}

func (i *Ingester) write(ctx *logctx.Context, page *Page) error {
	batch := eventlog.NewBatch()
	skipped := 0
	for _, r := range page.Repos {
		if r.DID == "" {
			skipped++
			continue
		}
		instruction := &events.BackfillInstruction{
			Repo:   r.DID,
			Host:   i.config.Host,
			Rev:    r.Rev,
			Status: r.Status,
			Active: r.IsActive(),
		}
		batch.Append(i.config.BackfillStream, instruction.Values())
	}
	if skipped > 0 {
		i.metrics.RecordMessageError(metrics.MessageErrorInvalid)
		ctx.Log.Warnf("skipped %d listed repos without a did", skipped)
	}
	next := page.Cursor
	if next == "" {
		next = EndedCursor
	}
	batch.Set(CursorKey(i.config.Host), next)
	if err := i.log.Write(ctx, batch); err != nil {
		return err
	}
	i.metrics.RecordEvents(batch.Appends())
	ctx.Log.WithField("cursor", next).Debugf("wrote %d backfill instructions", batch.Appends())
	return nil
}

func (i *Ingester) retryLater(ctx *logctx.Context, err error, msg string) {
	logging.WithStacktrace(ctx.Log, err).Warnf("%s; retrying in %s", msg, i.config.RetryInterval)
	_ = logctx.Sleep(ctx, i.config.RetryInterval)
}

// Package repobackfill consumes backfill instructions, turning each repository archive into synthetic create
// events on the partitioned log.
package repobackfill

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/repoindex/repoindex/internal/common/ingest"
	"github.com/repoindex/repoindex/internal/common/ingest/metrics"
	"github.com/repoindex/repoindex/internal/common/logctx"
	"github.com/repoindex/repoindex/internal/common/logging"
	"github.com/repoindex/repoindex/internal/common/util"
	"github.com/repoindex/repoindex/internal/eventlog"
	"github.com/repoindex/repoindex/internal/events"
	"github.com/repoindex/repoindex/internal/partition"
	"github.com/repoindex/repoindex/internal/repo"
)

const (
	DefaultGroup         = "repo_backfill"
	DefaultConcurrency   = 4
	DefaultChunkSize     = 500
	DefaultClaimIdle     = 5 * time.Minute
	DefaultReadBlock     = time.Second
	DefaultRetryInterval = time.Second
)

type Config struct {
	// Stream holding the instructions, read under Group.
	Stream string
	Group  string
	// Number of competing consumers.
	Concurrency int
	// Number of events written per log write.
	ChunkSize int
	// Instructions pending this long are taken over by another consumer.
	ClaimIdle     time.Duration
	ReadBlock     time.Duration
	RetryInterval time.Duration

	StreamPrefix   string
	PartitionCount int
}

func (c Config) withDefaults() Config {
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = DefaultClaimIdle
	}
	if c.ReadBlock <= 0 {
		c.ReadBlock = DefaultReadBlock
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	return c
}

// VerifierFor returns the commit verifier used by the backfiller. Signatures are checked against keys from
// resolver; without one, commits are rejected unless allowUnverified is set.
func VerifierFor(resolver repo.KeyResolver, allowUnverified bool) repo.Verifier {
	if resolver != nil {
		return repo.NewSignatureVerifier(resolver)
	}
	if allowUnverified {
		return repo.AcceptAll
	}
	return repo.RejectAll
}

type Backfiller struct {
	config   Config
	log      eventlog.Log
	fetcher  ArchiveFetcher
	verifier repo.Verifier
	gate     ingest.Gate
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewBackfiller(
	config Config,
	log eventlog.Log,
	fetcher ArchiveFetcher,
	verifier repo.Verifier,
	gate ingest.Gate,
	m *metrics.Metrics,
) *Backfiller {
	return &Backfiller{
		config:   config.withDefaults(),
		log:      log,
		fetcher:  fetcher,
		verifier: verifier,
		gate:     gate,
		metrics:  m,
		now:      time.Now,
	}
}

// Run consumes instructions with Concurrency consumers until ctx is done.
func (b *Backfiller) Run(ctx *logctx.Context) error {
	ctx = logctx.WithLogField(ctx, "stream", b.config.Stream)
	util.RetryUntilSuccess(ctx, func() error {
		return b.log.EnsureGroup(ctx, b.config.Stream, b.config.Group, eventlog.Beginning)
	}, func(err error) {
		b.metrics.RecordLogError(metrics.LogOperationRead)
		logging.WithStacktrace(ctx.Log, err).Warn("failed to create repo backfill consumer group")
		_ = logctx.Sleep(ctx, b.config.RetryInterval)
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}

	g, gctx := logctx.ErrGroup(ctx)
	for i := 0; i < b.config.Concurrency; i++ {
		consumer := "repo-backfill-" + uuid.NewString()
		g.Go(func() error {
			b.consume(logctx.WithLogField(gctx, "consumer", consumer), consumer)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (b *Backfiller) consume(ctx *logctx.Context, consumer string) {
	for ctx.Err() == nil {
		entries, _, err := b.log.AutoClaim(ctx, b.config.Stream, b.config.Group, consumer, b.config.ClaimIdle, eventlog.Beginning, 1)
		if err == nil && len(entries) == 0 {
			entries, err = b.log.ReadGroup(ctx, b.config.Stream, b.config.Group, consumer, eventlog.NewEntries, 1, b.config.ReadBlock)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.metrics.RecordLogError(metrics.LogOperationRead)
			logging.WithStacktrace(ctx.Log, err).Warnf("failed to read backfill instructions; retrying in %s", b.config.RetryInterval)
			_ = logctx.Sleep(ctx, b.config.RetryInterval)
			continue
		}
		for _, entry := range entries {
			b.handle(ctx, entry)
		}
	}
}

// handle processes one instruction, acknowledging it once it is done or can never succeed. Anything else leaves
// it pending, to be claimed again after ClaimIdle.
func (b *Backfiller) handle(ctx *logctx.Context, entry eventlog.Entry) {
	ctx = logctx.WithLogField(ctx, "id", entry.ID)
	instruction, err := events.ParseBackfillInstruction(entry.Values)
	if err != nil {
		b.metrics.RecordMessageError(metrics.MessageErrorMalformed)
		logging.WithStacktrace(ctx.Log, err).Error("dropping malformed backfill instruction")
		b.ack(ctx, entry.ID)
		return
	}
	ctx = logctx.WithLogFields(ctx, logrus.Fields{"repo": instruction.Repo, "host": instruction.Host})

	start := b.now()
	n, err := b.backfill(ctx, instruction)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		b.metrics.RecordMessageError(metrics.MessageErrorApplication)
		logging.WithStacktrace(ctx.Log, err).Errorf("failed to backfill repo after %d events; leaving it pending", n)
		return
	}
	b.ack(ctx, entry.ID)
	ctx.Log.Infof("backfilled %d events in %s", n, b.now().Sub(start))
}

func (b *Backfiller) ack(ctx *logctx.Context, id string) {
	if err := b.log.AckDelete(ctx, b.config.Stream, b.config.Group, id); err != nil {
		b.metrics.RecordLogError(metrics.LogOperationAck)
		logging.WithStacktrace(ctx.Log, err).Warn("failed to acknowledge backfill instruction")
	}
}

// backfill writes the events of one instruction and returns how many were written.
func (b *Backfiller) backfill(ctx *logctx.Context, instruction *events.BackfillInstruction) (int, error) {
	if !instruction.Active {
		e := &events.Event{
			Kind:   events.KindAccount,
			Seq:    events.SyntheticSeq,
			Repo:   instruction.Repo,
			Rev:    instruction.Rev,
			Time:   b.now().UTC(),
			Active: false,
			Status: instruction.Status,
		}
		if err := b.write(ctx, []*events.Event{e}); err != nil {
			return 0, err
		}
		return 1, nil
	}

	if b.gate != nil {
		if err := b.gate.Wait(ctx); err != nil {
			return 0, err
		}
	}
	body, err := b.fetcher.FetchRepo(ctx, instruction.Host, instruction.Repo)
	if err != nil {
		b.metrics.RecordTransportError()
		return 0, err
	}
	defer body.Close()
	snapshot, err := repo.Open(ctx, body, instruction.Repo, b.verifier)
	if err != nil {
		return 0, errors.WithMessage(err, "opening archive")
	}

	written := 0
	now := b.now().UTC()
	chunk := make([]*events.Event, 0, b.config.ChunkSize)
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if err := b.write(ctx, chunk); err != nil {
			return err
		}
		written += len(chunk)
		chunk = chunk[:0]
		return nil
	}
	err = snapshot.Walk(func(r repo.Record) error {
		chunk = append(chunk, &events.Event{
			Kind:       events.KindCreate,
			Seq:        events.SyntheticSeq,
			Repo:       instruction.Repo,
			Rev:        snapshot.Commit.Rev,
			Commit:     snapshot.CommitID.String(),
			Time:       now,
			Collection: r.Collection,
			RKey:       r.RKey,
			CID:        r.CID.String(),
			Record:     r.Bytes,
		})
		if len(chunk) >= b.config.ChunkSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return written, err
	}
	if err := flush(); err != nil {
		return written, err
	}
	return written, nil
}

func (b *Backfiller) write(ctx *logctx.Context, evs []*events.Event) error {
	batch := eventlog.NewBatch()
	for _, e := range evs {
		values, err := events.ToValues(e)
		if err != nil {
			return err
		}
		batch.Append(partition.StreamForRepo(b.config.StreamPrefix, e.Repo, b.config.PartitionCount), values)
	}
	if err := b.log.Write(ctx, batch); err != nil {
		b.metrics.RecordLogError(metrics.LogOperationAppend)
		return err
	}
	b.metrics.RecordEvents(len(evs))
	b.metrics.RecordBatchSize(len(evs))
	return nil
}

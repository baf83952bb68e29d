package pipeline

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/repoindex/repoindex/internal/backfill"
	"github.com/repoindex/repoindex/internal/backpressure"
	"github.com/repoindex/repoindex/internal/common/ingest/metrics"
	"github.com/repoindex/repoindex/internal/common/logctx"
	"github.com/repoindex/repoindex/internal/common/logging"
	"github.com/repoindex/repoindex/internal/eventlog"
	"github.com/repoindex/repoindex/internal/firehose"
	"github.com/repoindex/repoindex/internal/indexer"
	"github.com/repoindex/repoindex/internal/leader"
	"github.com/repoindex/repoindex/internal/partition"
	"github.com/repoindex/repoindex/internal/queue"
	"github.com/repoindex/repoindex/internal/repo"
	"github.com/repoindex/repoindex/internal/repobackfill"
)

const queueDestroyTimeout = 30 * time.Second

// Dependencies are the collaborators a Pipeline talks to. Only those needed by the configured roles must be set.
type Dependencies struct {
	Log    eventlog.Log
	Locker leader.Locker
	// Source returns the subscription source of one firehose host.
	Source      func(service string) firehose.Source
	Lister      backfill.Lister
	Fetcher     repobackfill.ArchiveFetcher
	Application indexer.Application
	// Keys resolves repository signing keys. Nil rejects every commit that needs verifying.
	Keys repo.KeyResolver
	// Metrics are registered here. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

type service struct {
	name string
	run  func(ctx *logctx.Context) error
}

// Pipeline owns the components of every role this process runs.
type Pipeline struct {
	roles    []Role
	services []service
}

func New(config Configuration, roles []Role, deps Dependencies) (*Pipeline, error) {
	if deps.Log == nil {
		return nil, errors.New("pipeline needs a log")
	}
	p := &Pipeline{roles: roles}
	gate := backpressure.NewPolicy(
		backpressure.NewStreamLengths(deps.Log, partition.Streams(config.Log.StreamPrefix, config.Log.PartitionCount)...),
		backpressure.Config{
			HighWaterMark: config.Backpressure.HighWaterMark,
			CheckInterval: config.Backpressure.CheckInterval,
		},
	)

	for _, role := range roles {
		var err error
		switch role {
		case RoleFirehose:
			err = p.addFirehose(config, deps, gate)
		case RoleBackfill:
			err = p.addBackfill(config, deps, gate)
		case RoleRepoBackfill:
			err = p.addRepoBackfill(config, deps, gate)
		case RoleIndexer:
			err = p.addIndexer(config, deps)
		default:
			err = errors.Errorf("unknown role %q", role)
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "setting up %s", role)
		}
	}
	return p, nil
}

func (p *Pipeline) addFirehose(config Configuration, deps Dependencies, gate *backpressure.Policy) error {
	if deps.Locker == nil || deps.Source == nil {
		return errors.New("firehose needs a locker and a source")
	}
	m := metrics.NewMetrics(metrics.FirehoseMetricsPrefix, deps.Registerer)
	opts := leader.CampaignOptions{
		Persistent:  true,
		RetryDelay:  orDefault(config.Firehose.RetryDelay, DefaultIngesterRetryDelay),
		RetryJitter: orDefault(config.Firehose.RetryJitter, DefaultIngesterRetryJitter),
	}
	for _, host := range config.Firehose.Hosts {
		ingester := firehose.NewIngester(
			firehose.Config{
				Service:         host.Service,
				LockID:          host.LockID,
				BatchSize:       config.Firehose.BatchSize,
				ReconnectDelay:  config.Firehose.ReconnectDelay,
				RetryBackoff:    config.Firehose.RetryBackoff,
				MaxRetryBackoff: config.Firehose.MaxRetryBackoff,
				StreamPrefix:    config.Log.StreamPrefix,
				PartitionCount:  config.Log.PartitionCount,
				BackfillStream:  config.Log.BackfillStream,
			},
			deps.Source(host.Service),
			deps.Log,
			commitTranslator(config.Firehose, deps.Keys),
			gate,
			m,
		)
		l := leader.NewLeader(deps.Locker, host.LockID)
		p.add("firehose "+host.Service, func(ctx *logctx.Context) error {
			return leader.Campaign(ctx, l, opts, ingester.Run)
		})
	}
	return nil
}

func commitTranslator(config FirehoseConfig, keys repo.KeyResolver) firehose.CommitTranslator {
	t := firehose.CommitTranslator{
		Collections:     config.FilterCollections,
		ExcludeCommit:   config.ExcludeCommit,
		ExcludeIdentity: config.ExcludeIdentity,
		ExcludeAccount:  config.ExcludeAccount,
		Unauthenticated: config.UnauthenticatedCommits,
	}
	if keys != nil {
		t.Verifier = repo.NewSignatureVerifier(keys)
	}
	return t
}

func (p *Pipeline) addBackfill(config Configuration, deps Dependencies, gate *backpressure.Policy) error {
	if deps.Locker == nil || deps.Lister == nil {
		return errors.New("backfill needs a locker and a lister")
	}
	m := metrics.NewMetrics(metrics.BackfillMetricsPrefix, deps.Registerer)
	opts := leader.CampaignOptions{
		RetryDelay:  orDefault(config.Backfill.RetryDelay, DefaultIngesterRetryDelay),
		RetryJitter: orDefault(config.Backfill.RetryJitter, DefaultIngesterRetryJitter),
	}
	for _, host := range config.Backfill.Hosts {
		ingester := backfill.NewIngester(
			backfill.Config{
				Host:           host.Service,
				LockID:         host.LockID,
				PageSize:       config.Backfill.PageSize,
				RetryInterval:  config.Backfill.RetryInterval,
				BackfillStream: config.Log.BackfillStream,
			},
			deps.Lister,
			deps.Log,
			gate,
			m,
		)
		l := leader.NewLeader(deps.Locker, host.LockID)
		p.add("backfill "+host.Service, func(ctx *logctx.Context) error {
			return leader.Campaign(ctx, l, opts, ingester.Run)
		})
	}
	return nil
}

func (p *Pipeline) addRepoBackfill(config Configuration, deps Dependencies, gate *backpressure.Policy) error {
	if deps.Fetcher == nil {
		return errors.New("repo backfill needs an archive fetcher")
	}
	backfiller := repobackfill.NewBackfiller(
		repobackfill.Config{
			Stream:         config.Log.BackfillStream,
			Group:          config.RepoBackfill.Group,
			Concurrency:    config.RepoBackfill.Concurrency,
			ChunkSize:      config.RepoBackfill.ChunkSize,
			ClaimIdle:      config.RepoBackfill.ClaimIdle,
			ReadBlock:      config.RepoBackfill.ReadBlock,
			StreamPrefix:   config.Log.StreamPrefix,
			PartitionCount: config.Log.PartitionCount,
		},
		deps.Log,
		deps.Fetcher,
		repobackfill.VerifierFor(deps.Keys, config.RepoBackfill.AllowUnverified),
		gate,
		metrics.NewMetrics(metrics.RepoBackfillMetricsPrefix, deps.Registerer),
	)
	p.add("repo backfill", backfiller.Run)
	return nil
}

func (p *Pipeline) addIndexer(config Configuration, deps Dependencies) error {
	if deps.Locker == nil || deps.Application == nil {
		return errors.New("indexer needs a locker and an application")
	}
	app := deps.Application
	if config.Indexer.DedupeSize > 0 {
		deduper, err := indexer.NewDeduper(app, config.Indexer.DedupeSize)
		if err != nil {
			return err
		}
		app = deduper
	}
	q := queue.NewPartitioned(config.Indexer.Concurrency)
	ix, err := indexer.NewIndexer(
		indexer.Config{
			StreamPrefix:   config.Log.StreamPrefix,
			PartitionCount: config.Log.PartitionCount,
			Partitions:     config.IndexerPartitions(),
			Group:          config.Indexer.Group,
			LockIDBase:     config.Indexer.LockIDBase,
			ReadCount:      config.Indexer.ReadCount,
			ReadBlock:      config.Indexer.ReadBlock,
			MaxQueued:      config.Indexer.MaxQueued,
			RetryDelay:     config.Indexer.RetryDelay,
			RetryJitter:    config.Indexer.RetryJitter,
		},
		deps.Log,
		deps.Locker,
		app,
		q,
		metrics.NewMetrics(metrics.IndexerMetricsPrefix, deps.Registerer),
	)
	if err != nil {
		return err
	}
	p.add("indexer", func(ctx *logctx.Context) error {
		err := ix.Run(ctx)
		dctx, cancel := logctx.WithTimeout(logctx.WithoutCancel(ctx), queueDestroyTimeout)
		defer cancel()
		if derr := q.Destroy(dctx); derr != nil {
			logging.WithStacktrace(ctx.Log, derr).Warn("indexer tasks did not finish in time")
		}
		return err
	})
	return nil
}

func (p *Pipeline) add(name string, run func(ctx *logctx.Context) error) {
	p.services = append(p.services, service{name: name, run: run})
}

// Run starts every service and waits for all of them. A service failing cancels the others.
func (p *Pipeline) Run(ctx *logctx.Context) error {
	ctx.Log.Infof("running roles %v with %d services", p.roles, len(p.services))
	g, gctx := logctx.ErrGroup(ctx)
	for _, s := range p.services {
		s := s
		g.Go(func() error {
			sctx := logctx.WithLogField(gctx, "service", s.name)
			sctx.Log.Info("starting")
			err := s.run(sctx)
			if err != nil && gctx.Err() == nil {
				return errors.WithMessagef(err, "%s failed", s.name)
			}
			sctx.Log.Info("stopped")
			return nil
		})
	}
	return g.Wait()
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

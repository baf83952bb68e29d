package pipeline

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/repoindex/repoindex/internal/backfill"
	"github.com/repoindex/repoindex/internal/common"
	"github.com/repoindex/repoindex/internal/common/app"
	"github.com/repoindex/repoindex/internal/common/database"
	"github.com/repoindex/repoindex/internal/common/health"
	"github.com/repoindex/repoindex/internal/common/logctx"
	"github.com/repoindex/repoindex/internal/common/tracing"
	"github.com/repoindex/repoindex/internal/eventlog"
	"github.com/repoindex/repoindex/internal/firehose"
	"github.com/repoindex/repoindex/internal/identity"
	"github.com/repoindex/repoindex/internal/indexer"
	"github.com/repoindex/repoindex/internal/indexer/pgindex"
	"github.com/repoindex/repoindex/internal/leader"
	"github.com/repoindex/repoindex/internal/repobackfill"
)

const httpTimeout = 5 * time.Minute

// Run sets up the configured roles against Redis (and Postgres where needed) and runs them until SIGTERM.
func Run(config Configuration, roles []Role) error {
	ctx := app.CreateContextWithShutdown()

	//////////////////////////////////////////////////////////////////////////
	// Health checks and metrics
	//////////////////////////////////////////////////////////////////////////
	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks := health.NewMultiChecker(startupCompleteCheck)
	shutdownMetricServer := common.ServeMetrics(config.MetricsPort, healthChecks)
	defer shutdownMetricServer()

	closeTracing, err := tracing.LoadTracing(ctx, config.Tracing)
	if err != nil {
		return errors.WithMessage(err, "error setting up tracing")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := closeTracing(sctx); err != nil {
			log.WithError(err).Warn("Tracing didn't shut down cleanly")
		}
	}()

	//////////////////////////////////////////////////////////////////////////
	// Redis and postgres
	//////////////////////////////////////////////////////////////////////////
	redisClient := redis.NewUniversalClient(config.Redis.AsUniversalOptions())
	eventLog := eventlog.NewRedisLog(redisClient)
	defer func() {
		if err := eventLog.Close(); err != nil {
			log.WithError(errors.WithStack(err)).Warn("Redis client didn't close down cleanly")
		}
	}()
	healthChecks.Add(health.RedisChecker(redisClient))

	var db *pgxpool.Pool
	if config.NeedsPostgres(roles) {
		ctx.Log.Info("Setting up postgres connection")
		db, err = database.OpenPgxPool(ctx, config.Postgres)
		if err != nil {
			return errors.WithMessage(err, "error opening connection to postgres")
		}
		defer db.Close()
		healthChecks.Add(health.PostgresChecker(db))
	}

	locker, err := createLocker(config.Leader, db)
	if err != nil {
		return err
	}

	deps := Dependencies{
		Log:    eventLog,
		Locker: locker,
		Source: func(service string) firehose.Source {
			return firehose.NewWebsocketSource(service, websocket.DefaultDialer)
		},
		Lister:     backfill.NewHTTPLister(&http.Client{Timeout: time.Minute}, config.Backfill.RequestsPerSecond),
		Fetcher:    repobackfill.NewHTTPFetcher(&http.Client{Timeout: httpTimeout}, config.RepoBackfill.MaxArchiveBytes),
		Registerer: prometheus.DefaultRegisterer,
	}
	if config.Identity.Enabled {
		deps.Keys = identity.NewResolver(&http.Client{Timeout: time.Minute}, identity.Config{
			PLCURL:    config.Identity.PLCURL,
			CacheSize: config.Identity.CacheSize,
			CacheTTL:  config.Identity.CacheTTL,
		})
	} else {
		ctx.Log.Warn("Identity resolution is disabled; commits that need verifying will be rejected")
	}
	if hasRole(roles, RoleIndexer) {
		deps.Application, err = createApplication(ctx, config.Indexer, db)
		if err != nil {
			return err
		}
	}

	p, err := New(config, roles, deps)
	if err != nil {
		return err
	}

	// Mark startup as complete, will allow the health check to return healthy
	startupCompleteCheck.MarkComplete()
	return p.Run(ctx)
}

func createLocker(config LeaderConfig, db *pgxpool.Pool) (leader.Locker, error) {
	switch config.Mode {
	case LeaderModeStandalone:
		log.Info("Running in standalone mode; leadership is only exclusive within this process")
		return leader.NewLocalLocker(), nil
	case LeaderModePostgres:
		return leader.NewPostgresLocker(db, config.HealthCheckInterval), nil
	default:
		return nil, errors.Errorf("%s is not a valid leader mode", config.Mode)
	}
}

func createApplication(ctx *logctx.Context, config IndexerConfig, db *pgxpool.Pool) (indexer.Application, error) {
	switch config.Application {
	case ApplicationPostgres:
		migrations, err := pgindex.Migrations()
		if err != nil {
			return nil, err
		}
		if err := database.UpdateDatabase(ctx, db, migrations); err != nil {
			return nil, errors.WithMessage(err, "error migrating index database")
		}
		return pgindex.New(db), nil
	case ApplicationLog, "":
		return indexer.LogApplication{}, nil
	default:
		return nil, errors.Errorf("%s is not a valid indexer application", config.Application)
	}
}

func hasRole(roles []Role, role Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

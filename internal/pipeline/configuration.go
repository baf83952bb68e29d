package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/repoindex/repoindex/internal/common/config"
	"github.com/repoindex/repoindex/internal/common/tracing"
)

type Role string

const (
	RoleFirehose     Role = "firehose"
	RoleBackfill     Role = "backfill"
	RoleRepoBackfill Role = "repo-backfill"
	RoleIndexer      Role = "indexer"
)

var AllRoles = []Role{RoleFirehose, RoleBackfill, RoleRepoBackfill, RoleIndexer}

// ParseRoles reads role names such as "firehose" or "repo-backfill". An empty list means every role.
func ParseRoles(names []string) ([]Role, error) {
	if len(names) == 0 {
		return AllRoles, nil
	}
	seen := map[Role]bool{}
	var roles []Role
	for _, name := range names {
		role := Role(strings.ToLower(strings.TrimSpace(name)))
		switch role {
		case RoleFirehose, RoleBackfill, RoleRepoBackfill, RoleIndexer:
		default:
			return nil, errors.Errorf("unknown role %q", name)
		}
		if !seen[role] {
			seen[role] = true
			roles = append(roles, role)
		}
	}
	return roles, nil
}

const (
	LeaderModePostgres   = "postgres"
	LeaderModeStandalone = "standalone"

	ApplicationLog      = "log"
	ApplicationPostgres = "postgres"
)

type Configuration struct {
	Redis    config.RedisConfig
	Postgres config.PostgresConfig
	// Prometheus metrics and /health are served on this port.
	MetricsPort  uint16
	Logging      LoggingConfig
	Tracing      tracing.Config
	Log          LogConfig
	Leader       LeaderConfig
	Backpressure BackpressureConfig
	Identity     IdentityConfig
	Firehose     FirehoseConfig
	Backfill     BackfillConfig
	RepoBackfill RepoBackfillConfig
	Indexer      IndexerConfig
}

type LoggingConfig struct {
	Format string `validate:"omitempty,oneof=text json"`
	Level  string
}

// LogConfig describes the layout of the durable log. PartitionCount must not change while any partition stream
// still holds entries.
type LogConfig struct {
	StreamPrefix   string `validate:"required"`
	PartitionCount int    `validate:"gt=0"`
	BackfillStream string `validate:"required"`
}

type LeaderConfig struct {
	Mode                string `validate:"oneof=postgres standalone"`
	HealthCheckInterval time.Duration
}

type BackpressureConfig struct {
	// Producers pause while the partition streams hold this many entries in total. Zero disables backpressure.
	HighWaterMark int64 `validate:"gte=0"`
	CheckInterval time.Duration
}

type HostConfig struct {
	Service string `validate:"required,url"`
	LockID  int64
}

type FirehoseConfig struct {
	Hosts           []HostConfig `validate:"dive"`
	BatchSize       int          `validate:"gte=0"`
	ReconnectDelay  time.Duration
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	RetryDelay      time.Duration
	RetryJitter     time.Duration
	// Record collections to index. A trailing ".*" matches by prefix: "app.bsky.feed.*". Empty means all.
	FilterCollections []string
	ExcludeCommit     bool
	ExcludeIdentity   bool
	ExcludeAccount    bool
	// Index commits without checking their signatures or proving their operations.
	UnauthenticatedCommits bool
}

// IdentityConfig controls resolution of repository signing keys. When disabled, commits and archives that need
// verifying are rejected.
type IdentityConfig struct {
	Enabled   bool
	PLCURL    string `validate:"omitempty,url"`
	CacheSize int    `validate:"gte=0"`
	CacheTTL  time.Duration
}

type BackfillConfig struct {
	Hosts             []HostConfig `validate:"dive"`
	PageSize          int          `validate:"gte=0"`
	RetryInterval     time.Duration
	RequestsPerSecond float64
	RetryDelay        time.Duration
	RetryJitter       time.Duration
}

type RepoBackfillConfig struct {
	Group           string
	Concurrency     int `validate:"gte=0"`
	ChunkSize       int `validate:"gte=0"`
	ClaimIdle       time.Duration
	ReadBlock       time.Duration
	MaxArchiveBytes int64
	AllowUnverified bool
}

type IndexerConfig struct {
	// Partitions led by this process; empty means all of them.
	Partitions  []int
	Group       string
	LockIDBase  int64
	ReadCount   int64 `validate:"gte=0"`
	ReadBlock   time.Duration
	Concurrency int `validate:"gte=0"`
	MaxQueued   int `validate:"gte=0"`
	// Size of the cache of applied record versions. Zero disables deduplication.
	DedupeSize  int    `validate:"gte=0"`
	Application string `validate:"oneof=log postgres"`
	RetryDelay  time.Duration
	RetryJitter time.Duration
}

const (
	DefaultIngesterRetryDelay  = time.Second
	DefaultIngesterRetryJitter = 500 * time.Millisecond
)

func (c Configuration) Validate() error {
	if err := config.Validate(c); err != nil {
		return err
	}
	return c.checkLockIDs()
}

// IndexerPartitions returns the partitions this process leads.
func (c Configuration) IndexerPartitions() []int {
	if len(c.Indexer.Partitions) > 0 {
		return c.Indexer.Partitions
	}
	all := make([]int, c.Log.PartitionCount)
	for i := range all {
		all[i] = i
	}
	return all
}

// NeedsPostgres reports whether running roles with this configuration opens a database.
func (c Configuration) NeedsPostgres(roles []Role) bool {
	if c.Leader.Mode != LeaderModeStandalone {
		return true
	}
	for _, r := range roles {
		if r == RoleIndexer && c.Indexer.Application == ApplicationPostgres {
			return true
		}
	}
	return false
}

func (c Configuration) checkLockIDs() error {
	owners := map[int64]string{}
	claim := func(id int64, owner string) error {
		if other, ok := owners[id]; ok {
			return errors.Errorf("lock id %d is used by both %s and %s", id, other, owner)
		}
		owners[id] = owner
		return nil
	}
	for _, h := range c.Firehose.Hosts {
		if err := claim(h.LockID, "firehose "+h.Service); err != nil {
			return err
		}
	}
	for _, h := range c.Backfill.Hosts {
		if err := claim(h.LockID, "backfill "+h.Service); err != nil {
			return err
		}
	}
	for p := 0; p < c.Log.PartitionCount; p++ {
		if err := claim(c.Indexer.LockIDBase+int64(p), fmt.Sprintf("indexer partition %d", p)); err != nil {
			return err
		}
	}
	return nil
}

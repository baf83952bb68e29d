package pgindex

import (
	"context"
	"embed"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"github.com/repoindex/repoindex/internal/common/database"
	"github.com/repoindex/repoindex/internal/indexer"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// StatusDeleted is the account status after which none of the account's records are kept.
const StatusDeleted = "deleted"

// Migrations returns the schema the Store writes to.
func Migrations() ([]database.Migration, error) {
	return database.ReadMigrations(migrationFiles, "migrations")
}

// DB is satisfied by *pgxpool.Pool and pgx.Tx.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Store keeps one row per record and per account. Writes carry the repository revision they come from and
// never replace a row written from a later revision, so replays after a crash are harmless.
type Store struct {
	db      DB
	dialect goqu.DialectWrapper
	clock   func() time.Time
}

func New(db DB) *Store {
	return &Store{db: db, dialect: goqu.Dialect("postgres"), clock: time.Now}
}

var _ indexer.Application = &Store{}

func (s *Store) ApplyCreate(ctx context.Context, op indexer.RecordOp) error {
	return s.upsertRecord(ctx, op)
}

func (s *Store) ApplyUpdate(ctx context.Context, op indexer.RecordOp) error {
	return s.upsertRecord(ctx, op)
}

func (s *Store) upsertRecord(ctx context.Context, op indexer.RecordOp) error {
	record := op.Record
	if record == nil {
		record = []byte{}
	}
	ds := s.dialect.Insert("record").
		Prepared(true).
		Rows(goqu.Record{
			"uri":        op.URI,
			"repo":       op.Repo,
			"collection": op.Collection,
			"rkey":       op.RKey,
			"cid":        op.CID,
			"rev":        op.Rev,
			"record":     record,
			"indexed_at": s.clock().UTC(),
		}).
		OnConflict(goqu.DoUpdate("uri", goqu.Record{
			"cid":        goqu.I("excluded.cid"),
			"rev":        goqu.I("excluded.rev"),
			"record":     goqu.I("excluded.record"),
			"indexed_at": goqu.I("excluded.indexed_at"),
		}).Where(goqu.I("record.rev").Lte(goqu.I("excluded.rev"))))
	return s.exec(ctx, ds, "upserting %s", op.URI)
}

func (s *Store) ApplyDelete(ctx context.Context, op indexer.RecordOp) error {
	ds := s.dialect.Delete("record").
		Prepared(true).
		Where(goqu.C("uri").Eq(op.URI), goqu.C("rev").Lte(op.Rev))
	return s.exec(ctx, ds, "deleting %s", op.URI)
}

func (s *Store) ApplyAccountStatus(ctx context.Context, status indexer.AccountStatus) error {
	ds := s.dialect.Insert("actor").
		Prepared(true).
		Rows(goqu.Record{
			"did":        status.Repo,
			"active":     status.Active,
			"status":     status.Status,
			"updated_at": s.clock().UTC(),
		}).
		OnConflict(goqu.DoUpdate("did", goqu.Record{
			"active":     goqu.I("excluded.active"),
			"status":     goqu.I("excluded.status"),
			"updated_at": goqu.I("excluded.updated_at"),
		}))
	if err := s.exec(ctx, ds, "updating account %s", status.Repo); err != nil {
		return err
	}
	if status.Status != StatusDeleted {
		return nil
	}
	purge := s.dialect.Delete("record").Prepared(true).Where(goqu.C("repo").Eq(status.Repo))
	return s.exec(ctx, purge, "removing records of deleted account %s", status.Repo)
}

func (s *Store) ApplyIdentityUpdate(ctx context.Context, update indexer.IdentityUpdate) error {
	ds := s.dialect.Insert("actor").
		Prepared(true).
		Rows(goqu.Record{
			"did":        update.Repo,
			"handle":     update.Handle,
			"updated_at": s.clock().UTC(),
		}).
		OnConflict(goqu.DoUpdate("did", goqu.Record{
			"handle":     goqu.I("excluded.handle"),
			"updated_at": goqu.I("excluded.updated_at"),
		}))
	return s.exec(ctx, ds, "updating identity of %s", update.Repo)
}

type sqlBuilder interface {
	ToSQL() (string, []interface{}, error)
}

var (
	_ sqlBuilder = &goqu.InsertDataset{}
	_ sqlBuilder = &goqu.DeleteDataset{}
)

func (s *Store) exec(ctx context.Context, ds sqlBuilder, format string, args ...any) error {
	sql, params, err := ds.ToSQL()
	if err != nil {
		return errors.Wrapf(err, "building sql for "+format, args...)
	}
	if _, err := s.db.Exec(ctx, sql, params...); err != nil {
		return errors.Wrapf(err, format, args...)
	}
	return nil
}

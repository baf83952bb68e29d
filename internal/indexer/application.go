package indexer

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/repoindex/repoindex/internal/common/logctx"
	"github.com/repoindex/repoindex/internal/common/tracing"
	"github.com/repoindex/repoindex/internal/events"
)

// RecordOp is a create, update or delete of one record.
type RecordOp struct {
	URI        string
	Repo       string
	Collection string
	RKey       string
	// CID and Record are empty for deletes.
	CID    string
	Record []byte
	Rev    string
	Commit string
	// Seq is events.SyntheticSeq for records read from an archive.
	Seq  int64
	Time time.Time
}

type AccountStatus struct {
	Repo   string
	Active bool
	Status string
	Seq    int64
	Time   time.Time
}

type IdentityUpdate struct {
	Repo   string
	Handle string
	Seq    int64
	Time   time.Time
}

// Application is the index being kept up to date. Calls for one repository are made one at a time, in log order;
// every call may be repeated after a crash.
type Application interface {
	ApplyCreate(ctx context.Context, op RecordOp) error
	ApplyUpdate(ctx context.Context, op RecordOp) error
	ApplyDelete(ctx context.Context, op RecordOp) error
	ApplyAccountStatus(ctx context.Context, status AccountStatus) error
	ApplyIdentityUpdate(ctx context.Context, update IdentityUpdate) error
}

func recordOp(e *events.Event) RecordOp {
	return RecordOp{
		URI:        e.URI(),
		Repo:       e.Repo,
		Collection: e.Collection,
		RKey:       e.RKey,
		CID:        e.CID,
		Record:     e.Record,
		Rev:        e.Rev,
		Commit:     e.Commit,
		Seq:        e.Seq,
		Time:       e.Time,
	}
}

// Apply routes e to the matching Application method.
func Apply(ctx context.Context, app Application, e *events.Event) (err error) {
	lc := logctx.FromContext(ctx)
	spanCtx, span := tracing.StartSpan(ctx, "indexer.apply", tracing.EventAttributes(e)...)
	defer func() { tracing.End(span, err) }()
	ctx = logctx.New(spanCtx, lc.Log)

	switch e.Kind {
	case events.KindCreate:
		return app.ApplyCreate(ctx, recordOp(e))
	case events.KindUpdate:
		return app.ApplyUpdate(ctx, recordOp(e))
	case events.KindDelete:
		return app.ApplyDelete(ctx, recordOp(e))
	case events.KindAccount:
		return app.ApplyAccountStatus(ctx, AccountStatus{Repo: e.Repo, Active: e.Active, Status: e.Status, Seq: e.Seq, Time: e.Time})
	case events.KindIdentity:
		return app.ApplyIdentityUpdate(ctx, IdentityUpdate{Repo: e.Repo, Handle: e.Handle, Seq: e.Seq, Time: e.Time})
	default:
		return errors.Wrapf(events.ErrMalformed, "unknown event kind %q", e.Kind)
	}
}

// LogApplication only logs what it is given. It stands in for an index in deployments that have none.
type LogApplication struct{}

func (LogApplication) ApplyCreate(ctx context.Context, op RecordOp) error {
	logctx.FromContext(ctx).Log.WithField("cid", op.CID).Debugf("create %s", op.URI)
	return nil
}

func (LogApplication) ApplyUpdate(ctx context.Context, op RecordOp) error {
	logctx.FromContext(ctx).Log.WithField("cid", op.CID).Debugf("update %s", op.URI)
	return nil
}

func (LogApplication) ApplyDelete(ctx context.Context, op RecordOp) error {
	logctx.FromContext(ctx).Log.Debugf("delete %s", op.URI)
	return nil
}

func (LogApplication) ApplyAccountStatus(ctx context.Context, status AccountStatus) error {
	logctx.FromContext(ctx).Log.WithField("active", status.Active).Debugf("account %s %s", status.Repo, status.Status)
	return nil
}

func (LogApplication) ApplyIdentityUpdate(ctx context.Context, update IdentityUpdate) error {
	logctx.FromContext(ctx).Log.Debugf("identity %s is %s", update.Repo, update.Handle)
	return nil
}

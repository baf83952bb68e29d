package firehose

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/repoindex/repoindex/internal/events"
	"github.com/repoindex/repoindex/internal/repo"
)

// Output is what one frame turns into.
type Output struct {
	Events   []*events.Event
	Backfill []*events.BackfillInstruction
}

// Translator turns validated frames from host into log output.
type Translator interface {
	Translate(ctx context.Context, host string, f *Frame) (*Output, error)
}

// CommitTranslator emits one event per record operation of a commit, plus identity and account events. Commits too
// big to carry their blocks are turned into a backfill instruction for the repository.
//
// Unless Unauthenticated is set, a commit's signature is checked with Verifier and every operation is checked against
// the commit's tree; operations the tree does not prove are dropped. A nil Verifier rejects every commit.
type CommitTranslator struct {
	// Collections limits record events to these collections. "app.bsky.feed.*" matches every collection starting
	// with "app.bsky.feed". Empty means all collections.
	Collections     []string
	ExcludeCommit   bool
	ExcludeIdentity bool
	ExcludeAccount  bool
	Unauthenticated bool
	Verifier        repo.Verifier
}

func (t CommitTranslator) Translate(ctx context.Context, host string, f *Frame) (*Output, error) {
	switch {
	case f.Commit != nil:
		if t.ExcludeCommit {
			return &Output{}, nil
		}
		return t.translateCommit(ctx, host, f.Commit)
	case f.Identity != nil:
		if t.ExcludeIdentity {
			return &Output{}, nil
		}
		e := &events.Event{
			Kind: events.KindIdentity,
			Seq:  f.Identity.Seq,
			Repo: f.Identity.DID,
			Time: parseTime(f.Identity.Time),
		}
		if f.Identity.Handle != nil {
			e.Handle = *f.Identity.Handle
		}
		return &Output{Events: []*events.Event{e}}, nil
	case f.Account != nil:
		if t.ExcludeAccount {
			return &Output{}, nil
		}
		e := &events.Event{
			Kind:   events.KindAccount,
			Seq:    f.Account.Seq,
			Repo:   f.Account.DID,
			Time:   parseTime(f.Account.Time),
			Active: f.Account.Active,
		}
		if f.Account.Status != nil {
			e.Status = *f.Account.Status
		}
		return &Output{Events: []*events.Event{e}}, nil
	}
	return &Output{}, nil
}

// MatchCollection reports whether record events of collection pass the Collections filter.
func (t CommitTranslator) MatchCollection(collection string) bool {
	if len(t.Collections) == 0 {
		return true
	}
	for _, pattern := range t.Collections {
		if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
			if strings.HasPrefix(collection, prefix) {
				return true
			}
		} else if collection == pattern {
			return true
		}
	}
	return false
}

func (t CommitTranslator) filterOps(ops []RepoOp) []RepoOp {
	if len(t.Collections) == 0 {
		return ops
	}
	kept := make([]RepoOp, 0, len(ops))
	for _, op := range ops {
		collection, _, _ := strings.Cut(op.Path, "/")
		if t.MatchCollection(collection) {
			kept = append(kept, op)
		}
	}
	return kept
}

func (t CommitTranslator) translateCommit(ctx context.Context, host string, c *CommitFrame) (*Output, error) {
	if c.TooBig {
		return &Output{Backfill: []*events.BackfillInstruction{{
			Repo:   c.Repo,
			Host:   host,
			Rev:    c.Rev,
			Active: true,
		}}}, nil
	}
	ops := t.filterOps(c.Ops)
	if len(ops) == 0 {
		return &Output{}, nil
	}
	var archive *repo.Archive
	if len(c.Blocks) > 0 {
		var err error
		archive, err = repo.ReadArchive(bytes.NewReader(c.Blocks))
		if err != nil {
			return nil, errors.WithMessagef(err, "reading blocks of commit %d", c.Seq)
		}
	}
	if !t.Unauthenticated {
		var err error
		ops, err = t.provenOps(ctx, archive, c, ops)
		if err != nil {
			return nil, err
		}
	}
	return translateOps(archive, c, ops)
}

// provenOps checks the commit's signature and returns the operations its tree agrees with: creates and updates
// whose path holds the op's CID, and deletes whose path is absent.
func (t CommitTranslator) provenOps(ctx context.Context, archive *repo.Archive, c *CommitFrame, ops []RepoOp) ([]RepoOp, error) {
	if archive == nil {
		return nil, errors.Errorf("commit %d has no blocks to verify", c.Seq)
	}
	commit, err := archive.DecodeCommit(c.Commit.Cid)
	if err != nil {
		return nil, errors.WithMessagef(err, "commit %d", c.Seq)
	}
	if commit.DID != c.Repo {
		return nil, errors.Errorf("commit %d is signed for %s, not %s", c.Seq, commit.DID, c.Repo)
	}
	verifier := t.Verifier
	if verifier == nil {
		verifier = repo.RejectAll
	}
	if err := verifier.Verify(ctx, commit); err != nil {
		return nil, errors.WithMessagef(err, "commit %d", c.Seq)
	}
	proven := make([]RepoOp, 0, len(ops))
	for _, op := range ops {
		value, found, err := archive.Lookup(commit.Data.Cid, op.Path)
		if err != nil {
			continue
		}
		switch op.Action {
		case "delete":
			if !found {
				proven = append(proven, op)
			}
		default:
			if found && op.CID != nil && value.Equals(op.CID.Cid) {
				proven = append(proven, op)
			}
		}
	}
	return proven, nil
}

func translateOps(archive *repo.Archive, c *CommitFrame, ops []RepoOp) (*Output, error) {
	out := &Output{Events: make([]*events.Event, 0, len(ops))}
	t := parseTime(c.Time)
	for _, op := range ops {
		collection, rkey, _ := strings.Cut(op.Path, "/")
		e := &events.Event{
			Seq:        c.Seq,
			Repo:       c.Repo,
			Rev:        c.Rev,
			Commit:     c.Commit.String(),
			Time:       t,
			Collection: collection,
			RKey:       rkey,
		}
		switch op.Action {
		case "create":
			e.Kind = events.KindCreate
		case "update":
			e.Kind = events.KindUpdate
		case "delete":
			e.Kind = events.KindDelete
			out.Events = append(out.Events, e)
			continue
		default:
			return nil, errors.Errorf("unknown op action %q", op.Action)
		}
		if archive == nil {
			return nil, errors.Errorf("commit %d has no blocks for %s", c.Seq, op.Path)
		}
		record, ok := archive.Get(op.CID.Cid)
		if !ok {
			return nil, errors.Errorf("commit %d lacks record block %s for %s", c.Seq, op.CID, op.Path)
		}
		e.CID = op.CID.String()
		e.Record = record
		out.Events = append(out.Events, e)
	}
	return out, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

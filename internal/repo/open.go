package repo

import (
	"context"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"
)

// Snapshot is a verified repository archive.
type Snapshot struct {
	Archive  *Archive
	Commit   *Commit
	CommitID cid.Cid
}

// Open reads a full repository archive, decodes its commit and checks it with verifier. The commit must belong
// to did.
func Open(ctx context.Context, r io.Reader, did string, verifier Verifier) (*Snapshot, error) {
	archive, err := ReadArchive(r)
	if err != nil {
		return nil, err
	}
	root, err := archive.Root()
	if err != nil {
		return nil, err
	}
	commit, err := archive.DecodeCommit(root)
	if err != nil {
		return nil, err
	}
	if commit.DID != did {
		return nil, errors.Errorf("archive commit belongs to %s, not %s", commit.DID, did)
	}
	if err := verifier.Verify(ctx, commit); err != nil {
		return nil, err
	}
	return &Snapshot{Archive: archive, Commit: commit, CommitID: root}, nil
}

// Walk visits every record of the snapshot in key order.
func (s *Snapshot) Walk(visit func(Record) error) error {
	return s.Archive.Walk(s.Commit.Data.Cid, visit)
}

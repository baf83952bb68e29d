package repo

import (
	"context"

	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"
)

var ErrUnverified = errors.New("repository commit not verified")

// Commit is the signed root of a repository.
type Commit struct {
	DID     string `cbor:"did"`
	Version int64  `cbor:"version"`
	Data    Link   `cbor:"data"`
	Rev     string `cbor:"rev"`
	Prev    *Link  `cbor:"prev"`
	Sig     []byte `cbor:"sig,omitempty"`
}

// UnsignedBytes returns the encoding the signature is computed over: the commit without its sig field.
func (c *Commit) UnsignedBytes() ([]byte, error) {
	unsigned := *c
	unsigned.Sig = nil
	return Marshal(&unsigned)
}

// DecodeCommit reads the commit stored under c in the archive.
func (a *Archive) DecodeCommit(c cid.Cid) (*Commit, error) {
	raw, err := a.mustGet(c)
	if err != nil {
		return nil, err
	}
	commit := &Commit{}
	if err := Unmarshal(raw, commit); err != nil {
		return nil, errors.WithMessagef(err, "decoding commit %s", c)
	}
	if commit.DID == "" || !commit.Data.Defined() {
		return nil, errors.Errorf("commit %s lacks did or data", c)
	}
	return commit, nil
}

// Verifier checks a commit's signature against the repository's signing key.
type Verifier interface {
	Verify(ctx context.Context, commit *Commit) error
}

type VerifierFunc func(ctx context.Context, commit *Commit) error

func (f VerifierFunc) Verify(ctx context.Context, commit *Commit) error {
	return f(ctx, commit)
}

// RejectAll is the verifier used when no key resolution is configured. Unverifiable data is never indexed.
var RejectAll Verifier = VerifierFunc(func(_ context.Context, commit *Commit) error {
	return errors.Wrapf(ErrUnverified, "no verifier configured for %s", commit.DID)
})

// AcceptAll trusts every commit. Only for deployments that trust their upstream hosts.
var AcceptAll Verifier = VerifierFunc(func(_ context.Context, commit *Commit) error {
	if len(commit.Sig) == 0 {
		return errors.Wrapf(ErrUnverified, "commit of %s is unsigned", commit.DID)
	}
	return nil
})

package indexer

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// Deduper skips creates and updates of a record whose content was the last one applied, which is what a
// redelivered entry looks like. Only successful calls are remembered.
type Deduper struct {
	Application
	applied *lru.Cache[string, string]
}

func NewDeduper(next Application, size int) (*Deduper, error) {
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, errors.Wrap(err, "creating dedupe cache")
	}
	return &Deduper{Application: next, applied: cache}, nil
}

func (d *Deduper) seen(op RecordOp) bool {
	cid, ok := d.applied.Get(op.URI)
	return ok && op.CID != "" && cid == op.CID
}

func (d *Deduper) ApplyCreate(ctx context.Context, op RecordOp) error {
	if d.seen(op) {
		return nil
	}
	if err := d.Application.ApplyCreate(ctx, op); err != nil {
		return err
	}
	d.applied.Add(op.URI, op.CID)
	return nil
}

func (d *Deduper) ApplyUpdate(ctx context.Context, op RecordOp) error {
	if d.seen(op) {
		return nil
	}
	if err := d.Application.ApplyUpdate(ctx, op); err != nil {
		return err
	}
	d.applied.Add(op.URI, op.CID)
	return nil
}

func (d *Deduper) ApplyDelete(ctx context.Context, op RecordOp) error {
	d.applied.Remove(op.URI)
	return d.Application.ApplyDelete(ctx, op)
}

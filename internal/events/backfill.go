package events

import (
	"strconv"

	"github.com/pkg/errors"
)

// Backfill instruction field names.
const (
	FieldHost   = "host"
	FieldRev    = "rev"
	FieldStatus = "status"
	FieldActive = "active"
)

// BackfillInstruction asks for a repository to be re-ingested from its archive on host.
type BackfillInstruction struct {
	Repo   string
	Host   string
	Rev    string
	Status string
	Active bool
}

func (i *BackfillInstruction) Values() map[string]string {
	return map[string]string{
		FieldRepo:   i.Repo,
		FieldHost:   i.Host,
		FieldRev:    i.Rev,
		FieldStatus: i.Status,
		FieldActive: strconv.FormatBool(i.Active),
	}
}

// ParseBackfillInstruction reads an instruction from log entry fields. Missing repo or host, or an active flag
// that is not a bool, wraps ErrMalformed.
func ParseBackfillInstruction(values map[string]string) (*BackfillInstruction, error) {
	i := &BackfillInstruction{
		Repo:   values[FieldRepo],
		Host:   values[FieldHost],
		Rev:    values[FieldRev],
		Status: values[FieldStatus],
	}
	if i.Repo == "" || i.Host == "" {
		return nil, errors.Wrap(ErrMalformed, "backfill instruction without repo or host")
	}
	active, ok := values[FieldActive]
	if !ok {
		i.Active = true
		return i, nil
	}
	b, err := strconv.ParseBool(active)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "backfill instruction active flag %q", active)
	}
	i.Active = b
	return i, nil
}

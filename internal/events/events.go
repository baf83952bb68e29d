// Package events defines the repository events carried by the partitioned log and their encoding.
package events

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

type Kind string

const (
	KindCreate   Kind = "create"
	KindUpdate   Kind = "update"
	KindDelete   Kind = "delete"
	KindAccount  Kind = "account"
	KindIdentity Kind = "identity"
)

// SyntheticSeq marks events derived from a repository archive rather than received from the firehose.
const SyntheticSeq int64 = -1

// Log entry field names.
const (
	FieldRepo  = "repo"
	FieldEvent = "event"
)

var ErrMalformed = errors.New("malformed event")

// Event is a single mutation of one repository. Which fields are set depends on Kind.
type Event struct {
	Kind   Kind      `cbor:"kind"`
	Seq    int64     `cbor:"seq"`
	Repo   string    `cbor:"repo"`
	Rev    string    `cbor:"rev,omitempty"`
	Commit string    `cbor:"commit,omitempty"`
	Time   time.Time `cbor:"time"`

	// create, update, delete
	Collection string `cbor:"collection,omitempty"`
	RKey       string `cbor:"rkey,omitempty"`

	// create, update
	CID    string `cbor:"cid,omitempty"`
	Record []byte `cbor:"record,omitempty"`

	// account
	Active bool   `cbor:"active,omitempty"`
	Status string `cbor:"status,omitempty"`

	// identity
	Handle string `cbor:"handle,omitempty"`
}

func (e *Event) IsRecordOp() bool {
	return e.Kind == KindCreate || e.Kind == KindUpdate || e.Kind == KindDelete
}

// Path returns the record path within the repository, "<collection>/<rkey>".
func (e *Event) Path() string {
	return e.Collection + "/" + e.RKey
}

// URI returns the at:// uri of the record the event refers to.
func (e *Event) URI() string {
	return "at://" + e.Repo + "/" + e.Path()
}

func (e *Event) String() string {
	if e.IsRecordOp() {
		return fmt.Sprintf("%s %s (seq %d)", e.Kind, e.URI(), e.Seq)
	}
	return fmt.Sprintf("%s %s (seq %d)", e.Kind, e.Repo, e.Seq)
}

// Validate checks the fields required by the event's kind.
func (e *Event) Validate() error {
	if e.Repo == "" {
		return errors.Wrap(ErrMalformed, "empty repo")
	}
	switch e.Kind {
	case KindCreate, KindUpdate:
		if e.CID == "" || e.Record == nil {
			return errors.Wrapf(ErrMalformed, "%s without cid or record", e.Kind)
		}
		fallthrough
	case KindDelete:
		if e.Collection == "" || e.RKey == "" {
			return errors.Wrapf(ErrMalformed, "%s without record path", e.Kind)
		}
	case KindAccount, KindIdentity:
	default:
		return errors.Wrapf(ErrMalformed, "unknown kind %q", e.Kind)
	}
	return nil
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort: cbor.SortCanonical,
		Time: cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1024,
		MaxMapPairs:      1024,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

func Encode(e *Event) ([]byte, error) {
	b, err := encMode.Marshal(e)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return b, nil
}

// Decode parses and validates an encoded event. Any failure wraps ErrMalformed.
func Decode(b []byte) (*Event, error) {
	e := &Event{}
	if err := decMode.Unmarshal(b, e); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "decoding event: %v", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// ToValues returns the log entry fields for e.
func ToValues(e *Event) (map[string]string, error) {
	b, err := Encode(e)
	if err != nil {
		return nil, err
	}
	return map[string]string{FieldRepo: e.Repo, FieldEvent: string(b)}, nil
}

// FromValues decodes the event held by a log entry. The entry's repo field must agree with the event.
func FromValues(values map[string]string) (*Event, error) {
	repo, ok := values[FieldRepo]
	if !ok || repo == "" {
		return nil, errors.Wrap(ErrMalformed, "entry has no repo")
	}
	raw, ok := values[FieldEvent]
	if !ok {
		return nil, errors.Wrap(ErrMalformed, "entry has no event")
	}
	e, err := Decode([]byte(raw))
	if err != nil {
		return nil, err
	}
	if e.Repo != repo {
		return nil, errors.Wrapf(ErrMalformed, "entry repo %s does not match event repo %s", repo, e.Repo)
	}
	return e, nil
}

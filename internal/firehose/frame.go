package firehose

import (
	"bytes"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/repoindex/repoindex/internal/repo"
)

const (
	TypeCommit   = "#commit"
	TypeIdentity = "#identity"
	TypeAccount  = "#account"
	TypeSync     = "#sync"
	TypeInfo     = "#info"
)

const (
	opMessage = 1
	opError   = -1
)

var ErrInvalidFrame = errors.New("invalid frame")

type header struct {
	Op   int64  `cbor:"op"`
	Type string `cbor:"t,omitempty"`
}

// ErrorFrame is sent by the upstream host right before it closes a subscription.
type ErrorFrame struct {
	Error   string `cbor:"error"`
	Message string `cbor:"message,omitempty"`
}

func (e *ErrorFrame) Err() error {
	return errors.Errorf("upstream error %s: %s", e.Error, e.Message)
}

type RepoOp struct {
	Action string     `cbor:"action"`
	Path   string     `cbor:"path"`
	CID    *repo.Link `cbor:"cid"`
}

type CommitFrame struct {
	Seq    int64       `cbor:"seq"`
	Repo   string      `cbor:"repo"`
	Commit repo.Link   `cbor:"commit"`
	Rev    string      `cbor:"rev"`
	Since  *string     `cbor:"since"`
	Blocks []byte      `cbor:"blocks"`
	Ops    []RepoOp    `cbor:"ops"`
	Blobs  []repo.Link `cbor:"blobs"`
	TooBig bool        `cbor:"tooBig"`
	Rebase bool        `cbor:"rebase"`
	Time   string      `cbor:"time"`
}

type IdentityFrame struct {
	Seq    int64   `cbor:"seq"`
	DID    string  `cbor:"did"`
	Time   string  `cbor:"time"`
	Handle *string `cbor:"handle,omitempty"`
}

type AccountFrame struct {
	Seq    int64   `cbor:"seq"`
	DID    string  `cbor:"did"`
	Time   string  `cbor:"time"`
	Active bool    `cbor:"active"`
	Status *string `cbor:"status,omitempty"`
}

type SyncFrame struct {
	Seq    int64  `cbor:"seq"`
	DID    string `cbor:"did"`
	Blocks []byte `cbor:"blocks"`
	Rev    string `cbor:"rev"`
	Time   string `cbor:"time"`
}

type InfoFrame struct {
	Name    string `cbor:"name"`
	Message string `cbor:"message,omitempty"`
}

// Frame is one message of the subscription. Exactly one of the typed bodies is set, matching Type; frames of
// unknown types carry none.
type Frame struct {
	Type     string
	Commit   *CommitFrame
	Identity *IdentityFrame
	Account  *AccountFrame
	Sync     *SyncFrame
	Info     *InfoFrame
}

// Sequenced reports whether the frame carries a sequence number, i.e. is not informational.
func (f *Frame) Sequenced() bool {
	return f.Commit != nil || f.Identity != nil || f.Account != nil || f.Sync != nil
}

func (f *Frame) Seq() int64 {
	switch {
	case f.Commit != nil:
		return f.Commit.Seq
	case f.Identity != nil:
		return f.Identity.Seq
	case f.Account != nil:
		return f.Account.Seq
	case f.Sync != nil:
		return f.Sync.Seq
	}
	return 0
}

func (f *Frame) Repo() string {
	switch {
	case f.Commit != nil:
		return f.Commit.Repo
	case f.Identity != nil:
		return f.Identity.DID
	case f.Account != nil:
		return f.Account.DID
	case f.Sync != nil:
		return f.Sync.DID
	}
	return ""
}

func (f *Frame) time() string {
	switch {
	case f.Commit != nil:
		return f.Commit.Time
	case f.Identity != nil:
		return f.Identity.Time
	case f.Account != nil:
		return f.Account.Time
	case f.Sync != nil:
		return f.Sync.Time
	}
	return ""
}

// Validate checks the fields every consumer relies on. Informational frames are always valid.
func (f *Frame) Validate() error {
	if !f.Sequenced() {
		return nil
	}
	if f.Seq() <= 0 {
		return errors.Wrapf(ErrInvalidFrame, "%s with sequence %d", f.Type, f.Seq())
	}
	if !strings.HasPrefix(f.Repo(), "did:") {
		return errors.Wrapf(ErrInvalidFrame, "%s with repo %q", f.Type, f.Repo())
	}
	if _, err := time.Parse(time.RFC3339Nano, f.time()); err != nil {
		return errors.Wrapf(ErrInvalidFrame, "%s with time %q", f.Type, f.time())
	}
	if f.Commit == nil {
		return nil
	}
	if !f.Commit.Commit.Defined() {
		return errors.Wrap(ErrInvalidFrame, "commit without commit cid")
	}
	for _, op := range f.Commit.Ops {
		collection, rkey, ok := strings.Cut(op.Path, "/")
		if !ok || collection == "" || rkey == "" {
			return errors.Wrapf(ErrInvalidFrame, "op path %q", op.Path)
		}
		switch op.Action {
		case "create", "update":
			if op.CID == nil || !op.CID.Defined() {
				return errors.Wrapf(ErrInvalidFrame, "%s of %s without cid", op.Action, op.Path)
			}
		case "delete":
		default:
			return errors.Wrapf(ErrInvalidFrame, "op action %q", op.Action)
		}
	}
	return nil
}

// DecodeFrame parses one binary subscription message: a CBOR header followed by a CBOR body. Error frames are
// returned as an error wrapping the upstream message. Messages that cannot be decoded return an error wrapping
// ErrInvalidFrame; they concern that message only and the subscription stays usable.
func DecodeFrame(msg []byte) (*Frame, error) {
	dec := cbor.NewDecoder(bytes.NewReader(msg))
	var h header
	if err := dec.Decode(&h); err != nil {
		return nil, errors.Wrapf(ErrInvalidFrame, "decoding frame header: %v", err)
	}
	switch h.Op {
	case opError:
		var body ErrorFrame
		if err := dec.Decode(&body); err != nil {
			return nil, errors.Wrap(err, "decoding error frame")
		}
		return nil, body.Err()
	case opMessage:
	default:
		return nil, errors.Wrapf(ErrInvalidFrame, "unknown frame op %d", h.Op)
	}

	f := &Frame{Type: h.Type}
	var body interface{}
	switch h.Type {
	case TypeCommit:
		f.Commit = &CommitFrame{}
		body = f.Commit
	case TypeIdentity:
		f.Identity = &IdentityFrame{}
		body = f.Identity
	case TypeAccount:
		f.Account = &AccountFrame{}
		body = f.Account
	case TypeSync:
		f.Sync = &SyncFrame{}
		body = f.Sync
	case TypeInfo:
		f.Info = &InfoFrame{}
		body = f.Info
	default:
		return f, nil
	}
	if err := dec.Decode(body); err != nil {
		return nil, errors.Wrapf(ErrInvalidFrame, "decoding %s body: %v", h.Type, err)
	}
	return f, nil
}

// EncodeFrame is the inverse of DecodeFrame for message frames.
func EncodeFrame(f *Frame) ([]byte, error) {
	var body interface{}
	switch f.Type {
	case TypeCommit:
		body = f.Commit
	case TypeIdentity:
		body = f.Identity
	case TypeAccount:
		body = f.Account
	case TypeSync:
		body = f.Sync
	case TypeInfo:
		body = f.Info
	default:
		return nil, errors.Errorf("cannot encode frame type %q", f.Type)
	}
	h, err := repo.Marshal(header{Op: opMessage, Type: f.Type})
	if err != nil {
		return nil, err
	}
	b, err := repo.Marshal(body)
	if err != nil {
		return nil, err
	}
	return append(h, b...), nil
}

// EncodeErrorFrame builds the frame a host sends before closing a subscription with an error.
func EncodeErrorFrame(name, message string) ([]byte, error) {
	h, err := repo.Marshal(header{Op: opError})
	if err != nil {
		return nil, err
	}
	b, err := repo.Marshal(ErrorFrame{Error: name, Message: message})
	if err != nil {
		return nil, err
	}
	return append(h, b...), nil
}

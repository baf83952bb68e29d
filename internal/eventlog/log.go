// Package eventlog is the durable, partitioned, replayable log the pipeline is built around, together with the
// small key/value side channel that holds cursors.
//
// The production implementation is RedisLog, built on Redis streams and consumer groups. MemoryLog implements the
// same contract in process.
package eventlog

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Entry is one record of a stream. IDs are "<ms>-<seq>" and increase strictly within a stream.
type Entry struct {
	ID     string
	Values map[string]string
}

// Special ids accepted by ReadGroup and EnsureGroup.
const (
	// Deliver entries never delivered to any consumer of the group.
	NewEntries = ">"
	// Start of the stream; for ReadGroup, the consumer's own pending entries.
	Beginning = "0"
)

var ErrNoGroup = errors.New("consumer group does not exist")

type Log interface {
	// Append adds one entry to stream and returns its id.
	Append(ctx context.Context, stream string, values map[string]string) (string, error)
	// Write applies every operation of batch atomically.
	Write(ctx context.Context, batch *Batch) error
	Len(ctx context.Context, stream string) (int64, error)

	// EnsureGroup creates group on stream (and the stream) starting after start, unless it already exists.
	EnsureGroup(ctx context.Context, stream, group, start string) error
	// ReadGroup reads up to count entries as consumer. start is NewEntries or an id; with an id it returns
	// the consumer's pending entries after that id. A positive block waits up to that long for new entries.
	ReadGroup(ctx context.Context, stream, group, consumer, start string, count int64, block time.Duration) ([]Entry, error)
	// AutoClaim transfers to consumer entries pending for at least minIdle, scanning from start. It returns the
	// claimed entries and the id to continue scanning from ("0-0" when the scan is complete).
	AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, start string, count int64) ([]Entry, string, error)
	// Ack acknowledges ids for group, leaving them in stream.
	Ack(ctx context.Context, stream, group string, ids ...string) error
	// AckDelete acknowledges ids for group and removes them from stream.
	AckDelete(ctx context.Context, stream, group string, ids ...string) error
	// TrimMinID removes every entry of stream whose id is lower than minID.
	TrimMinID(ctx context.Context, stream, minID string) error

	// Get returns the value of key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// MGet returns values for keys; absent keys map to nil.
	MGet(ctx context.Context, keys ...string) ([]*string, error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, key string) error

	Close() error
}

type appendOp struct {
	stream string
	values map[string]string
}

// Batch collects appends and key writes to be applied together by Log.Write.
type Batch struct {
	appends []appendOp
	sets    [][2]string
}

func NewBatch() *Batch {
	return &Batch{}
}

func (b *Batch) Append(stream string, values map[string]string) *Batch {
	b.appends = append(b.appends, appendOp{stream: stream, values: values})
	return b
}

func (b *Batch) Set(key, value string) *Batch {
	b.sets = append(b.sets, [2]string{key, value})
	return b
}

// Appends returns the number of queued appends.
func (b *Batch) Appends() int {
	return len(b.appends)
}

func (b *Batch) Empty() bool {
	return len(b.appends) == 0 && len(b.sets) == 0
}

// ParseID splits a stream id into its millisecond and sequence parts. A bare "<ms>" has sequence 0.
func ParseID(id string) (uint64, uint64, error) {
	msPart, seqPart, found := strings.Cut(id, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return 0, 0, errors.Errorf("invalid stream id %q", id)
	}
	if !found {
		return ms, 0, nil
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return 0, 0, errors.Errorf("invalid stream id %q", id)
	}
	return ms, seq, nil
}

// CompareIDs orders two stream ids, returning -1, 0 or 1. Unparseable ids sort first.
func CompareIDs(a, b string) int {
	ams, aseq, aerr := ParseID(a)
	bms, bseq, berr := ParseID(b)
	switch {
	case aerr != nil && berr != nil:
		return strings.Compare(a, b)
	case aerr != nil:
		return -1
	case berr != nil:
		return 1
	}
	switch {
	case ams < bms:
		return -1
	case ams > bms:
		return 1
	case aseq < bseq:
		return -1
	case aseq > bseq:
		return 1
	}
	return 0
}

// FormatID builds a stream id.
func FormatID(ms, seq uint64) string {
	return strconv.FormatUint(ms, 10) + "-" + strconv.FormatUint(seq, 10)
}

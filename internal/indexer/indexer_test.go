package indexer

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repoindex/repoindex/internal/common/ingest/metrics"
	"github.com/repoindex/repoindex/internal/common/logctx"
	"github.com/repoindex/repoindex/internal/common/logging"
	"github.com/repoindex/repoindex/internal/eventlog"
	"github.com/repoindex/repoindex/internal/events"
	"github.com/repoindex/repoindex/internal/leader"
	"github.com/repoindex/repoindex/internal/partition"
	"github.com/repoindex/repoindex/internal/queue"
)

const (
	repoA      = "did:plc:alice"
	repoB      = "did:plc:bob"
	lockIDBase = 100
)

// recordingApp records the sequence numbers applied per repository. Events whose seq is in block wait for the
// channel to close; those in fail return an error.
type recordingApp struct {
	mu      sync.Mutex
	applied map[string][]int64
	started map[int64]bool
	block   map[int64]chan struct{}
	fail    map[int64]bool
}

func newRecordingApp() *recordingApp {
	return &recordingApp{
		applied: map[string][]int64{},
		started: map[int64]bool{},
		block:   map[int64]chan struct{}{},
		fail:    map[int64]bool{},
	}
}

func (a *recordingApp) apply(repo string, seq int64) error {
	a.mu.Lock()
	a.started[seq] = true
	wait := a.block[seq]
	fail := a.fail[seq]
	a.mu.Unlock()
	if wait != nil {
		<-wait
	}
	if fail {
		return errors.Errorf("cannot apply %d", seq)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied[repo] = append(a.applied[repo], seq)
	return nil
}

func (a *recordingApp) ApplyCreate(_ context.Context, op RecordOp) error {
	return a.apply(op.Repo, op.Seq)
}

func (a *recordingApp) ApplyUpdate(_ context.Context, op RecordOp) error {
	return a.apply(op.Repo, op.Seq)
}

func (a *recordingApp) ApplyDelete(_ context.Context, op RecordOp) error {
	return a.apply(op.Repo, op.Seq)
}

func (a *recordingApp) ApplyAccountStatus(_ context.Context, s AccountStatus) error {
	return a.apply(s.Repo, s.Seq)
}

func (a *recordingApp) ApplyIdentityUpdate(_ context.Context, u IdentityUpdate) error {
	return a.apply(u.Repo, u.Seq)
}

func (a *recordingApp) seqs(repo string) []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int64(nil), a.applied[repo]...)
}

func (a *recordingApp) hasStarted(seq int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started[seq]
}

func createEvent(repo string, seq int64) *events.Event {
	return &events.Event{
		Kind:       events.KindCreate,
		Seq:        seq,
		Repo:       repo,
		Time:       time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Collection: "app.bsky.feed.post",
		RKey:       strconv.FormatInt(seq, 10),
		CID:        "bafyreib2rxk3rh6kzwq",
		Record:     []byte{0xa0},
	}
}

func appendEvent(t *testing.T, log eventlog.Log, partitions int, e *events.Event) string {
	values, err := events.ToValues(e)
	require.NoError(t, err)
	id, err := log.Append(context.Background(), partition.StreamForRepo(partition.DefaultPrefix, e.Repo, partitions), values)
	require.NoError(t, err)
	return id
}

type harness struct {
	log    *eventlog.MemoryLog
	locker *leader.LocalLocker
	app    *recordingApp
	config Config
}

func newHarness(partitions int) *harness {
	ps := make([]int, partitions)
	for i := range ps {
		ps[i] = i
	}
	return &harness{
		log:    eventlog.NewMemoryLog(),
		locker: leader.NewLocalLocker(),
		app:    newRecordingApp(),
		config: Config{
			PartitionCount: partitions,
			Partitions:     ps,
			LockIDBase:     lockIDBase,
			ReadBlock:      10 * time.Millisecond,
			RetryDelay:     10 * time.Millisecond,
		},
	}
}

func (h *harness) start(t *testing.T) func() {
	ix, err := NewIndexer(h.config, h.log, h.locker, h.app, queue.NewPartitioned(4), metrics.NewMetrics("test_", nil))
	require.NoError(t, err)
	ctx, cancel := logctx.WithCancel(logctx.New(context.Background(), logrus.NewEntry(logging.NullLogger)))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ix.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("indexer did not stop")
		}
	}
}

func (h *harness) cursor(t *testing.T, stream string) string {
	v, _, err := h.log.Get(context.Background(), CursorKey(stream))
	require.NoError(t, err)
	return v
}

func (h *harness) length(t *testing.T, stream string) int64 {
	n, err := h.log.Len(context.Background(), stream)
	require.NoError(t, err)
	return n
}

func TestIndexer_PreservesPerRepoOrder(t *testing.T) {
	h := newHarness(2)
	for _, e := range []*events.Event{
		createEvent(repoA, 1), createEvent(repoB, 4), createEvent(repoA, 2), createEvent(repoB, 5), createEvent(repoA, 3),
	} {
		appendEvent(t, h.log, 2, e)
	}
	stop := h.start(t)
	defer stop()

	assert.Eventually(t, func() bool {
		return len(h.app.seqs(repoA)) == 3 && len(h.app.seqs(repoB)) == 2
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, []int64{1, 2, 3}, h.app.seqs(repoA))
	assert.Equal(t, []int64{4, 5}, h.app.seqs(repoB))
}

func TestIndexer_CheckpointWaitsForConsecutivePrefix(t *testing.T) {
	h := newHarness(1)
	stream := partition.Stream(partition.DefaultPrefix, 0)
	release := make(chan struct{})
	h.app.block[1] = release

	appendEvent(t, h.log, 1, createEvent(repoA, 1))
	appendEvent(t, h.log, 1, createEvent(repoB, 2))
	last := appendEvent(t, h.log, 1, createEvent(repoB, 3))
	stop := h.start(t)
	defer stop()

	assert.Eventually(t, func() bool { return len(h.app.seqs(repoB)) == 2 }, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "", h.cursor(t, stream), "checkpoint moved past an incomplete entry")
	assert.Equal(t, int64(3), h.length(t, stream))

	close(release)
	assert.Eventually(t, func() bool { return h.cursor(t, stream) == last }, 5*time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return h.length(t, stream) == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, 0, h.log.Pending(stream, DefaultGroup))
}

func TestIndexer_DropsMalformedAndSkipsFailures(t *testing.T) {
	h := newHarness(1)
	stream := partition.Stream(partition.DefaultPrefix, 0)
	h.app.fail[2] = true

	appendEvent(t, h.log, 1, createEvent(repoA, 1))
	_, err := h.log.Append(context.Background(), stream, map[string]string{events.FieldRepo: repoA, events.FieldEvent: "garbage"})
	require.NoError(t, err)
	appendEvent(t, h.log, 1, createEvent(repoA, 2))
	last := appendEvent(t, h.log, 1, createEvent(repoA, 3))
	stop := h.start(t)
	defer stop()

	assert.Eventually(t, func() bool { return h.cursor(t, stream) == last }, 5*time.Second, time.Millisecond)
	assert.Equal(t, []int64{1, 3}, h.app.seqs(repoA))
	assert.Eventually(t, func() bool { return h.length(t, stream) == 1 }, 5*time.Second, time.Millisecond)
}

func TestIndexer_ResumesFromCursorAndPending(t *testing.T) {
	h := newHarness(1)
	ctx := context.Background()
	stream := partition.Stream(partition.DefaultPrefix, 0)

	applied := appendEvent(t, h.log, 1, createEvent(repoA, 1))
	appendEvent(t, h.log, 1, createEvent(repoA, 2))
	appendEvent(t, h.log, 1, createEvent(repoA, 3))
	// A previous leader checkpointed 1 and had 2 and 3 delivered when it died.
	require.NoError(t, h.log.Set(ctx, CursorKey(stream), applied))
	require.NoError(t, h.log.EnsureGroup(ctx, stream, DefaultGroup, applied))
	read, err := h.log.ReadGroup(ctx, stream, DefaultGroup, ConsumerName(0), eventlog.NewEntries, 10, 0)
	require.NoError(t, err)
	require.Len(t, read, 2)
	appendEvent(t, h.log, 1, createEvent(repoA, 4))

	stop := h.start(t)
	defer stop()

	assert.Eventually(t, func() bool { return len(h.app.seqs(repoA)) == 3 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, []int64{2, 3, 4}, h.app.seqs(repoA))
}

func TestIndexer_WaitsForLock(t *testing.T) {
	h := newHarness(1)
	lock, ok, err := h.locker.TryLock(context.Background(), lockIDBase)
	require.NoError(t, err)
	require.True(t, ok)

	appendEvent(t, h.log, 1, createEvent(repoA, 1))
	stop := h.start(t)
	defer stop()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.app.seqs(repoA))

	require.NoError(t, lock.Release(context.Background()))
	assert.Eventually(t, func() bool { return len(h.app.seqs(repoA)) == 1 }, 5*time.Second, time.Millisecond)
}

func TestIndexer_LockLossWaitsForInflightTasks(t *testing.T) {
	h := newHarness(1)
	release := make(chan struct{})
	h.app.block[1] = release
	appendEvent(t, h.log, 1, createEvent(repoA, 1))
	stop := h.start(t)
	defer stop()

	assert.Eventually(t, func() bool { return h.app.hasStarted(1) }, 5*time.Second, time.Millisecond)
	require.True(t, h.locker.Drop(lockIDBase))

	// The session cannot end, and so nobody can lead the partition again, until the running task is done.
	time.Sleep(50 * time.Millisecond)
	assert.False(t, h.locker.Held(lockIDBase))

	close(release)
	assert.Eventually(t, func() bool { return h.locker.Held(lockIDBase) }, 5*time.Second, time.Millisecond)
	appendEvent(t, h.log, 1, createEvent(repoA, 2))
	assert.Eventually(t, func() bool { return len(h.app.seqs(repoA)) == 2 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, []int64{1, 2}, h.app.seqs(repoA))
}

func TestNewIndexer_RejectsUnknownPartition(t *testing.T) {
	_, err := NewIndexer(Config{PartitionCount: 2, Partitions: []int{2}}, eventlog.NewMemoryLog(), leader.NewLocalLocker(), newRecordingApp(), queue.NewPartitioned(1), metrics.NewMetrics("test_", nil))
	assert.Error(t, err)
}

func TestCheckpoint_NeverMovesBackwards(t *testing.T) {
	log := eventlog.NewMemoryLog()
	stream := partition.Stream(partition.DefaultPrefix, 0)
	loop := &partitionLoop{
		ix:     &Indexer{log: log, metrics: metrics.NewMetrics("test_", nil)},
		stream: stream,
	}
	ctx := logctx.New(context.Background(), logrus.NewEntry(logging.NullLogger))
	cursor := func() string {
		v, _, err := log.Get(context.Background(), CursorKey(stream))
		require.NoError(t, err)
		return v
	}

	loop.checkpoint(ctx, "5-0")
	assert.Equal(t, "5-0", cursor())
	loop.checkpoint(ctx, "3-2")
	assert.Equal(t, "5-0", cursor())
	loop.checkpoint(ctx, "5-0")
	assert.Equal(t, "5-0", cursor())
	loop.checkpoint(ctx, "12-0")
	assert.Equal(t, "12-0", cursor())
}

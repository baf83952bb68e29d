package firehose

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repoindex/repoindex/internal/common/ingest/metrics"
	"github.com/repoindex/repoindex/internal/common/logctx"
	"github.com/repoindex/repoindex/internal/common/logging"
	"github.com/repoindex/repoindex/internal/eventlog"
	"github.com/repoindex/repoindex/internal/events"
	"github.com/repoindex/repoindex/internal/partition"
	"github.com/repoindex/repoindex/internal/repo"
	"github.com/repoindex/repoindex/internal/repo/repotest"
)

const testService = "https://pds.test"

// script is what one subscription of fakeSource delivers: frames, then either err or nothing until cancelled.
type script struct {
	frames []*Frame
	err    error
}

type fakeSource struct {
	mu      sync.Mutex
	scripts []script
	cursors []*int64
}

func (s *fakeSource) Subscribe(_ context.Context, cursor *int64) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors = append(s.cursors, cursor)
	if len(s.scripts) == 0 {
		return &fakeSubscription{}, nil
	}
	next := s.scripts[0]
	s.scripts = s.scripts[1:]
	return &fakeSubscription{script: next}, nil
}

func (s *fakeSource) subscribeCursors() []*int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*int64(nil), s.cursors...)
}

type fakeSubscription struct {
	script script
	pos    int
}

func (s *fakeSubscription) Next(ctx context.Context) (*Frame, error) {
	if s.pos < len(s.script.frames) {
		f := s.script.frames[s.pos]
		s.pos++
		return f, nil
	}
	if s.script.err != nil {
		return nil, s.script.err
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *fakeSubscription) Close() error { return nil }

type closedGate struct {
	mu     sync.Mutex
	open   bool
	opened chan struct{}
}

func newClosedGate() *closedGate {
	return &closedGate{opened: make(chan struct{})}
}

func (g *closedGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	opened := g.opened
	g.mu.Unlock()
	select {
	case <-opened:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *closedGate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		g.open = true
		close(g.opened)
	}
}

func testConfig() Config {
	return Config{
		Service:        testService,
		BatchSize:      100,
		ReconnectDelay: time.Millisecond,
		StreamPrefix:   partition.DefaultPrefix,
		PartitionCount: 4,
		BackfillStream: "repo_backfill",
	}
}

func runIngester(t *testing.T, i *Ingester) func() {
	return runIngesterWithLog(t, i, logrus.NewEntry(logging.NullLogger))
}

func runIngesterWithLog(t *testing.T, i *Ingester, log *logrus.Entry) func() {
	ctx, cancel := logctx.WithCancel(logctx.New(context.Background(), log))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = i.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("ingester did not stop")
		}
	}
}

func cursor(t *testing.T, log eventlog.Log) string {
	v, _, err := log.Get(context.Background(), CursorKey(testService))
	require.NoError(t, err)
	return v
}

func repoEvents(t *testing.T, log *eventlog.MemoryLog, did string) []*events.Event {
	var out []*events.Event
	for _, entry := range log.Entries(partition.StreamForRepo(partition.DefaultPrefix, did, 4)) {
		e, err := events.FromValues(entry.Values)
		require.NoError(t, err)
		if e.Repo == did {
			out = append(out, e)
		}
	}
	return out
}

func TestIngester_WritesEventsAndCursor(t *testing.T) {
	log := eventlog.NewMemoryLog()
	invalid := commitFrame(3, "not-a-did")
	source := &fakeSource{scripts: []script{{frames: []*Frame{
		commitWithRecords(1, "did:plc:alice", "app.bsky.feed.post/1"),
		identityFrame(2, "did:plc:bob"),
		invalid,
		{Type: TypeInfo, Info: &InfoFrame{Name: "OutdatedCursor"}},
		commitWithRecords(4, "did:plc:alice", "app.bsky.feed.post/2", "app.bsky.feed.post/3"),
	}}}}
	i := NewIngester(testConfig(), source, log, CommitTranslator{Unauthenticated: true}, nil, metrics.NewMetrics("test_", nil))
	stop := runIngester(t, i)
	defer stop()

	assert.Eventually(t, func() bool { return cursor(t, log) == "4" }, 5*time.Second, time.Millisecond)

	alice := repoEvents(t, log, "did:plc:alice")
	require.Len(t, alice, 3)
	assert.Equal(t, []string{"1", "2", "3"}, []string{alice[0].RKey, alice[1].RKey, alice[2].RKey})
	bob := repoEvents(t, log, "did:plc:bob")
	require.Len(t, bob, 1)
	assert.Equal(t, events.KindIdentity, bob[0].Kind)

	assert.Equal(t, []*int64{nil}, source.subscribeCursors())
}

func TestIngester_DropsUnverifiedCommits(t *testing.T) {
	key := repotest.NewP256Key()
	keys := repotest.NewKeys()
	keys.Set("did:plc:alice", key.Public())

	genuine, built := signedCommit(key, "did:plc:alice")
	genuine.Commit.Ops = []RepoOp{opFor(built, "create", "app.bsky.feed.post/1")}
	genuine.Commit.Seq = 1
	forged, forgedBuilt := signedCommit(repotest.NewP256Key(), "did:plc:alice")
	forged.Commit.Ops = []RepoOp{opFor(forgedBuilt, "create", "app.bsky.feed.post/2")}
	forged.Commit.Seq = 2

	log := eventlog.NewMemoryLog()
	source := &fakeSource{scripts: []script{{frames: []*Frame{genuine, forged}}}}
	translator := CommitTranslator{Verifier: repo.NewSignatureVerifier(keys)}
	i := NewIngester(testConfig(), source, log, translator, nil, metrics.NewMetrics("test_", nil))
	stop := runIngester(t, i)
	defer stop()

	assert.Eventually(t, func() bool { return cursor(t, log) == "2" }, 5*time.Second, time.Millisecond)
	alice := repoEvents(t, log, "did:plc:alice")
	require.Len(t, alice, 1)
	assert.Equal(t, "app.bsky.feed.post/1", alice[0].Path())
}

func TestIngester_ReconnectsFromCursor(t *testing.T) {
	log := eventlog.NewMemoryLog()
	require.NoError(t, log.Set(context.Background(), CursorKey(testService), "10"))
	source := &fakeSource{scripts: []script{
		{frames: []*Frame{identityFrame(11, "did:plc:a"), identityFrame(12, "did:plc:a")}, err: errors.New("connection reset")},
		{frames: []*Frame{identityFrame(13, "did:plc:a")}},
	}}
	i := NewIngester(testConfig(), source, log, CommitTranslator{}, nil, metrics.NewMetrics("test_", nil))
	stop := runIngester(t, i)
	defer stop()

	assert.Eventually(t, func() bool { return cursor(t, log) == "13" }, 5*time.Second, time.Millisecond)
	cursors := source.subscribeCursors()
	require.Len(t, cursors, 2)
	assert.Equal(t, int64(10), *cursors[0])
	assert.Equal(t, int64(12), *cursors[1])

	seqs := []int64{}
	for _, e := range repoEvents(t, log, "did:plc:a") {
		seqs = append(seqs, e.Seq)
	}
	assert.Equal(t, []int64{11, 12, 13}, seqs)
}

func TestIngester_TooBigCommitBecomesBackfill(t *testing.T) {
	log := eventlog.NewMemoryLog()
	big := commitFrame(1, "did:plc:big")
	big.Commit.TooBig = true
	source := &fakeSource{scripts: []script{{frames: []*Frame{big}}}}
	i := NewIngester(testConfig(), source, log, CommitTranslator{}, nil, metrics.NewMetrics("test_", nil))
	stop := runIngester(t, i)
	defer stop()

	assert.Eventually(t, func() bool { return len(log.Entries("repo_backfill")) == 1 }, 5*time.Second, time.Millisecond)
	instruction, err := events.ParseBackfillInstruction(log.Entries("repo_backfill")[0].Values)
	require.NoError(t, err)
	assert.Equal(t, "did:plc:big", instruction.Repo)
	assert.Equal(t, testService, instruction.Host)
	assert.Empty(t, repoEvents(t, log, "did:plc:big"))
}

func TestIngester_BackpressureBlocksAppends(t *testing.T) {
	log := eventlog.NewMemoryLog()
	gate := newClosedGate()
	source := &fakeSource{scripts: []script{{frames: []*Frame{identityFrame(1, "did:plc:a"), identityFrame(2, "did:plc:a")}}}}
	i := NewIngester(testConfig(), source, log, CommitTranslator{}, gate, metrics.NewMetrics("test_", nil))
	stop := runIngester(t, i)
	defer stop()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, repoEvents(t, log, "did:plc:a"))
	assert.Equal(t, "", cursor(t, log))

	gate.Open()
	assert.Eventually(t, func() bool { return cursor(t, log) == "2" }, 5*time.Second, time.Millisecond)
	assert.Len(t, repoEvents(t, log, "did:plc:a"), 2)
}

func TestIngester_StopEndsRun(t *testing.T) {
	i := NewIngester(testConfig(), &fakeSource{}, eventlog.NewMemoryLog(), CommitTranslator{}, nil, metrics.NewMetrics("test_", nil))
	done := make(chan error)
	go func() { done <- i.Run(logctx.Background()) }()
	assert.Eventually(t, func() bool {
		i.mu.Lock()
		defer i.mu.Unlock()
		return i.stop != nil
	}, time.Second, time.Millisecond)
	i.Stop()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not end Run")
	}
}

func TestIngester_SkipsUndecodableFrame(t *testing.T) {
	first, err := EncodeFrame(identityFrame(1, "did:plc:a"))
	require.NoError(t, err)
	h, err := repo.Marshal(header{Op: opMessage, Type: TypeCommit})
	require.NoError(t, err)
	body, err := repo.Marshal(map[string]interface{}{"seq": "two", "repo": 5})
	require.NoError(t, err)
	third, err := EncodeFrame(identityFrame(3, "did:plc:a"))
	require.NoError(t, err)
	server, subscriptions := serve(t, first, append(h, body...), third)

	log := eventlog.NewMemoryLog()
	i := NewIngester(testConfig(), NewWebsocketSource(server.URL, nil), log, CommitTranslator{}, nil, metrics.NewMetrics("test_", nil))
	stop := runIngester(t, i)
	defer stop()

	assert.Eventually(t, func() bool { return cursor(t, log) == "3" }, 5*time.Second, time.Millisecond)
	seqs := []int64{}
	for _, e := range repoEvents(t, log, "did:plc:a") {
		seqs = append(seqs, e.Seq)
	}
	assert.Equal(t, []int64{1, 3}, seqs)
	assert.Equal(t, "", <-subscriptions)
	assert.Empty(t, subscriptions)
}

func TestIngester_ReconnectCountResetsOnceFramesArrive(t *testing.T) {
	source := &fakeSource{scripts: []script{
		{err: errors.New("reset 1")},
		{err: errors.New("reset 2")},
		{frames: []*Frame{identityFrame(1, "did:plc:a")}, err: errors.New("reset 3")},
		{err: errors.New("reset 4")},
	}}
	logger, hook := logtest.NewNullLogger()
	i := NewIngester(testConfig(), source, eventlog.NewMemoryLog(), CommitTranslator{}, nil, metrics.NewMetrics("test_", nil))
	stop := runIngesterWithLog(t, i, logrus.NewEntry(logger))
	defer stop()

	reconnects := func() []interface{} {
		var out []interface{}
		for _, entry := range hook.AllEntries() {
			if entry.Message == "firehose subscription ended; reconnecting" {
				out = append(out, entry.Data["reconnects"])
			}
		}
		return out
	}
	assert.Eventually(t, func() bool { return len(reconnects()) == 4 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, []interface{}{1, 2, 1, 2}, reconnects())
}

package pipeline

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repoindex/repoindex/internal/backfill"
	"github.com/repoindex/repoindex/internal/common/logctx"
	"github.com/repoindex/repoindex/internal/eventlog"
	"github.com/repoindex/repoindex/internal/firehose"
	"github.com/repoindex/repoindex/internal/indexer"
	"github.com/repoindex/repoindex/internal/leader"
	"github.com/repoindex/repoindex/internal/partition"
	"github.com/repoindex/repoindex/internal/repo/repotest"
)

const testHost = "https://pds.test"

type staticSource struct {
	mu     sync.Mutex
	frames []*firehose.Frame
	served bool
}

func (s *staticSource) Subscribe(_ context.Context, _ *int64) (firehose.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.served {
		return &staticSubscription{}, nil
	}
	s.served = true
	return &staticSubscription{frames: s.frames}, nil
}

type staticSubscription struct {
	frames []*firehose.Frame
}

func (s *staticSubscription) Next(ctx context.Context) (*firehose.Frame, error) {
	if len(s.frames) > 0 {
		f := s.frames[0]
		s.frames = s.frames[1:]
		return f, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *staticSubscription) Close() error { return nil }

func identityFrame(seq int64, did string) *firehose.Frame {
	handle := did + ".test"
	return &firehose.Frame{
		Type: firehose.TypeIdentity,
		Identity: &firehose.IdentityFrame{
			Seq:    seq,
			DID:    did,
			Time:   time.Date(2024, 1, 1, 0, 0, int(seq), 0, time.UTC).Format(time.RFC3339Nano),
			Handle: &handle,
		},
	}
}

type onePageLister struct {
	repos []backfill.ListedRepo
}

func (l *onePageLister) ListRepos(_ context.Context, _, _ string, _ int) (*backfill.Page, error) {
	return &backfill.Page{Repos: l.repos}, nil
}

type failingFetcher struct{}

func (failingFetcher) FetchRepo(_ context.Context, _, _ string) (io.ReadCloser, error) {
	return nil, errors.New("no archives here")
}

type recordingApp struct {
	indexer.LogApplication
	mu         sync.Mutex
	identities map[string][]int64
	accounts   map[string]string
}

func newRecordingApp() *recordingApp {
	return &recordingApp{identities: map[string][]int64{}, accounts: map[string]string{}}
}

func (a *recordingApp) ApplyIdentityUpdate(_ context.Context, update indexer.IdentityUpdate) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.identities[update.Repo] = append(a.identities[update.Repo], update.Seq)
	return nil
}

func (a *recordingApp) ApplyAccountStatus(_ context.Context, status indexer.AccountStatus) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accounts[status.Repo] = status.Status
	return nil
}

func (a *recordingApp) seqs(repo string) []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int64(nil), a.identities[repo]...)
}

func (a *recordingApp) status(repo string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.accounts[repo]
	return s, ok
}

func testConfiguration() Configuration {
	return Configuration{
		Log: LogConfig{
			StreamPrefix:   partition.DefaultPrefix,
			PartitionCount: 2,
			BackfillStream: "repo_backfill",
		},
		Leader: LeaderConfig{Mode: LeaderModeStandalone},
		Firehose: FirehoseConfig{
			Hosts:          []HostConfig{{Service: testHost, LockID: 1}},
			BatchSize:      10,
			ReconnectDelay: 10 * time.Millisecond,
			RetryDelay:     10 * time.Millisecond,
		},
		Backfill: BackfillConfig{
			Hosts:         []HostConfig{{Service: testHost, LockID: 2}},
			RetryInterval: 10 * time.Millisecond,
			RetryDelay:    10 * time.Millisecond,
		},
		RepoBackfill: RepoBackfillConfig{
			Concurrency: 1,
			ClaimIdle:   time.Minute,
			ReadBlock:   10 * time.Millisecond,
		},
		Indexer: IndexerConfig{
			LockIDBase:  100,
			ReadBlock:   10 * time.Millisecond,
			Application: ApplicationLog,
			RetryDelay:  10 * time.Millisecond,
		},
	}
}

func TestPipeline_EndToEnd(t *testing.T) {
	log := eventlog.NewMemoryLog()
	app := newRecordingApp()
	inactive := false
	source := &staticSource{frames: []*firehose.Frame{
		identityFrame(1, "did:plc:a"),
		identityFrame(2, "did:plc:a"),
		identityFrame(3, "did:plc:a"),
		identityFrame(4, "did:plc:b"),
		identityFrame(5, "did:plc:b"),
	}}

	p, err := New(testConfiguration(), AllRoles, Dependencies{
		Log:         log,
		Locker:      leader.NewLocalLocker(),
		Source:      func(string) firehose.Source { return source },
		Lister:      &onePageLister{repos: []backfill.ListedRepo{{DID: "did:plc:c", Active: &inactive, Status: "takendown"}}},
		Fetcher:     failingFetcher{},
		Application: app,
	})
	require.NoError(t, err)

	ctx, cancel := logctx.WithCancel(logctx.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	assert.Eventually(t, func() bool {
		_, ok := app.status("did:plc:c")
		return len(app.seqs("did:plc:a")) == 3 && len(app.seqs("did:plc:b")) == 2 && ok
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{1, 2, 3}, app.seqs("did:plc:a"))
	assert.Equal(t, []int64{4, 5}, app.seqs("did:plc:b"))
	status, _ := app.status("did:plc:c")
	assert.Equal(t, "takendown", status)

	cursor, _, err := log.Get(context.Background(), firehose.CursorKey(testHost))
	require.NoError(t, err)
	assert.Equal(t, "5", cursor)
	assert.Eventually(t, func() bool {
		v, _, err := log.Get(context.Background(), backfill.CursorKey(testHost))
		return err == nil && v == backfill.EndedCursor
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not stop")
	}
}

func TestNew_MissingDependencies(t *testing.T) {
	config := testConfiguration()
	_, err := New(config, []Role{RoleIndexer}, Dependencies{Log: eventlog.NewMemoryLog()})
	assert.Error(t, err)

	_, err = New(config, []Role{RoleRepoBackfill}, Dependencies{Log: eventlog.NewMemoryLog()})
	assert.Error(t, err)

	_, err = New(config, AllRoles, Dependencies{})
	assert.Error(t, err)
}

func TestNew_RejectsUnknownPartition(t *testing.T) {
	config := testConfiguration()
	config.Indexer.Partitions = []int{0, 2}
	_, err := New(config, []Role{RoleIndexer}, Dependencies{
		Log:         eventlog.NewMemoryLog(),
		Locker:      leader.NewLocalLocker(),
		Application: indexer.LogApplication{},
	})
	assert.Error(t, err)
}

func TestCommitTranslatorFromConfig(t *testing.T) {
	config := FirehoseConfig{
		FilterCollections: []string{"app.bsky.feed.*"},
		ExcludeAccount:    true,
	}
	translator := commitTranslator(config, nil)
	assert.Equal(t, []string{"app.bsky.feed.*"}, translator.Collections)
	assert.True(t, translator.ExcludeAccount)
	assert.False(t, translator.Unauthenticated)
	assert.Nil(t, translator.Verifier)

	keys := repotest.NewKeys()
	translator = commitTranslator(FirehoseConfig{UnauthenticatedCommits: true}, keys)
	assert.True(t, translator.Unauthenticated)
	assert.NotNil(t, translator.Verifier)
}

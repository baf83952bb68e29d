package repo_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repoindex/repoindex/internal/repo"
	"github.com/repoindex/repoindex/internal/repo/repotest"
)

func testRepo(split bool) repotest.Repo {
	return repotest.Repo{
		DID: "did:plc:alice",
		Rev: "3kaaa",
		Records: map[string]interface{}{
			"app.bsky.feed.post/3k1":      map[string]interface{}{"text": "one"},
			"app.bsky.feed.post/3k2":      map[string]interface{}{"text": "two"},
			"app.bsky.feed.like/3k3":      map[string]interface{}{"subject": "x"},
			"app.bsky.actor.profile/self": map[string]interface{}{"displayName": "Alice"},
		},
		Split: split,
	}
}

func TestOpen_WalksRecordsInKeyOrder(t *testing.T) {
	for _, split := range []bool{false, true} {
		built := repotest.Build(testRepo(split))
		snapshot, err := repo.Open(context.Background(), bytes.NewReader(built.CAR), "did:plc:alice", repo.AcceptAll)
		require.NoError(t, err)
		assert.Equal(t, built.Commit, snapshot.CommitID)
		assert.Equal(t, "3kaaa", snapshot.Commit.Rev)

		var paths []string
		err = snapshot.Walk(func(r repo.Record) error {
			paths = append(paths, r.Path())
			assert.Equal(t, built.Records[r.Path()], r.CID)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{
			"app.bsky.actor.profile/self",
			"app.bsky.feed.like/3k3",
			"app.bsky.feed.post/3k1",
			"app.bsky.feed.post/3k2",
		}, paths)
	}
}

func TestRecordBytesDecode(t *testing.T) {
	built := repotest.Build(testRepo(false))
	archive, err := repo.ReadArchive(bytes.NewReader(built.CAR))
	require.NoError(t, err)

	raw, ok := archive.Get(built.Records["app.bsky.feed.post/3k1"])
	require.True(t, ok)
	var record map[string]interface{}
	require.NoError(t, repo.Unmarshal(raw, &record))
	assert.Equal(t, "one", record["text"])
}

func TestOpen_RejectAllFailsClosed(t *testing.T) {
	built := repotest.Build(testRepo(false))
	_, err := repo.Open(context.Background(), bytes.NewReader(built.CAR), "did:plc:alice", repo.RejectAll)
	assert.ErrorIs(t, err, repo.ErrUnverified)
}

func TestOpen_UnsignedCommitRejected(t *testing.T) {
	r := testRepo(false)
	r.Sig = []byte{}
	built := repotest.Build(r)
	_, err := repo.Open(context.Background(), bytes.NewReader(built.CAR), "did:plc:alice", repo.AcceptAll)
	assert.ErrorIs(t, err, repo.ErrUnverified)
}

func TestOpen_WrongDID(t *testing.T) {
	built := repotest.Build(testRepo(false))
	_, err := repo.Open(context.Background(), bytes.NewReader(built.CAR), "did:plc:mallory", repo.AcceptAll)
	assert.Error(t, err)
}

func TestReadArchive_Garbage(t *testing.T) {
	_, err := repo.ReadArchive(bytes.NewReader([]byte("definitely not a car file")))
	assert.Error(t, err)
}

func TestWalk_MissingBlock(t *testing.T) {
	b := &repotest.Builder{}
	missing := b.PutRaw([]byte{0xa0})
	other := &repotest.Builder{}
	root := other.Put(map[string]interface{}{
		"e": []interface{}{map[string]interface{}{
			"p": 0,
			"k": []byte("app.bsky.feed.post/1"),
			"v": repo.Link{Cid: missing},
			"t": nil,
		}},
		"l": nil,
	})
	archive, err := repo.ReadArchive(bytes.NewReader(other.CAR(root)))
	require.NoError(t, err)
	_, err = archive.Records(root)
	assert.Error(t, err)
}

func TestUnsignedBytesOmitSig(t *testing.T) {
	built := repotest.Build(testRepo(false))
	archive, err := repo.ReadArchive(bytes.NewReader(built.CAR))
	require.NoError(t, err)
	commit, err := archive.DecodeCommit(built.Commit)
	require.NoError(t, err)

	unsigned, err := commit.UnsignedBytes()
	require.NoError(t, err)
	var fields map[string]interface{}
	require.NoError(t, repo.Unmarshal(unsigned, &fields))
	assert.NotContains(t, fields, "sig")
	assert.Contains(t, fields, "data")
	assert.NotEmpty(t, commit.Sig)
}

func TestLinkRoundTrip(t *testing.T) {
	c := (&repotest.Builder{}).PutRaw([]byte("hello"))
	parsed, err := cid.Decode(c.String())
	require.NoError(t, err)
	require.Equal(t, c, parsed)
	b, err := repo.Marshal(repo.Link{Cid: c})
	require.NoError(t, err)
	var l repo.Link
	require.NoError(t, repo.Unmarshal(b, &l))
	assert.Equal(t, c, l.Cid)
}

package partition

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForRepo_Stable(t *testing.T) {
	for i := 0; i < 100; i++ {
		did := fmt.Sprintf("did:plc:%08d", i)
		p := ForRepo(did, 16)
		assert.Equal(t, p, ForRepo(did, 16))
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 16)
	}
}

func TestForRepo_SinglePartition(t *testing.T) {
	assert.Equal(t, 0, ForRepo("did:plc:anything", 1))
}

func TestForRepo_Distribution(t *testing.T) {
	const n = 8
	const repos = 8000
	counts := make([]int, n)
	for i := 0; i < repos; i++ {
		counts[ForRepo(fmt.Sprintf("did:plc:%x", i*7919), n)]++
	}
	for p, c := range counts {
		// Each partition should get roughly repos/n = 1000 repos.
		assert.InDelta(t, repos/n, c, 200, "partition %d", p)
	}
}

func TestForRepo_PanicsOnBadCount(t *testing.T) {
	assert.Panics(t, func() { ForRepo("did:plc:a", 0) })
}

func TestStreams(t *testing.T) {
	assert.Equal(t, []string{"repo:0", "repo:1", "repo:2"}, Streams(DefaultPrefix, 3))
	assert.Equal(t, Stream("repo", ForRepo("did:plc:a", 4)), StreamForRepo("repo", "did:plc:a", 4))
}

func TestParse(t *testing.T) {
	p, err := Parse("repo", "repo:12")
	require.NoError(t, err)
	assert.Equal(t, 12, p)

	_, err = Parse("repo", "other:1")
	assert.Error(t, err)
	_, err = Parse("repo", "repo:x")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate([]int{0, 2, 3}, 4))
	assert.Error(t, Validate([]int{4}, 4))
	assert.Error(t, Validate([]int{1, 1}, 4))
	assert.Error(t, Validate([]int{-1}, 4))
}

func TestErrorsCarryStackTrace(t *testing.T) {
	type stackTracer interface {
		StackTrace() errors.StackTrace
	}
	_, err := Parse("repo", "other:1")
	assert.Implements(t, (*stackTracer)(nil), err)
	assert.Implements(t, (*stackTracer)(nil), Validate([]int{4}, 4))
}

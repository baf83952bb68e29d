// Package partition maps repositories onto log partitions.
//
// The mapping is a pure function of the repository id and the partition count. Changing the partition count is an
// operator procedure (stop producers, drain every partition, restart with the new count); nothing here migrates
// data between partitions.
package partition

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

const DefaultPrefix = "repo"

// ForRepo returns the partition in [0, n) owning repo. It panics if n is not positive, since that can only be a
// deployment error.
func ForRepo(repo string, n int) int {
	if n <= 0 {
		panic(fmt.Sprintf("partition count must be positive, got %d", n))
	}
	return int(xxhash.Sum64String(repo) % uint64(n))
}

// Stream returns the name of the log stream backing partition p.
func Stream(prefix string, p int) string {
	return prefix + ":" + strconv.Itoa(p)
}

// StreamForRepo is shorthand for Stream(prefix, ForRepo(repo, n)).
func StreamForRepo(prefix string, repo string, n int) string {
	return Stream(prefix, ForRepo(repo, n))
}

// Streams returns the stream names of every partition in [0, n).
func Streams(prefix string, n int) []string {
	streams := make([]string, n)
	for p := 0; p < n; p++ {
		streams[p] = Stream(prefix, p)
	}
	return streams
}

// Parse recovers the partition number from a stream name produced by Stream.
func Parse(prefix string, stream string) (int, error) {
	rest, ok := strings.CutPrefix(stream, prefix+":")
	if !ok {
		return 0, errors.Errorf("stream %q does not belong to prefix %q", stream, prefix)
	}
	p, err := strconv.Atoi(rest)
	if err != nil || p < 0 {
		return 0, errors.Errorf("stream %q has no valid partition number", stream)
	}
	return p, nil
}

// Validate checks that every partition in ps lies in [0, n) and appears once.
func Validate(ps []int, n int) error {
	seen := make(map[int]bool, len(ps))
	for _, p := range ps {
		if p < 0 || p >= n {
			return errors.Errorf("partition %d outside of [0, %d)", p, n)
		}
		if seen[p] {
			return errors.Errorf("partition %d listed twice", p)
		}
		seen[p] = true
	}
	return nil
}

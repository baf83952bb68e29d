package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIntRanges(t *testing.T) {
	tests := map[string]struct {
		input    string
		expected []int
		err      bool
	}{
		"single":  {input: "3", expected: []int{3}},
		"range":   {input: "0-3", expected: []int{0, 1, 2, 3}},
		"mixed":   {input: "0-1, 5,7-8", expected: []int{0, 1, 5, 7, 8}},
		"empty":   {input: "", expected: nil},
		"reverse": {input: "3-1", err: true},
		"junk":    {input: "a", err: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := ParseIntRanges(tc.input)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestRedisConfig_AsUniversalOptions(t *testing.T) {
	opts := RedisConfig{
		Addrs:           []string{"localhost:6379"},
		MinRetryBackoff: time.Millisecond,
		MaxRetryBackoff: time.Second,
		PoolSize:        10,
	}.AsUniversalOptions()
	assert.Equal(t, []string{"localhost:6379"}, opts.Addrs)
	assert.Equal(t, time.Millisecond, opts.MinRetryBackoff)
	assert.Equal(t, time.Second, opts.MaxRetryBackoff)
	assert.Equal(t, 10, opts.PoolSize)
}

type testConfig struct {
	Redis      RedisConfig
	Partitions []int
	Hosts      []string
	Interval   time.Duration
	Name       string `validate:"required"`
}

func writeFile(t *testing.T, dir, name, content string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	defaults := writeFile(t, dir, "config.yaml", `
redis:
  addrs: ["localhost:6379"]
  poolSize: 5
partitions: "0-2"
hosts: ["a"]
interval: 5s
name: default
`)
	override := writeFile(t, dir, "override.yaml", `
redis:
  poolSize: 20
`)
	t.Setenv("REPOINDEXTEST_NAME", "from-env")
	t.Setenv("REPOINDEXTEST_HOSTS", "a,b")

	var c testConfig
	require.NoError(t, Load(&c, defaults, []string{override}, "REPOINDEXTEST"))
	assert.Equal(t, []string{"localhost:6379"}, c.Redis.Addrs)
	assert.Equal(t, 20, c.Redis.PoolSize)
	assert.Equal(t, []int{0, 1, 2}, c.Partitions)
	assert.Equal(t, []string{"a", "b"}, c.Hosts)
	assert.Equal(t, 5*time.Second, c.Interval)
	assert.Equal(t, "from-env", c.Name)
	assert.NoError(t, Validate(c))
}

func TestLoad_MissingFile(t *testing.T) {
	var c testConfig
	assert.Error(t, Load(&c, filepath.Join(t.TempDir(), "missing.yaml"), nil, "REPOINDEXTEST"))
}

func TestValidate(t *testing.T) {
	err := Validate(testConfig{Redis: RedisConfig{Addrs: []string{"x"}}})
	assert.Error(t, err)
	LogValidationErrors(err)
}

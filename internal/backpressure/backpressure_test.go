package backpressure

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

type stubMeasurer struct {
	mu     sync.Mutex
	length int64
	err    error
	calls  int
}

func (s *stubMeasurer) Length(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.length, s.err
}

func (s *stubMeasurer) set(length int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.length = length
	s.err = err
}

func (s *stubMeasurer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubLengths map[string]int64

func (s stubLengths) Len(_ context.Context, stream string) (int64, error) {
	n, ok := s[stream]
	if !ok {
		return 0, errors.Errorf("no stream %s", stream)
	}
	return n, nil
}

func newTestPolicy(m Measurer, mark int64) (*Policy, *clocktesting.FakeClock) {
	fakeClock := clocktesting.NewFakeClock(time.Now())
	p := NewPolicy(m, Config{HighWaterMark: mark, CheckInterval: 5 * time.Second})
	p.clock = fakeClock
	return p, fakeClock
}

func waitAsync(p *Policy) <-chan error {
	done := make(chan error, 1)
	go func() { done <- p.Wait(context.Background()) }()
	return done
}

func TestPolicy_DisabledNeverMeasures(t *testing.T) {
	m := &stubMeasurer{length: 1000}
	p := NewPolicy(m, Config{HighWaterMark: 0})
	require.NoError(t, p.Wait(context.Background()))
	assert.Equal(t, 0, m.callCount())

	var nilPolicy *Policy
	assert.NoError(t, nilPolicy.Wait(context.Background()))
}

func TestPolicy_BelowMarkPassesAndIsCached(t *testing.T) {
	m := &stubMeasurer{length: 5}
	p, fakeClock := newTestPolicy(m, 10)

	require.NoError(t, p.Wait(context.Background()))
	require.NoError(t, p.Wait(context.Background()))
	assert.Equal(t, 1, m.callCount())

	fakeClock.Step(5 * time.Second)
	require.NoError(t, p.Wait(context.Background()))
	assert.Equal(t, 2, m.callCount())
}

func TestPolicy_BlocksWhileAtOrAboveMark(t *testing.T) {
	m := &stubMeasurer{length: 10}
	p, fakeClock := newTestPolicy(m, 10)

	done := waitAsync(p)
	assert.Eventually(t, fakeClock.HasWaiters, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("wait returned while log at high water mark")
	default:
	}

	m.set(9, nil)
	fakeClock.Step(5 * time.Second)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not return once log dropped below mark")
	}
	assert.Equal(t, 2, m.callCount())
}

func TestPolicy_FailsClosed(t *testing.T) {
	m := &stubMeasurer{err: errors.New("redis down")}
	p, fakeClock := newTestPolicy(m, 10)

	done := waitAsync(p)
	assert.Eventually(t, fakeClock.HasWaiters, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("wait returned while measurement failing")
	default:
	}

	m.set(0, nil)
	fakeClock.Step(5 * time.Second)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not return once measurement recovered")
	}
}

func TestPolicy_HonoursCancellation(t *testing.T) {
	m := &stubMeasurer{length: 100}
	p, fakeClock := newTestPolicy(m, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Wait(ctx) }()
	assert.Eventually(t, fakeClock.HasWaiters, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestStreamLengths(t *testing.T) {
	lengths := stubLengths{"repo:0": 3, "repo:1": 4, "repo_backfill": 5}

	total, err := NewStreamLengths(lengths, "repo:0", "repo:1", "repo_backfill").Length(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(12), total)

	_, err = NewStreamLengths(lengths, "repo:0", "repo:9").Length(context.Background())
	assert.Error(t, err)
}

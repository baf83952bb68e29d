package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsecutiveList_ReleasesOnlyCompletedPrefix(t *testing.T) {
	list := NewConsecutiveList[int]()
	one := list.Push(1)
	two := list.Push(2)
	three := list.Push(3)

	assert.Empty(t, two.Complete())
	assert.Equal(t, []int{1, 2}, one.Complete())
	assert.Equal(t, []int{3}, three.Complete())
	assert.Equal(t, 0, list.Len())
}

func TestConsecutiveList_CompleteTwice(t *testing.T) {
	list := NewConsecutiveList[string]()
	a := list.Push("a")
	b := list.Push("b")

	assert.Equal(t, []string{"a"}, a.Complete())
	assert.Empty(t, a.Complete())
	assert.Equal(t, []string{"b"}, b.Complete())
}

func TestConsecutiveList_InterleavedPushes(t *testing.T) {
	list := NewConsecutiveList[int]()
	one := list.Push(1)
	assert.Equal(t, []int{1}, one.Complete())
	two := list.Push(2)
	three := list.Push(3)
	four := list.Push(4)
	assert.Empty(t, four.Complete())
	assert.Empty(t, three.Complete())
	assert.Equal(t, 3, list.Len())
	assert.Equal(t, []int{2, 3, 4}, two.Complete())
}

func TestPartitioned_SerialWithinKey(t *testing.T) {
	q := NewPartitioned(8)
	var mu sync.Mutex
	got := map[string][]int{}
	var running [2]atomic.Int32
	var overlap atomic.Bool

	for i := 0; i < 50; i++ {
		for k, key := range []string{"a", "b"} {
			i, k, key := i, k, key
			q.Add(key, func() {
				if running[k].Add(1) > 1 {
					overlap.Store(true)
				}
				time.Sleep(time.Duration(i%3) * time.Millisecond)
				mu.Lock()
				got[key] = append(got[key], i)
				mu.Unlock()
				running[k].Add(-1)
			})
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, q.OnIdle(ctx))

	assert.False(t, overlap.Load(), "two tasks with the same key ran concurrently")
	expected := make([]int, 50)
	for i := range expected {
		expected[i] = i
	}
	assert.Equal(t, expected, got["a"])
	assert.Equal(t, expected, got["b"])
	assert.Equal(t, 0, q.Partitions())
}

func TestPartitioned_ConcurrencyAcrossKeys(t *testing.T) {
	const concurrency = 3
	q := NewPartitioned(concurrency)
	var current, peak atomic.Int32
	release := make(chan struct{})

	for i := 0; i < 10; i++ {
		q.Add(string(rune('a'+i)), func() {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			current.Add(-1)
		})
	}

	assert.Eventually(t, func() bool { return current.Load() == concurrency }, time.Second, time.Millisecond)
	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.OnIdle(ctx))
	assert.Equal(t, int32(concurrency), peak.Load())
}

func TestPartitioned_WaitBelow(t *testing.T) {
	q := NewPartitioned(1)
	release := make(chan struct{})
	for i := 0; i < 4; i++ {
		q.Add("k", func() { <-release })
	}
	assert.Equal(t, 4, q.Size())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.WaitBelow(ctx, 2), context.DeadlineExceeded)

	close(release)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	require.NoError(t, q.WaitBelow(ctx2, 2))
	require.NoError(t, q.OnIdle(ctx2))
}

func TestPartitioned_DestroyDropsQueuedTasks(t *testing.T) {
	q := NewPartitioned(1)
	started := make(chan struct{})
	release := make(chan struct{})
	var ran atomic.Int32
	q.Add("k", func() {
		close(started)
		<-release
		ran.Add(1)
	})
	q.Add("k", func() { ran.Add(1) })
	<-started

	destroyed := make(chan error)
	go func() { destroyed <- q.Destroy(context.Background()) }()
	assert.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.destroyed
	}, time.Second, time.Millisecond)
	assert.False(t, q.Add("k", func() { ran.Add(1) }))

	close(release)
	require.NoError(t, <-destroyed)
	assert.Equal(t, int32(1), ran.Load())
	assert.Equal(t, 0, q.Size())
}

func TestLatestQueue_CollapsesBursts(t *testing.T) {
	q := NewLatestQueue()
	release := make(chan struct{})
	var mu sync.Mutex
	var ran []int

	q.Add(func() {
		<-release
		mu.Lock()
		ran = append(ran, 1)
		mu.Unlock()
	})
	for i := 2; i <= 5; i++ {
		i := i
		q.Add(func() {
			mu.Lock()
			ran = append(ran, i)
			mu.Unlock()
		})
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.WaitIdle(ctx))
	assert.Equal(t, []int{1, 5}, ran)
}

func TestLatestQueue_Destroy(t *testing.T) {
	q := NewLatestQueue()
	release := make(chan struct{})
	var ran atomic.Int32
	q.Add(func() {
		<-release
		ran.Add(1)
	})
	q.Add(func() { ran.Add(1) })
	q.Destroy()
	q.Add(func() { ran.Add(1) })
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.WaitIdle(ctx))
	assert.Equal(t, int32(1), ran.Load())
}

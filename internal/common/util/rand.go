package util

import (
	"math/rand"
	"sync"
	"time"
)

// LockedSource is a random source that is uses a mutex to ensure it is threadsafe
type LockedSource struct {
	lk  sync.Mutex
	src rand.Source
}

func (r *LockedSource) Int63() (n int64) {
	r.lk.Lock()
	n = r.src.Int63()
	r.lk.Unlock()
	return
}

func (r *LockedSource) Seed(seed int64) {
	r.lk.Lock()
	r.src.Seed(seed)
	r.lk.Unlock()
}

// NewThreadsafeRand Returns a *rand.Rand that is safe to share across multiple goroutines
func NewThreadsafeRand(seed int64) *rand.Rand {
	return rand.New(&LockedSource{
		lk:  sync.Mutex{},
		src: rand.NewSource(seed),
	})
}

var jitterRand = NewThreadsafeRand(time.Now().UnixNano())

// Jitter returns base shifted by a uniformly distributed amount in [-spread, +spread], never negative.
func Jitter(base, spread time.Duration) time.Duration {
	if spread <= 0 {
		return base
	}
	d := base + time.Duration(jitterRand.Int63n(int64(2*spread)+1)) - spread
	if d < 0 {
		return 0
	}
	return d
}

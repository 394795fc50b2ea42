package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// Idle buckets older than this have fully refilled and carry no state
// worth keeping.
const staleAfter = 10 * time.Minute

// MemoryBucket is an in-process token bucket per key, used when the
// pipeline runs without Redis.
type MemoryBucket struct {
	capacity int
	refill   float64
	now      func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucketState
}

type bucketState struct {
	tokens float64
	last   time.Time
}

func NewMemoryBucket(capacity int, refillPerSecond float64) *MemoryBucket {
	if capacity <= 0 {
		capacity = 1
	}
	if refillPerSecond <= 0 {
		refillPerSecond = 1
	}
	return &MemoryBucket{
		capacity: capacity,
		refill:   refillPerSecond,
		now:      time.Now,
		buckets:  make(map[string]*bucketState),
	}
}

func (b *MemoryBucket) Allow(_ context.Context, key string) (bool, float64, error) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.buckets[key]
	if !ok {
		if len(b.buckets) > 1024 {
			b.sweepLocked(now)
		}
		st = &bucketState{tokens: float64(b.capacity), last: now}
		b.buckets[key] = st
	}

	if elapsed := now.Sub(st.last).Seconds(); elapsed > 0 {
		st.tokens = math.Min(float64(b.capacity), st.tokens+elapsed*b.refill)
	}
	st.last = now

	if st.tokens >= 1 {
		st.tokens--
		return true, st.tokens, nil
	}
	return false, st.tokens, nil
}

func (b *MemoryBucket) sweepLocked(now time.Time) {
	for k, st := range b.buckets {
		if now.Sub(st.last) > staleAfter {
			delete(b.buckets, k)
		}
	}
}

var _ Limiter = (*MemoryBucket)(nil)

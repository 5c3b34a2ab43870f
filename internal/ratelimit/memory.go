package ratelimit

import (
	"context"
	"sync"
	"time"
)

// refill is the bucket policy for one route class.
type refill struct {
	perSecond float64
	capacity  float64
}

// bucketKey identifies one caller's allowance for one route class.
type bucketKey struct {
	class  Class
	caller string
}

type bucket struct {
	tokens float64
	last   time.Time
}

// MemoryLimiter implements Limiter with an in-memory token bucket per
// (class, caller) pair. Every class refills at the configured default
// rate unless overridden with SetClassRate.
//
// A background goroutine evicts buckets idle for 10 minutes to bound
// memory. Call Close to stop it.
type MemoryLimiter struct {
	fallback refill

	mu      sync.Mutex
	classes map[Class]refill
	buckets map[bucketKey]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a limiter where every class refills at
// perSecond tokens per caller up to burst capacity.
func NewMemoryLimiter(perSecond float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		fallback: refill{perSecond: perSecond, capacity: float64(burst)},
		classes:  make(map[Class]refill),
		buckets:  make(map[bucketKey]*bucket),
		done:     make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// SetClassRate overrides the refill policy for one route class. Existing
// buckets of that class keep their tokens and refill at the new rate.
func (m *MemoryLimiter) SetClassRate(class Class, perSecond float64, burst int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classes[class] = refill{perSecond: perSecond, capacity: float64(burst)}
}

func (m *MemoryLimiter) refillFor(class Class) refill {
	if r, ok := m.classes[class]; ok {
		return r
	}
	return m.fallback
}

// Allow consumes one token from the caller's bucket for class. Returns
// true if a token was available, false if the caller must back off.
func (m *MemoryLimiter) Allow(_ context.Context, class Class, callerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.refillFor(class)
	key := bucketKey{class: class, caller: callerID}
	now := time.Now()

	b, ok := m.buckets[key]
	if !ok {
		// First request: a fresh full bucket minus this request's token.
		m.buckets[key] = &bucket{tokens: r.capacity - 1, last: now}
		return true, nil
	}

	b.tokens += now.Sub(b.last).Seconds() * r.perSecond
	if b.tokens > r.capacity {
		b.tokens = r.capacity
	}
	b.last = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the eviction goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const staleThreshold = 10 * time.Minute

func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

// evictStale drops buckets idle past the threshold. An evicted caller
// starts over with a full bucket on its next request.
func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-staleThreshold)
	for key, b := range m.buckets {
		if b.last.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}

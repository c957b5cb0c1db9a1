package mesh

import (
	"math"
	"sync"
	"time"
)

// tokenBucket throttles handshake attempts. Verification is cheap but not
// free, and an unauthenticated caller should not be able to spin our CPU.
type tokenBucket struct {
	capacity float64
	tokens   float64
	rate     float64
	last     time.Time
	mu       sync.Mutex
}

func newTokenBucket(rate float64, burst float64) *tokenBucket {
	if rate <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	if burst < rate {
		burst = rate
	}
	now := time.Now()
	return &tokenBucket{
		capacity: burst,
		tokens:   burst,
		rate:     rate,
		last:     now,
	}
}

func (b *tokenBucket) allow(now time.Time) bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(now)
	if b.tokens >= 1 {
		b.tokens -= 1
		return true
	}
	return false
}

func (b *tokenBucket) refillLocked(now time.Time) {
	if now.Before(b.last) {
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
	b.last = now
}

// addrRateLimiter keeps one bucket per remote address for inbound handshake
// attempts. A nil limiter allows everything.
type addrRateLimiter struct {
	rate  float64
	burst float64

	mu     sync.Mutex
	limits map[string]*tokenBucket
}

func newAddrRateLimiter(rate float64, burst float64) *addrRateLimiter {
	if rate <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &addrRateLimiter{
		rate:   rate,
		burst:  burst,
		limits: make(map[string]*tokenBucket),
	}
}

func (l *addrRateLimiter) allow(addr string, now time.Time) bool {
	if l == nil || addr == "" {
		return true
	}

	l.mu.Lock()
	bucket := l.limits[addr]
	if bucket == nil {
		bucket = newTokenBucket(l.rate, l.burst)
		l.limits[addr] = bucket
	}
	l.mu.Unlock()

	return bucket.allow(now)
}

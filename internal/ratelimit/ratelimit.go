// Package ratelimit throttles metering callers with per-key token buckets.
package ratelimit

import (
	"sync"
	"time"
)

// bucket tracks the token state for a single key.
type bucket struct {
	tokens     float64
	lastRefill time.Time
	rate       int
}

// Result describes one admission decision.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter is a token-bucket rate limiter keyed by caller id. Each key holds
// up to rate tokens and refills at rate per window.
type Limiter struct {
	mu          sync.Mutex
	buckets     map[string]*bucket
	defaultRate int
	window      time.Duration
	now         func() time.Time
}

// New creates a Limiter that allows defaultRate requests per window. A
// non-positive defaultRate disables limiting for keys without their own rate.
func New(defaultRate int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		buckets:     make(map[string]*bucket),
		defaultRate: defaultRate,
		window:      window,
		now:         time.Now,
	}
}

func (l *Limiter) effectiveRate(customRate int) int {
	if customRate > 0 {
		return customRate
	}
	return l.defaultRate
}

// getBucket must be called with l.mu held.
func (l *Limiter) getBucket(key string, rate int) *bucket {
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{
			tokens:     float64(rate),
			lastRefill: l.now(),
			rate:       rate,
		}
		l.buckets[key] = b
	}
	b.rate = rate
	return b
}

// refill must be called with l.mu held.
func (l *Limiter) refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * float64(b.rate) / l.window.Seconds()
	if b.tokens > float64(b.rate) {
		b.tokens = float64(b.rate)
	}
	b.lastRefill = now
}

func (l *Limiter) result(b *bucket, now time.Time, allowed bool) Result {
	res := Result{Allowed: allowed, Limit: b.rate, Remaining: int(b.tokens), ResetAt: now}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if deficit := float64(b.rate) - b.tokens; deficit > 0 {
		perSecond := float64(b.rate) / l.window.Seconds()
		res.ResetAt = now.Add(time.Duration(deficit / perSecond * float64(time.Second)))
	}
	return res
}

// Take consumes one token for key when available. customRate, if positive,
// overrides the default rate for this key. With no effective rate every
// request is allowed and Limit is 0.
func (l *Limiter) Take(key string, customRate int) Result {
	rate := l.effectiveRate(customRate)
	if rate <= 0 {
		return Result{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.getBucket(key, rate)
	l.refill(b, now)

	if b.tokens < 1 {
		return l.result(b, now, false)
	}
	b.tokens--
	return l.result(b, now, true)
}

// Status reports the state of key's bucket without consuming a token.
func (l *Limiter) Status(key string, customRate int) Result {
	rate := l.effectiveRate(customRate)
	if rate <= 0 {
		return Result{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.getBucket(key, rate)
	l.refill(b, now)
	return l.result(b, now, b.tokens >= 1)
}

// Prune drops buckets that have been idle for at least idle and are full
// again, returning how many were removed.
func (l *Limiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	n := 0
	for key, b := range l.buckets {
		if now.Sub(b.lastRefill) < idle {
			continue
		}
		l.refill(b, now)
		if b.tokens >= float64(b.rate) {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

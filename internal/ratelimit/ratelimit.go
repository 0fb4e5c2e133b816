// Package ratelimit keeps token buckets per (ip, site, scope).
package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"
)

// Scopes
const (
	ScopeIngest = "ingest"
)

// LimitError is returned when a bucket is exhausted.
type LimitError struct {
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %ds", e.RetryAfterSeconds())
}

// RetryAfterSeconds rounds the delay up to whole seconds, never below one.
func (e *LimitError) RetryAfterSeconds() int {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Limiter hands out one rate.Limiter per key. Buckets idle for longer than
// ttl are dropped, which resets them to full.
type Limiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration
	now   func() time.Time

	buckets   sync.Map // uint64 -> *bucket
	lastSweep atomic.Int64
}

type bucket struct {
	lim  *rate.Limiter
	seen atomic.Int64
}

// New creates a limiter refilling perMinute tokens per minute with the given burst.
func New(perMinute, burst int, ttl time.Duration) (*Limiter, error) {
	if perMinute <= 0 || burst <= 0 {
		return nil, fmt.Errorf("invalid rate limit: %d/min burst %d", perMinute, burst)
	}
	return &Limiter{
		limit: rate.Limit(float64(perMinute) / 60.0),
		burst: burst,
		ttl:   ttl,
		now:   time.Now,
	}, nil
}

// WithClock sets the time source, for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Key builds the bucket key for a request.
func Key(ip string, siteID uint, scope string) uint64 {
	return xxhash.Sum64String(fmt.Sprintf("%s|%d|%s", ip, siteID, scope))
}

// Allow consumes one token for key or returns a *LimitError.
func (l *Limiter) Allow(key uint64) error {
	now := l.now()
	lim := l.bucket(key, now)

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return &LimitError{RetryAfter: time.Minute}
	}
	delay := r.DelayFrom(now)
	if delay > 0 {
		r.CancelAt(now)
		return &LimitError{RetryAfter: delay}
	}
	return nil
}

// bucket returns the key's limiter. Concurrent first requests for one key
// share a single limiter.
func (l *Limiter) bucket(key uint64, now time.Time) *rate.Limiter {
	l.sweep(now)

	v, ok := l.buckets.Load(key)
	if !ok {
		v, _ = l.buckets.LoadOrStore(key, &bucket{lim: rate.NewLimiter(l.limit, l.burst)})
	}
	b := v.(*bucket)
	b.seen.Store(now.UnixNano())
	return b.lim
}

// sweep drops idle buckets, at most once per ttl.
func (l *Limiter) sweep(now time.Time) {
	last := l.lastSweep.Load()
	if l.ttl <= 0 || now.UnixNano()-last < int64(l.ttl) || !l.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	cutoff := now.Add(-l.ttl).UnixNano()
	l.buckets.Range(func(k, v any) bool {
		if v.(*bucket).seen.Load() < cutoff {
			l.buckets.CompareAndDelete(k, v)
		}
		return true
	})
}

// Len reports the number of live buckets.
func (l *Limiter) Len() int {
	n := 0
	l.buckets.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close drops every bucket.
func (l *Limiter) Close() {
	l.buckets.Clear()
}

// Package ratelimit implements the sliding-window request limiter that gates
// the gateway's endpoint classes. Buckets are keyed by (identity, class);
// timestamps older than the class window are purged lazily on every check.
package ratelimit

import (
	"sync"
	"time"
)

type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter int // seconds, set only on denial
	ResetAt    time.Time
}

// ClassLimit is the static ceiling for one endpoint class.
type ClassLimit struct {
	MaxRequests int
	Window      time.Duration
}

// Limits maps endpoint classes to their ceilings. Unknown classes fall back
// to the "default" entry.
type Limits map[string]ClassLimit

const (
	ClassDefault  = "default"
	ClassAuth     = "auth"
	ClassRFC      = "rfc"
	ClassCustomer = "customer"
)

func DefaultLimits() Limits {
	return Limits{
		ClassDefault:  {MaxRequests: 100, Window: time.Hour},
		ClassAuth:     {MaxRequests: 10, Window: 5 * time.Minute},
		ClassRFC:      {MaxRequests: 50, Window: time.Hour},
		ClassCustomer: {MaxRequests: 200, Window: time.Hour},
	}
}

func (l Limits) For(class string) ClassLimit {
	if limit, ok := l[class]; ok && limit.MaxRequests > 0 && limit.Window > 0 {
		return limit
	}
	if limit, ok := l[ClassDefault]; ok && limit.MaxRequests > 0 && limit.Window > 0 {
		return limit
	}
	return ClassLimit{MaxRequests: 100, Window: time.Hour}
}

type Limiter interface {
	Allow(identity, class string, limit ClassLimit) Decision
}

// SlidingWindowLimiter is the in-process limiter. The outer mutex only guards
// the bucket map; each bucket carries its own lock so different identities
// never contend.
type SlidingWindowLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	mu     sync.Mutex
	stamps []time.Time
	dead   bool // set by Sweep under both locks; admissions must not land here
}

func NewSlidingWindow() *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (l *SlidingWindowLimiter) Allow(identity, class string, limit ClassLimit) Decision {
	if limit.MaxRequests <= 0 {
		limit.MaxRequests = 1
	}
	if limit.Window <= 0 {
		limit.Window = time.Minute
	}
	now := l.now().UTC()
	key := identity + ":" + class

	// A bucket fetched from the map can be dropped by a concurrent Sweep
	// before we lock it; retry so the admission lands in the live bucket.
	var b *bucket
	for {
		b = l.bucket(key)
		b.mu.Lock()
		if !b.dead {
			break
		}
		b.mu.Unlock()
	}
	defer b.mu.Unlock()
	cutoff := now.Add(-limit.Window)
	kept := b.stamps[:0]
	for _, ts := range b.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.stamps = kept

	if len(b.stamps) >= limit.MaxRequests {
		oldest := b.stamps[0]
		resetAt := oldest.Add(limit.Window)
		retryAfter := int(resetAt.Sub(now).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		return Decision{
			Allowed:    false,
			Limit:      limit.MaxRequests,
			Remaining:  0,
			RetryAfter: retryAfter,
			ResetAt:    resetAt,
		}
	}

	b.stamps = append(b.stamps, now)
	return Decision{
		Allowed:   true,
		Limit:     limit.MaxRequests,
		Remaining: limit.MaxRequests - len(b.stamps),
		ResetAt:   now.Add(limit.Window),
	}
}

func (l *SlidingWindowLimiter) bucket(key string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{}
		l.buckets[key] = b
	}
	return b
}

// Sweep drops buckets with no activity within maxIdle. Correctness does not
// depend on it; it only bounds memory for long-lived processes.
func (l *SlidingWindowLimiter) Sweep(maxIdle time.Duration) int {
	now := l.now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.buckets {
		b.mu.Lock()
		if len(b.stamps) == 0 || now.Sub(b.stamps[len(b.stamps)-1]) > maxIdle {
			b.dead = true
			delete(l.buckets, key)
			removed++
		}
		b.mu.Unlock()
	}
	return removed
}

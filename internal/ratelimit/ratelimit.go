// Package ratelimit provides the process-wide, keyed token-bucket limiters
// named in §5 "Rate limiting": one for the webhook endpoint keyed by source
// address, one for the LM endpoint keyed by workspace. Both are global
// mutable caches per §9 — created at process init, mutated through a
// single-owner mutex, reads tolerate staleness.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Keyed lazily creates and caches one token-bucket limiter per key.
type Keyed struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewKeyed builds a limiter keyed by an arbitrary string, allowing
// perSecond events per second with the given burst.
func NewKeyed(perSecond float64, burst int) *Keyed {
	return &Keyed{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

// NewWindowed builds a limiter approximating "max events per window" —
// the LM endpoint's default 10/min, 60s window (§5, §8).
func NewWindowed(window time.Duration, max int) *Keyed {
	perSecond := float64(max) / window.Seconds()
	return NewKeyed(perSecond, max)
}

// Allow reports whether an event keyed by key is permitted right now,
// consuming a token if so.
func (k *Keyed) Allow(key string) bool {
	return k.limiterFor(key).Allow()
}

func (k *Keyed) limiterFor(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()

	l, ok := k.limiters[key]
	if !ok {
		l = rate.NewLimiter(k.limit, k.burst)
		k.limiters[key] = l
	}
	return l
}

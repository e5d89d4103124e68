// Package ratelimit keeps one token bucket per key.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Keyed hands out an independent limiter per key (a party or client address).
type Keyed struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// New allows rps sustained requests per key with bursts up to burst.
// rps <= 0 disables limiting.
func New(rps float64, burst int) *Keyed {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Keyed{limiters: make(map[string]*rate.Limiter), limit: limit, burst: burst}
}

func (k *Keyed) Allow(key string) bool {
	return k.get(key).Allow()
}

func (k *Keyed) get(key string) *rate.Limiter {
	k.mu.RLock()
	l, ok := k.limiters[key]
	k.mu.RUnlock()
	if ok {
		return l
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if l, ok = k.limiters[key]; ok {
		return l
	}
	l = rate.NewLimiter(k.limit, k.burst)
	k.limiters[key] = l
	return l
}

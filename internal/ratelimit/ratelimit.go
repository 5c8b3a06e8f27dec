// Package ratelimit provides fixed-window limiters for inbound peer traffic.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is a simple fixed-window rate limiter for a single entity.
type Limiter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	rate        int
	window      time.Duration
}

// New creates a Limiter that allows rate requests per window.
func New(rate int, window time.Duration) *Limiter {
	return &Limiter{
		rate:        rate,
		window:      window,
		windowStart: time.Now(),
	}
}

// Allow returns true if the request is within the rate limit.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if now.Sub(l.windowStart) > l.window {
		l.count = 0
		l.windowStart = now
	}
	l.count++
	return l.count <= l.rate
}

// Keyed keeps one fixed window per key, typically a remote IP.
type Keyed struct {
	mu     sync.Mutex
	hits   map[string]*window
	rate   int
	window time.Duration
}

type window struct {
	count int
	start time.Time
}

// NewKeyed creates a limiter that allows rate requests per window for each key.
// A rate of zero or less disables limiting.
func NewKeyed(rate int, w time.Duration) *Keyed {
	return &Keyed{
		hits:   make(map[string]*window),
		rate:   rate,
		window: w,
	}
}

// Allow returns true if key has not exceeded its rate.
func (k *Keyed) Allow(key string) bool {
	if k.rate <= 0 {
		return true
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now()
	v, ok := k.hits[key]
	if !ok || now.Sub(v.start) > k.window {
		k.hits[key] = &window{count: 1, start: now}
		return true
	}
	v.count++
	return v.count <= k.rate
}

// Len is the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.hits)
}

// Cleanup drops keys whose window has expired.
func (k *Keyed) Cleanup() {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := time.Now()
	for key, v := range k.hits {
		if now.Sub(v.start) > k.window {
			delete(k.hits, key)
		}
	}
}

// Run calls Cleanup every interval until ctx is done.
func (k *Keyed) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.Cleanup()
		}
	}
}

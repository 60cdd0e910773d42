// Copyright 2025-2026 Disclawd Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package ratelimit implements a per-scope token bucket used to pace outbound
// Disclawd API calls. A bucket holds up to capacity tokens and refills
// linearly over one minute; a server-reported remaining quota can override
// the client's own accounting after a throttle response.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// refillWindow is the time a bucket takes to refill from empty to capacity.
const refillWindow = time.Minute

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter tracks one token bucket per scope key. Buckets are created lazily,
// full, on first use, and live for the limiter's lifetime. All bucket
// read-then-mutate sequences are serialized under one mutex so concurrent
// callers sharing a scope see atomic transactions.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	now func() time.Time
}

// New returns a limiter using the wall clock.
func New() *Limiter {
	return NewWithClock(time.Now)
}

// NewWithClock returns a limiter reading time from now. Tests inject a fake
// clock to make refill arithmetic deterministic.
func NewWithClock(now func() time.Time) *Limiter {
	return &Limiter{buckets: make(map[string]*bucket), now: now}
}

// get refills the scope's bucket to the current instant and returns it.
// Callers must hold l.mu.
func (l *Limiter) get(scope string, capacity int) *bucket {
	limit := float64(capacity)
	b, ok := l.buckets[scope]
	if !ok {
		b = &bucket{tokens: limit, lastRefill: l.now()}
		l.buckets[scope] = b
		return b
	}
	now := l.now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed > 0 {
		b.tokens = math.Min(limit, b.tokens+limit*float64(elapsed)/float64(refillWindow))
	}
	b.lastRefill = now
	return b
}

// CanConsume reports whether a token is available without consuming it.
func (l *Limiter) CanConsume(scope string, capacity int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.get(scope, capacity).tokens >= 1
}

// Consume takes one token if available. It returns false, leaving the bucket
// unchanged, when the scope is exhausted.
func (l *Limiter) Consume(scope string, capacity int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.get(scope, capacity)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// UntilAvailable returns how long the caller must wait before one token is
// available: zero when a token is ready, otherwise the ceiling of the time
// needed to regenerate the missing fraction of one token.
func (l *Limiter) UntilAvailable(scope string, capacity int) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.get(scope, capacity)
	if b.tokens >= 1 {
		return 0
	}
	missing := 1 - b.tokens
	perToken := float64(refillWindow) / float64(capacity)
	ms := math.Ceil(missing * perToken / float64(time.Millisecond))
	return time.Duration(ms) * time.Millisecond
}

// UpdateFromHeaders applies an authoritative server-reported remaining quota,
// overriding client drift. The refill clock restarts from now.
func (l *Limiter) UpdateFromHeaders(scope string, capacity int, remaining float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.get(scope, capacity)
	b.tokens = math.Max(0, math.Min(remaining, float64(capacity)))
	b.lastRefill = l.now()
}

// WaitForSlot blocks until a token can be consumed, then consumes it. This is
// the sole blocking primitive used to serialize outbound calls; it sleeps for
// the computed deficit rather than busy-waiting, and honors context
// cancellation.
func (l *Limiter) WaitForSlot(ctx context.Context, scope string, capacity int) error {
	for {
		if l.Consume(scope, capacity) {
			return nil
		}
		wait := l.UntilAvailable(scope, capacity)
		if wait <= 0 {
			// Another caller raced us between Consume and UntilAvailable.
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

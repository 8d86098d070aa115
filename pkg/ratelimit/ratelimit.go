// Copyright (c) fproxy contributors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides per-client request rate limiting using the
// token bucket algorithm. Clients are keyed by source address without
// the port, so a device cycling ephemeral ports shares one budget.
package ratelimit

import (
	"net/netip"
	"sort"
	"sync"
	"time"
)

// bucket is one client's token bucket.
type bucket struct {
	mu         sync.Mutex
	capacity   int64
	tokens     int64
	refillRate int64 // tokens per second
	lastRefill time.Time
	lastSeen   time.Time
}

func newBucket(capacity, refillRate int64) *bucket {
	now := time.Now()
	return &bucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: now,
		lastSeen:   now,
	}
}

func (b *bucket) allowN(n int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSeen = time.Now()
	b.refill()

	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

// seen returns when the bucket last served a request.
func (b *bucket) seen() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeen
}

// refill adds tokens based on elapsed time.
func (b *bucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()

	tokensToAdd := int64(elapsed * float64(b.refillRate))
	if tokensToAdd > 0 {
		b.tokens += tokensToAdd
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastRefill = now
	}
}

// Limiter manages per-client token buckets.
type Limiter struct {
	mu           sync.RWMutex
	buckets      map[netip.Addr]*bucket
	capacity     int64
	refillRate   int64
	maxClients   int
	cleanupTimer *time.Timer
}

// NewLimiter creates a rate limiter with per-client tracking.
// capacity is the burst size and refillRate the sustained requests per
// second granted to each client.
func NewLimiter(capacity, refillRate int64, maxClients int) *Limiter {
	if maxClients == 0 {
		maxClients = 10000
	}

	l := &Limiter{
		buckets:    make(map[netip.Addr]*bucket),
		capacity:   capacity,
		refillRate: refillRate,
		maxClients: maxClients,
	}

	// Periodic cleanup of inactive buckets
	l.cleanupTimer = time.AfterFunc(5*time.Minute, l.cleanup)

	return l
}

// Allow checks if a request from the given client should be allowed.
func (l *Limiter) Allow(client netip.AddrPort) bool {
	return l.AllowN(client, 1)
}

// AllowN checks if N requests from the given client should be allowed.
func (l *Limiter) AllowN(client netip.AddrPort, n int64) bool {
	key := client.Addr()

	l.mu.RLock()
	b, exists := l.buckets[key]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		// Double-check after acquiring write lock
		b, exists = l.buckets[key]
		if !exists {
			if len(l.buckets) >= l.maxClients {
				l.mu.Unlock()
				return false
			}
			b = newBucket(l.capacity, l.refillRate)
			l.buckets[key] = b
		}
		l.mu.Unlock()
	}

	return b.allowN(n)
}

// Clients returns the number of tracked clients.
func (l *Limiter) Clients() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// cleanup bounds the bucket table to prevent unbounded growth. The
// most recently active clients are kept; idle buckets go first.
func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.buckets) > l.maxClients*2 {
		type client struct {
			key  netip.Addr
			seen time.Time
		}
		all := make([]client, 0, len(l.buckets))
		for k, v := range l.buckets {
			all = append(all, client{key: k, seen: v.seen()})
		}
		sort.Slice(all, func(i, j int) bool { return all[i].seen.After(all[j].seen) })

		kept := make(map[netip.Addr]*bucket, l.maxClients)
		for _, c := range all[:l.maxClients] {
			kept[c.key] = l.buckets[c.key]
		}
		l.buckets = kept
	}

	l.cleanupTimer = time.AfterFunc(5*time.Minute, l.cleanup)
}

// Close stops the cleanup timer.
func (l *Limiter) Close() {
	if l.cleanupTimer != nil {
		l.cleanupTimer.Stop()
	}
}

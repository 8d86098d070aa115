// Copyright (c) fproxy contributors
// SPDX-License-Identifier: Apache-2.0

// Package slots provides the fixed-capacity pool of in-flight proxy
// exchange contexts. The pool never grows and never queues: a request
// arriving with no free slot is rejected, trading availability for
// bounded memory.
package slots

import (
	"net/netip"
	"sync"

	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/coapforge/fproxy/pkg/cache"
	"github.com/coapforge/fproxy/pkg/errors"
)

// DefaultCapacity is the slot count used when none is configured.
const DefaultCapacity = 8

// Slot represents one in-flight proxied exchange. It is exclusively
// owned by the proxy transaction that acquired it and is handed to the
// transport as opaque continuation context.
type Slot struct {
	inUse      bool
	validating bool
	client     netip.AddrPort
	key        cache.Key
	hasKey     bool
	method     codes.Code
}

// Client returns the client transport endpoint the slot was acquired for.
func (s *Slot) Client() netip.AddrPort {
	return s.client
}

// SetValidating records that the client itself requested validation
// (it sent an ETag option).
func (s *Slot) SetValidating() {
	s.validating = true
}

// Validating reports whether the client requested validation.
func (s *Slot) Validating() bool {
	return s.validating
}

// SetCacheKey stores the request's derived cache key on the slot.
func (s *Slot) SetCacheKey(k cache.Key) {
	s.key = k
	s.hasKey = true
}

// CacheKey returns the stored cache key, if one was set.
func (s *Slot) CacheKey() (cache.Key, bool) {
	return s.key, s.hasKey
}

// SetMethod records the request method that opened the exchange.
func (s *Slot) SetMethod(c codes.Code) {
	s.method = c
}

// Method returns the request method that opened the exchange.
func (s *Slot) Method() codes.Code {
	return s.method
}

// Pool is a fixed table of slots.
type Pool struct {
	mu    sync.Mutex
	table []Slot
}

// New creates a pool with the given capacity.
func New(capacity int) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Pool{table: make([]Slot, capacity)}
}

// Acquire scans for a free slot, marks it in use and copies the client
// endpoint in. ErrNoSlots is returned when the table is full.
func (p *Pool) Acquire(client netip.AddrPort) (*Slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.table {
		s := &p.table[i]
		if s.inUse {
			continue
		}
		*s = Slot{inUse: true, client: client}
		return s, nil
	}
	return nil, errors.ErrNoSlots
}

// Release zeroes the slot and marks it free. Each acquired slot must
// be released on exactly one path.
func (p *Pool) Release(s *Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	*s = Slot{}
}

// Free returns the number of free slots.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for i := range p.table {
		if !p.table[i].inUse {
			n++
		}
	}
	return n
}

// Capacity returns the pool's fixed capacity.
func (p *Pool) Capacity() int {
	return len(p.table)
}

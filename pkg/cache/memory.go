// Copyright (c) fproxy contributors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"sync"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/coapforge/fproxy/pkg/pdu"
)

// DefaultCapacity bounds the in-memory store when none is configured.
const DefaultCapacity = 32

// MemoryStore is a bounded in-memory Store. When full, the entry with
// the earliest expiry is evicted to make room.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[Key]*Entry
	capacity int
	now      func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store holding at most capacity entries.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryStore{
		entries:  make(map[Key]*Entry, capacity),
		capacity: capacity,
		now:      time.Now,
	}
}

// SetClock replaces the store's time source. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Lookup returns the entry for k, if any. Stale entries are returned
// too; freshness is the bridge's call.
func (s *MemoryStore) Lookup(k Key) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	return e, ok
}

// Update stores the response for k. Valid (2.03) responses are never
// stored: an entry holding a validation body would later be served as
// a full response.
func (s *MemoryStore) Update(k Key, method codes.Code, raw []byte) error {
	m, err := pdu.Decode(raw)
	if err != nil {
		return err
	}
	if m.Code == codes.Valid {
		return nil
	}

	lifetime := DefaultMaxAge
	if v, err := m.Options.GetUint32(message.MaxAge); err == nil {
		lifetime = time.Duration(v) * time.Second
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := NewEntry(method, raw, s.now().Add(lifetime))
	if err != nil {
		return err
	}
	if _, exists := s.entries[k]; !exists && len(s.entries) >= s.capacity {
		s.evictLocked()
	}
	s.entries[k] = e
	return nil
}

// Refresh extends the expiry of an existing entry.
func (s *MemoryStore) Refresh(k Key, lifetime time.Duration) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	if !ok {
		return nil, false
	}
	e.Expires = s.now().Add(lifetime)
	return e, true
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Capacity returns the maximum number of entries the store holds.
func (s *MemoryStore) Capacity() int {
	return s.capacity
}

// evictLocked drops the entry closest to expiry.
func (s *MemoryStore) evictLocked() {
	var victim Key
	var earliest time.Time
	first := true
	for k, e := range s.entries {
		if first || e.Expires.Before(earliest) {
			victim, earliest, first = k, e.Expires, false
		}
	}
	if !first {
		delete(s.entries, victim)
	}
}

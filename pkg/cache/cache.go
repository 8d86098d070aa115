// Copyright (c) fproxy contributors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/coapforge/fproxy/pkg/pdu"
)

// KeyLen is the fixed length of a cache key.
const KeyLen = 8

// Key identifies a cached response. See RequestKey.
type Key [KeyLen]byte

// DefaultMaxAge is the freshness lifetime applied when a response
// carries no Max-Age option.
const DefaultMaxAge = 60 * time.Second

// Entry is one previously forwarded response.
type Entry struct {
	// Raw is the complete cached response datagram.
	Raw []byte

	// Code is the cached response's status code.
	Code codes.Code

	// Method is the request method that produced the response.
	Method codes.Code

	// Expires is the absolute time after which the entry is stale.
	Expires time.Time

	opts message.Options
}

// NewEntry decodes raw and wraps it as a cache entry.
func NewEntry(method codes.Code, raw []byte, expires time.Time) (*Entry, error) {
	m, err := pdu.Decode(raw)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, len(raw))
	copy(buf, raw)
	return &Entry{
		Raw:     buf,
		Code:    m.Code,
		Method:  method,
		Expires: expires,
		opts:    append(message.Options(nil), m.Options...),
	}, nil
}

// ETag returns the cached response's ETag option, if present.
func (e *Entry) ETag() ([]byte, bool) {
	v, err := e.opts.GetBytes(message.ETag)
	if err != nil || len(v) == 0 {
		return nil, false
	}
	return v, true
}

// Expired reports whether the entry is stale at the given time.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.Expires)
}

// Store is the external cache store contract. Implementations must be
// safe for concurrent use.
type Store interface {
	// Lookup returns the entry for k, if any.
	Lookup(k Key) (*Entry, bool)

	// Update stores or replaces the entry for k from a forwarded
	// response. Freshness is taken from the response's Max-Age option,
	// falling back to DefaultMaxAge.
	Update(k Key, method codes.Code, raw []byte) error

	// Refresh extends the expiry of an existing entry by lifetime from
	// now and returns it.
	Refresh(k Key, lifetime time.Duration) (*Entry, bool)

	// Len returns the number of stored entries.
	Len() int
}

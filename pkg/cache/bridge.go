// Copyright (c) fproxy contributors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"bytes"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/coapforge/fproxy/pkg/pdu"
)

// 0.05 FETCH (RFC 8132); the codes package does not name it.
const fetchCode = codes.Code(5)

// Bridge wraps lookup, freshness check and conditional-response
// synthesis over a Store.
type Bridge struct {
	store Store
	now   func() time.Time
}

// NewBridge creates a bridge over store. A nil clock uses time.Now.
func NewBridge(store Store, now func() time.Time) *Bridge {
	if now == nil {
		now = time.Now
	}
	return &Bridge{store: store, now: now}
}

// Store returns the underlying store.
func (b *Bridge) Store() Store {
	return b.store
}

// LookupAndRespond derives the cache key for req and, on a usable hit,
// writes a response into buf. n > 0 means "respond now"; n == 0 means
// "miss, continue forwarding" and the caller keeps key for when the
// real response arrives. The matched entry is returned even when it
// cannot answer the request (wrong method, stale) so the forwarded
// request can carry its ETag for validation.
func (b *Bridge) LookupAndRespond(req message.Message, buf []byte) (n int, ce *Entry, key Key, err error) {
	key = RequestKey(req)
	ce, ok := b.store.Lookup(key)
	if !ok {
		return 0, nil, key, nil
	}
	if ce.Method != req.Code || ce.Expired(b.now()) {
		return 0, ce, key, nil
	}
	n, err = b.buildResponse(ce, req, buf)
	return n, ce, key, err
}

// buildResponse answers req from ce. A request ETag matching the
// cached ETag yields a minimal 2.03 Valid carrying just that token;
// otherwise the cached body is spliced onto a fresh header with the
// cached status code.
func (b *Bridge) buildResponse(ce *Entry, req message.Message, buf []byte) (int, error) {
	if req.Code == codes.GET || req.Code == fetchCode {
		// One request ETag is enough for now.
		if reqETag, err := req.Options.GetBytes(message.ETag); err == nil && len(reqETag) > 0 {
			if ceETag, ok := ce.ETag(); ok && bytes.Equal(ceETag, reqETag) {
				resp := pdu.Response(req, codes.Valid)
				resp.Options = message.Options{{ID: message.ETag, Value: reqETag}}
				return pdu.Encode(resp, buf)
			}
		}
	}
	return pdu.Splice(req, ce.Code, ce.Raw, buf)
}

// Copyright (c) fproxy contributors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"sort"
	"strings"

	"github.com/plgd-dev/go-coap/v3/message"

	"github.com/coapforge/fproxy/pkg/cache"
	"github.com/coapforge/fproxy/pkg/pdu"
	"github.com/coapforge/fproxy/pkg/slots"
	"github.com/coapforge/fproxy/pkg/target"
)

// buildForward serializes the request to send to the origin into buf.
// The client's options are carried over with three transformations:
//
//   - Proxy-Uri is dropped; the target's path and query take its place
//     as Uri-Path and Uri-Query options, inserted at the position of
//     the first client option numbered above Uri-Path.
//   - A client ETag is dropped and marks the slot as validating: the
//     client runs its own revalidation, so a 2.03 Valid from the origin
//     must reach it untouched.
//   - When a cache entry exists for the request, even a stale one, its
//     ETag is injected before the first client option numbered at or
//     above ETag, turning the forward into a revalidation.
//
// All other options are copied opaquely.
func buildForward(req message.Message, t target.Target, ce *cache.Entry, slot *slots.Slot, buf []byte) (int, error) {
	opts := make(message.Options, 0, len(req.Options)+8)
	etagDone := ce == nil
	pathDone := false

	for _, o := range req.Options {
		if !etagDone && o.ID >= message.ETag {
			opts = appendEntryETag(opts, ce)
			etagDone = true
		}
		if o.ID == message.ETag {
			slot.SetValidating()
			continue
		}
		if !pathDone && o.ID > message.URIPath {
			opts = appendLocation(opts, t)
			pathDone = true
		}
		if o.ID == message.ProxyURI {
			continue
		}
		opts = append(opts, o)
	}
	if !etagDone {
		opts = appendEntryETag(opts, ce)
	}
	if !pathDone {
		opts = appendLocation(opts, t)
	}

	// The coder requires ascending option numbers; ties keep their
	// insertion order.
	sort.SliceStable(opts, func(i, j int) bool { return opts[i].ID < opts[j].ID })

	out := message.Message{
		Code:      req.Code,
		Token:     req.Token,
		MessageID: req.MessageID,
		Type:      req.Type,
		Options:   opts,
		Payload:   req.Payload,
	}
	return pdu.Encode(out, buf)
}

func appendEntryETag(opts message.Options, ce *cache.Entry) message.Options {
	if etag, ok := ce.ETag(); ok {
		opts = append(opts, message.Option{ID: message.ETag, Value: etag})
	}
	return opts
}

// appendLocation expands the target's path and query into Uri-Path and
// Uri-Query options. Empty segments are skipped.
func appendLocation(opts message.Options, t target.Target) message.Options {
	if t.Path != "" {
		for _, seg := range strings.Split(t.Path, "/") {
			if seg == "" {
				continue
			}
			opts = append(opts, message.Option{ID: message.URIPath, Value: []byte(seg)})
		}
	}
	if t.Query != "" {
		for _, q := range strings.Split(t.Query, "&") {
			if q == "" {
				continue
			}
			opts = append(opts, message.Option{ID: message.URIQuery, Value: []byte(q)})
		}
	}
	return opts
}

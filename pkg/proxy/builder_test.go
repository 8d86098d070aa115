// Copyright (c) fproxy contributors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bytes"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/coapforge/fproxy/pkg/cache"
	"github.com/coapforge/fproxy/pkg/slots"
	"github.com/coapforge/fproxy/pkg/target"
)

func buildInto(t *testing.T, req message.Message, tgt target.Target, ce *cache.Entry, slot *slots.Slot) message.Message {
	t.Helper()
	buf := make([]byte, 1024)
	n, err := buildForward(req, tgt, ce, slot, buf)
	if err != nil {
		t.Fatalf("buildForward() error = %v", err)
	}
	return decode(t, buf[:n])
}

func TestBuildForwardKeepsOptionsOrdered(t *testing.T) {
	pool := slots.New(1)
	slot, _ := pool.Acquire(testClient)

	etag := []byte{0xca}
	ce, err := cache.NewEntry(codes.GET, encodeRaw(t, message.Message{
		Code:      codes.Content,
		Token:     []byte{0x01},
		MessageID: 1,
		Options:   message.Options{{ID: message.ETag, Value: etag}},
	}), time.Unix(0, 0))
	if err != nil {
		t.Fatal(err)
	}

	req := message.Message{
		Code:      codes.GET,
		Token:     []byte{0xaa},
		MessageID: 5,
		Type:      message.Confirmable,
		Options: message.Options{
			{ID: message.ContentFormat, Value: nil},
			{ID: message.ProxyURI, Value: []byte("coap://192.0.2.7/a/b?x=1")},
		},
		Payload: []byte("req body"),
	}
	tgt, err := target.Parse("coap://192.0.2.7/a/b?x=1")
	if err != nil {
		t.Fatal(err)
	}

	fwd := buildInto(t, req, tgt, ce, slot)

	prev := message.OptionID(0)
	for _, o := range fwd.Options {
		if o.ID < prev {
			t.Fatalf("options out of order: %v after %v", o.ID, prev)
		}
		prev = o.ID
	}
	if v, err := fwd.Options.GetBytes(message.ETag); err != nil || !bytes.Equal(v, etag) {
		t.Errorf("injected ETag = %x (err %v), want %x", v, err, etag)
	}
	if _, err := fwd.Options.GetBytes(message.ProxyURI); err == nil {
		t.Error("Proxy-Uri survived")
	}
	if !bytes.Equal(fwd.Payload, req.Payload) {
		t.Error("payload was not carried over")
	}
	if slot.Validating() {
		t.Error("slot flagged validating without a client ETag")
	}
}

func TestBuildForwardStripsClientETag(t *testing.T) {
	pool := slots.New(1)
	slot, _ := pool.Acquire(testClient)

	req := message.Message{
		Code:      codes.GET,
		Token:     []byte{0xaa},
		MessageID: 5,
		Options: message.Options{
			{ID: message.ETag, Value: []byte{0x11, 0x22}},
			{ID: message.ProxyURI, Value: []byte("coap://192.0.2.7/x")},
		},
	}
	tgt, err := target.Parse("coap://192.0.2.7/x")
	if err != nil {
		t.Fatal(err)
	}

	fwd := buildInto(t, req, tgt, nil, slot)

	if _, err := fwd.Options.GetBytes(message.ETag); err == nil {
		t.Error("client ETag survived without a cache entry")
	}
	if !slot.Validating() {
		t.Error("client ETag did not flag the slot as validating")
	}
}

func TestBuildForwardNoPathOrQuery(t *testing.T) {
	pool := slots.New(1)
	slot, _ := pool.Acquire(testClient)

	req := message.Message{
		Code:      codes.GET,
		Token:     []byte{0xaa},
		MessageID: 5,
		Options: message.Options{
			{ID: message.ProxyURI, Value: []byte("coap://192.0.2.7")},
		},
	}
	tgt, err := target.Parse("coap://192.0.2.7")
	if err != nil {
		t.Fatal(err)
	}

	fwd := buildInto(t, req, tgt, nil, slot)
	if len(fwd.Options) != 0 {
		t.Errorf("options = %v, want none", fwd.Options)
	}
}

// Copyright (c) fproxy contributors
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"io"
	"log/slog"
	"net/netip"
	"testing"

	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/coapforge/fproxy/pkg/target"
)

func exercise(t *testing.T, h Handler) {
	t.Helper()
	ctx := context.Background()
	client := netip.MustParseAddrPort("192.0.2.1:40000")
	origin := target.Endpoint{Addr: netip.MustParseAddr("2001:db8::1"), Port: 5683}

	if err := h.AuthRequest(ctx, client, codes.GET, "coap://[2001:db8::1]/a"); err != nil {
		t.Errorf("AuthRequest() error = %v", err)
	}
	if err := h.OnCacheHit(ctx, client, true); err != nil {
		t.Errorf("OnCacheHit() error = %v", err)
	}
	if err := h.OnForward(ctx, client, origin, "coap://[2001:db8::1]/a"); err != nil {
		t.Errorf("OnForward() error = %v", err)
	}
	if err := h.OnResponse(ctx, client, codes.Content, 32); err != nil {
		t.Errorf("OnResponse() error = %v", err)
	}
	if err := h.OnTimeout(ctx, client, origin); err != nil {
		t.Errorf("OnTimeout() error = %v", err)
	}
	if err := h.OnDuplicate(ctx, client, origin); err != nil {
		t.Errorf("OnDuplicate() error = %v", err)
	}
}

func TestNoopHandler(t *testing.T) {
	exercise(t, &NoopHandler{})
}

func TestLoggingHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exercise(t, NewLogging(logger))
}

func TestNewLoggingNilLogger(t *testing.T) {
	if NewLogging(nil) == nil {
		t.Fatal("NewLogging(nil) = nil")
	}
}

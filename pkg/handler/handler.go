// Copyright (c) fproxy contributors
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"log/slog"
	"net/netip"

	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/coapforge/fproxy/pkg/target"
)

// Handler defines authorization and notification callbacks for proxied
// exchanges. The dispatcher calls AuthRequest BEFORE forwarding; an
// error rejects the request with 4.01 Unauthorized. Notification
// methods are called after the fact for audit logging or metrics;
// their errors are logged but never affect the exchange.
type Handler interface {
	// AuthRequest authorizes forwarding a client request to uri.
	AuthRequest(ctx context.Context, client netip.AddrPort, method codes.Code, uri string) error

	// OnCacheHit is called when a request is answered from the cache
	// without touching the network. validated is true when the answer
	// was a 2.03 Valid synthesized for a matching client ETag.
	OnCacheHit(ctx context.Context, client netip.AddrPort, validated bool) error

	// OnForward is called after a request has been handed to the
	// transport.
	OnForward(ctx context.Context, client netip.AddrPort, origin target.Endpoint, uri string) error

	// OnResponse is called after a response has been relayed to the
	// client.
	OnResponse(ctx context.Context, client netip.AddrPort, code codes.Code, size int) error

	// OnTimeout is called when the transport exhausted its retries.
	OnTimeout(ctx context.Context, client netip.AddrPort, origin target.Endpoint) error

	// OnDuplicate is called when an inbound request was absorbed as a
	// retransmission of an outstanding exchange.
	OnDuplicate(ctx context.Context, client netip.AddrPort, origin target.Endpoint) error
}

// NoopHandler allows every request and ignores all notifications.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) AuthRequest(ctx context.Context, client netip.AddrPort, method codes.Code, uri string) error {
	return nil
}

func (h *NoopHandler) OnCacheHit(ctx context.Context, client netip.AddrPort, validated bool) error {
	return nil
}

func (h *NoopHandler) OnForward(ctx context.Context, client netip.AddrPort, origin target.Endpoint, uri string) error {
	return nil
}

func (h *NoopHandler) OnResponse(ctx context.Context, client netip.AddrPort, code codes.Code, size int) error {
	return nil
}

func (h *NoopHandler) OnTimeout(ctx context.Context, client netip.AddrPort, origin target.Endpoint) error {
	return nil
}

func (h *NoopHandler) OnDuplicate(ctx context.Context, client netip.AddrPort, origin target.Endpoint) error {
	return nil
}

// LoggingHandler allows every request and logs all notifications.
type LoggingHandler struct {
	logger *slog.Logger
}

var _ Handler = (*LoggingHandler)(nil)

// NewLogging creates a LoggingHandler.
func NewLogging(logger *slog.Logger) *LoggingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingHandler{logger: logger}
}

func (h *LoggingHandler) AuthRequest(ctx context.Context, client netip.AddrPort, method codes.Code, uri string) error {
	h.logger.Debug("request",
		slog.String("client", client.String()),
		slog.String("method", method.String()),
		slog.String("uri", uri))
	return nil
}

func (h *LoggingHandler) OnCacheHit(ctx context.Context, client netip.AddrPort, validated bool) error {
	h.logger.Debug("cache hit",
		slog.String("client", client.String()),
		slog.Bool("validated", validated))
	return nil
}

func (h *LoggingHandler) OnForward(ctx context.Context, client netip.AddrPort, origin target.Endpoint, uri string) error {
	h.logger.Debug("forwarded",
		slog.String("client", client.String()),
		slog.String("origin", origin.String()),
		slog.String("uri", uri))
	return nil
}

func (h *LoggingHandler) OnResponse(ctx context.Context, client netip.AddrPort, code codes.Code, size int) error {
	h.logger.Debug("response relayed",
		slog.String("client", client.String()),
		slog.String("code", code.String()),
		slog.Int("size", size))
	return nil
}

func (h *LoggingHandler) OnTimeout(ctx context.Context, client netip.AddrPort, origin target.Endpoint) error {
	h.logger.Warn("origin timeout",
		slog.String("client", client.String()),
		slog.String("origin", origin.String()))
	return nil
}

func (h *LoggingHandler) OnDuplicate(ctx context.Context, client netip.AddrPort, origin target.Endpoint) error {
	h.logger.Debug("duplicate absorbed",
		slog.String("client", client.String()),
		slog.String("origin", origin.String()))
	return nil
}

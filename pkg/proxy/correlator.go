// Copyright (c) fproxy contributors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/coapforge/fproxy/pkg/cache"
	"github.com/coapforge/fproxy/pkg/pdu"
	"github.com/coapforge/fproxy/pkg/slots"
	"github.com/coapforge/fproxy/pkg/target"
	"github.com/coapforge/fproxy/pkg/transport"
)

// correlator builds the completion callback for one forwarded request.
// It owns the slot from the moment Send succeeds and releases it on
// every path, exactly once.
func (p *Proxy) correlator(ctx context.Context, slot *slots.Slot, key cache.Key, origin target.Endpoint, w ClientWriter) transport.Callback {
	client := slot.Client()
	start := time.Now()

	return func(res transport.Result) {
		defer p.slots.Release(slot)

		if res.State != transport.StateResponse {
			if p.breakers != nil {
				p.breakers.Failure(origin.String())
			}
			if p.metrics != nil {
				p.metrics.OriginTimeouts.WithLabelValues(origin.String()).Inc()
				p.metrics.ObserveForward("timeout", start)
			}
			p.logger.Warn("origin timed out",
				slog.String("client", client.String()),
				slog.String("origin", origin.String()))
			p.notify(p.handler.OnTimeout(ctx, client, origin))
			return
		}

		if p.breakers != nil {
			p.breakers.Success(origin.String())
		}
		if p.metrics != nil {
			p.metrics.ObserveForward("response", start)
		}

		resp, err := pdu.Decode(res.Data)
		if err != nil {
			p.logger.Warn("undecodable origin response",
				slog.String("origin", origin.String()),
				slog.String("error", err.Error()))
			return
		}

		if resp.Code == codes.Valid && !slot.Validating() {
			// The origin confirmed our injected ETag. The client never
			// asked for validation, so it needs the full representation:
			// refresh the entry and splice its body under the response
			// header.
			p.relayValidated(ctx, resp, key, origin, client, w)
			return
		}

		// Everything else is cached (2.03 excepted, see the store) and
		// relayed verbatim.
		if err := p.cache.Store().Update(key, slot.Method(), res.Data); err != nil {
			p.logger.Debug("cache update skipped",
				slog.String("origin", origin.String()),
				slog.String("error", err.Error()))
		} else if p.metrics != nil {
			p.metrics.CacheEvents.WithLabelValues("update").Inc()
		}
		p.relay(ctx, w, client, res.Data, resp.Code, "origin")
	}
}

// relayValidated answers the client from the cache after the origin
// returned 2.03 Valid for the proxy's own revalidation. The entry's
// freshness is extended by the response's Max-Age, falling back to the
// protocol default, and its cached body is spliced under the response
// header before relaying.
func (p *Proxy) relayValidated(ctx context.Context, resp message.Message, key cache.Key, origin target.Endpoint, client netip.AddrPort, w ClientWriter) {
	lifetime := cache.DefaultMaxAge
	if ma, err := resp.Options.GetUint32(message.MaxAge); err == nil {
		lifetime = time.Duration(ma) * time.Second
	}

	ce, ok := p.cache.Store().Refresh(key, lifetime)
	if !ok {
		// The entry was evicted between forwarding and the 2.03; a bare
		// 2.03 is useless to a client that never sent an ETag, so the
		// exchange is dropped and the client's own retransmission starts
		// over with a cold cache.
		// TODO: re-issue the forwarded request without the injected ETag.
		p.logger.Warn("validated entry already evicted",
			slog.String("client", client.String()),
			slog.String("origin", origin.String()))
		return
	}
	if p.metrics != nil {
		p.metrics.CacheEvents.WithLabelValues("refresh").Inc()
	}

	out, err := p.withScratch(func(buf []byte) (int, error) {
		return pdu.Splice(resp, ce.Code, ce.Raw, buf)
	})
	if err != nil {
		p.logger.Warn("splicing cached body failed",
			slog.String("origin", origin.String()),
			slog.String("error", err.Error()))
		return
	}
	p.relay(ctx, w, client, out, ce.Code, "cache")
}

// relay writes data to the client.
func (p *Proxy) relay(ctx context.Context, w ClientWriter, client netip.AddrPort, data []byte, code codes.Code, source string) {
	if err := w.WriteTo(data, client); err != nil {
		p.logger.Warn("relay to client failed",
			slog.String("client", client.String()),
			slog.String("error", err.Error()))
		return
	}
	if p.metrics != nil {
		p.metrics.ResponsesTotal.WithLabelValues(code.String()).Inc()
		p.metrics.ResponseSize.WithLabelValues(source).Observe(float64(len(data)))
	}
	p.notify(p.handler.OnResponse(ctx, client, code, len(data)))
}

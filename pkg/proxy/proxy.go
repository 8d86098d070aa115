// Copyright (c) fproxy contributors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/coapforge/fproxy/pkg/breaker"
	"github.com/coapforge/fproxy/pkg/cache"
	"github.com/coapforge/fproxy/pkg/errors"
	"github.com/coapforge/fproxy/pkg/handler"
	"github.com/coapforge/fproxy/pkg/metrics"
	"github.com/coapforge/fproxy/pkg/pdu"
	"github.com/coapforge/fproxy/pkg/slots"
	"github.com/coapforge/fproxy/pkg/target"
	"github.com/coapforge/fproxy/pkg/transport"
)

// DefaultBufferSize is the size of the shared outgoing message buffer.
const DefaultBufferSize = 2048

// ClientWriter sends a raw datagram back to a client endpoint. The
// listening server implements it; the correlator uses it to relay
// responses that arrive after Process has returned.
type ClientWriter interface {
	WriteTo(data []byte, client netip.AddrPort) error
}

// Config assembles a Proxy.
type Config struct {
	Slots     *slots.Pool
	Cache     *cache.Bridge
	Resolver  *target.Resolver
	Transport transport.Transport

	// Handler authorizes and observes exchanges; nil allows everything.
	Handler handler.Handler

	// Breakers is the optional per-origin circuit breaker group.
	Breakers *breaker.Group

	// Metrics is optional.
	Metrics *metrics.Metrics

	// BufferSize overrides DefaultBufferSize.
	BufferSize int

	Logger *slog.Logger
}

// Proxy is the forward-proxy dispatcher.
type Proxy struct {
	slots    *slots.Pool
	cache    *cache.Bridge
	resolver *target.Resolver
	tr       transport.Transport
	handler  handler.Handler
	breakers *breaker.Group
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// scratch is the single shared buffer every outgoing message is
	// serialized into; mu guards it across concurrent exchanges.
	mu      sync.Mutex
	scratch []byte
}

// New creates a Proxy from cfg. Slots, Cache, Resolver and Transport
// are required.
func New(cfg Config) *Proxy {
	if cfg.Handler == nil {
		cfg.Handler = &handler.NoopHandler{}
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Proxy{
		slots:    cfg.Slots,
		cache:    cfg.Cache,
		resolver: cfg.Resolver,
		tr:       cfg.Transport,
		handler:  cfg.Handler,
		breakers: cfg.Breakers,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		scratch:  make([]byte, cfg.BufferSize),
	}
}

// Process runs the inbound pipeline for one decoded client request.
// A non-nil byte slice is a complete response datagram the caller must
// send to the client now. A nil slice with a nil error means the
// request was either forwarded (the correlator answers later through w)
// or absorbed as a duplicate.
func (p *Proxy) Process(ctx context.Context, req message.Message, client netip.AddrPort, w ClientWriter) ([]byte, error) {
	if p.metrics != nil {
		p.metrics.RequestsTotal.WithLabelValues(req.Code.String()).Inc()
	}

	slot, err := p.slots.Acquire(client)
	if err != nil {
		p.logger.Warn("slot pool exhausted", slog.String("client", client.String()))
		p.reject("no_slots")
		return p.respond(req, codes.InternalServerError)
	}

	out, ce, key, err := p.lookupCache(req)
	if err != nil {
		p.slots.Release(slot)
		p.logger.Warn("cache lookup failed",
			slog.String("client", client.String()),
			slog.String("error", err.Error()))
		return p.respond(req, codes.InternalServerError)
	}
	if out != nil {
		p.slots.Release(slot)
		validated := len(out) > 1 && out[1] == byte(codes.Valid)
		p.countCache(validated)
		p.notify(p.handler.OnCacheHit(ctx, client, validated))
		if p.metrics != nil {
			p.metrics.ResponsesTotal.WithLabelValues(codes.Code(out[1]).String()).Inc()
			p.metrics.ResponseSize.WithLabelValues("cache").Observe(float64(len(out)))
		}
		return out, nil
	}
	if p.metrics != nil {
		p.metrics.CacheEvents.WithLabelValues("miss").Inc()
	}
	slot.SetCacheKey(key)
	slot.SetMethod(req.Code)

	rawURI, err := req.Options.GetBytes(message.ProxyURI)
	if err != nil || len(rawURI) == 0 {
		p.slots.Release(slot)
		p.reject("missing_proxy_uri")
		return p.respond(req, codes.BadOption)
	}
	uri := string(rawURI)

	t, err := target.Parse(uri)
	if err != nil {
		p.slots.Release(slot)
		p.logger.Debug("bad proxy target",
			slog.String("client", client.String()),
			slog.String("uri", uri),
			slog.String("error", err.Error()))
		p.reject("bad_target")
		return p.respond(req, codes.BadOption)
	}
	if t.Scheme != "coap" {
		p.slots.Release(slot)
		p.reject("scheme")
		return p.respond(req, codes.ProxyingNotSupported)
	}

	if err := p.handler.AuthRequest(ctx, client, req.Code, uri); err != nil {
		p.slots.Release(slot)
		p.logger.Info("request denied",
			slog.String("client", client.String()),
			slog.String("uri", uri),
			slog.String("error", err.Error()))
		if p.metrics != nil {
			p.metrics.AuthFailures.Inc()
		}
		p.reject("unauthorized")
		return p.respond(req, codes.Unauthorized)
	}

	origin, err := p.resolver.Resolve(t)
	if err != nil {
		p.slots.Release(slot)
		p.logger.Debug("unresolvable target",
			slog.String("client", client.String()),
			slog.String("uri", uri),
			slog.String("error", err.Error()))
		p.reject("bad_target")
		return p.respond(req, codes.BadOption)
	}

	if p.tr.FindRequest(req.Token, origin) {
		// Client retransmission of an outstanding exchange; the pending
		// correlator will answer it.
		p.slots.Release(slot)
		p.notify(p.handler.OnDuplicate(ctx, client, origin))
		return nil, nil
	}

	if p.breakers != nil && !p.breakers.Allow(origin.String()) {
		p.slots.Release(slot)
		p.reject("breaker_open")
		return p.respond(req, codes.ServiceUnavailable)
	}

	fwd, err := p.withScratch(func(buf []byte) (int, error) {
		return buildForward(req, t, ce, slot, buf)
	})
	if err != nil {
		p.slots.Release(slot)
		p.logger.Warn("building forwarded request failed",
			slog.String("client", client.String()),
			slog.String("uri", uri),
			slog.String("error", err.Error()))
		p.reject("build")
		return p.respond(req, codes.BadOption)
	}

	done := p.correlator(ctx, slot, key, origin, w)
	if err := p.tr.Send(ctx, fwd, origin, done); err != nil {
		p.slots.Release(slot)
		p.logger.Warn("forwarding failed",
			slog.String("client", client.String()),
			slog.String("origin", origin.String()),
			slog.String("error", err.Error()))
		p.reject("send")
		return p.respond(req, codes.BadOption)
	}

	p.notify(p.handler.OnForward(ctx, client, origin, uri))
	return nil, nil
}

// lookupCache runs the bridge under the scratch buffer. A nil slice
// means miss; ce may still name the stale or mismatched entry whose
// ETag the forwarded request should carry.
func (p *Proxy) lookupCache(req message.Message) ([]byte, *cache.Entry, cache.Key, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ce, key, err := p.cache.LookupAndRespond(req, p.scratch)
	if err != nil || n == 0 {
		return nil, ce, key, err
	}
	out := make([]byte, n)
	copy(out, p.scratch)
	return out, ce, key, nil
}

// withScratch serializes into the shared buffer and copies the result
// out before the lock is dropped.
func (p *Proxy) withScratch(f func(buf []byte) (int, error)) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := f(p.scratch)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, p.scratch)
	return out, nil
}

// respond encodes an immediate reply to req carrying code.
func (p *Proxy) respond(req message.Message, code codes.Code) ([]byte, error) {
	out, err := p.withScratch(func(buf []byte) (int, error) {
		return pdu.Encode(pdu.Response(req, code), buf)
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode response")
	}
	if p.metrics != nil {
		p.metrics.ResponsesTotal.WithLabelValues(code.String()).Inc()
	}
	return out, nil
}

func (p *Proxy) reject(reason string) {
	if p.metrics != nil {
		p.metrics.RequestRejects.WithLabelValues(reason).Inc()
	}
}

func (p *Proxy) countCache(validated bool) {
	if p.metrics == nil {
		return
	}
	if validated {
		p.metrics.CacheEvents.WithLabelValues("validated").Inc()
	} else {
		p.metrics.CacheEvents.WithLabelValues("hit").Inc()
	}
}

// notify logs handler notification errors; they never affect the
// exchange.
func (p *Proxy) notify(err error) {
	if err != nil {
		p.logger.Warn("handler notification failed", slog.String("error", err.Error()))
	}
}

// Copyright (c) fproxy contributors
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for fproxy.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for fproxy.
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	ResponsesTotal  *prometheus.CounterVec
	RequestRejects  *prometheus.CounterVec
	ForwardDuration *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	// Cache metrics
	CacheEvents  *prometheus.CounterVec
	CacheEntries prometheus.GaugeFunc

	// Slot pool metrics
	SlotsInUse prometheus.GaugeFunc

	// Origin metrics
	OriginTimeouts *prometheus.CounterVec

	// Circuit breaker metrics
	BreakerState *prometheus.GaugeVec
	BreakerTrips *prometheus.CounterVec

	// Rate limiter metrics
	RateLimitedRequests prometheus.Counter

	// Auth metrics
	AuthFailures prometheus.Counter
}

// New creates a Metrics instance with all counters, gauges, and
// histograms. slotsInUse and cacheEntries feed the respective gauges;
// either may be nil.
func New(namespace string, slotsInUse, cacheEntries func() float64) *Metrics {
	if namespace == "" {
		namespace = "fproxy"
	}
	if slotsInUse == nil {
		slotsInUse = func() float64 { return 0 }
	}
	if cacheEntries == nil {
		cacheEntries = func() float64 { return 0 }
	}

	m := &Metrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of proxy requests received",
			},
			[]string{"method"},
		),
		ResponsesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "responses_total",
				Help:      "Total number of responses sent to clients",
			},
			[]string{"code"},
		),
		RequestRejects: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "request_rejects_total",
				Help:      "Total number of requests rejected before forwarding",
			},
			[]string{"reason"},
		),
		ForwardDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "forward_duration_seconds",
				Help:      "Time from forwarding a request to its terminal outcome",
				Buckets:   []float64{.005, .01, .05, .1, .5, 1, 2, 5, 10, 30, 90},
			},
			[]string{"outcome"},
		),
		ResponseSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "response_size_bytes",
				Help:      "Size of responses relayed to clients",
				Buckets:   []float64{16, 64, 256, 1024, 4096, 16384},
			},
			[]string{"source"},
		),
		CacheEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_events_total",
				Help:      "Cache lookup and maintenance outcomes",
			},
			[]string{"event"},
		),
		CacheEntries: promauto.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_entries",
				Help:      "Number of cached responses",
			},
			cacheEntries,
		),
		SlotsInUse: promauto.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "slots_in_use",
				Help:      "Number of occupied in-flight exchange slots",
			},
			slotsInUse,
		),
		OriginTimeouts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "origin_timeouts_total",
				Help:      "Total number of forwarded requests that timed out",
			},
			[]string{"origin"},
		),
		BreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"origin"},
		),
		BreakerTrips: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"origin"},
		),
		RateLimitedRequests: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_requests_total",
				Help:      "Total number of rate limited requests",
			},
		),
		AuthFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Total number of rejected authorization checks",
			},
		),
	}

	return m
}

// ObserveForward records the terminal outcome of a forwarded exchange.
func (m *Metrics) ObserveForward(outcome string, start time.Time) {
	m.ForwardDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

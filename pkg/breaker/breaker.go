// Copyright (c) fproxy contributors
// SPDX-License-Identifier: Apache-2.0

// Package breaker provides per-origin circuit breaking for forwarded
// requests. Outcomes arrive asynchronously from the transport, so the
// breaker exposes Allow/Success/Failure instead of a call wrapper.
package breaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration.
type Config struct {
	// MaxFailures is the number of failures before opening the circuit.
	MaxFailures int

	// ResetTimeout is how long to wait in Open before probing again.
	ResetTimeout time.Duration

	// SuccessThreshold is the number of consecutive successes in
	// HalfOpen before closing.
	SuccessThreshold int
}

func (c *Config) defaults() {
	if c.MaxFailures == 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 2
	}
}

// Breaker tracks the health of one origin.
type Breaker struct {
	mu            sync.Mutex
	config        Config
	state         State
	failures      int
	successes     int
	lastChange    time.Time
	onStateChange func(from, to State)
}

// New creates a circuit breaker.
func New(config Config) *Breaker {
	config.defaults()
	return &Breaker{
		config:     config,
		state:      StateClosed,
		lastChange: time.Now(),
	}
}

// Allow reports whether a request may be forwarded now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if time.Since(b.lastChange) > b.config.ResetTimeout {
			b.setState(StateHalfOpen)
			return true
		}
		return false
	}
	return true
}

// Success records a completed exchange.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.setState(StateClosed)
		}
	}
}

// Failure records a timed-out or failed exchange.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.successes = 0

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.MaxFailures {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		// Any failure while probing reopens the circuit.
		b.setState(StateOpen)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// OnStateChange registers a callback for state changes.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// setState runs with b.mu held.
func (b *Breaker) setState(newState State) {
	if b.state == newState {
		return
	}
	oldState := b.state
	b.state = newState
	b.lastChange = time.Now()

	if newState == StateClosed {
		b.failures = 0
		b.successes = 0
	} else if newState == StateHalfOpen {
		b.successes = 0
	}

	if b.onStateChange != nil {
		go b.onStateChange(oldState, newState)
	}
}

// Group keys breakers by origin endpoint.
type Group struct {
	mu            sync.Mutex
	config        Config
	breakers      map[string]*Breaker
	onStateChange func(origin string, from, to State)
}

// NewGroup creates a per-origin breaker group.
func NewGroup(config Config) *Group {
	config.defaults()
	return &Group{
		config:   config,
		breakers: make(map[string]*Breaker),
	}
}

// OnStateChange registers a callback applied to every origin's breaker.
func (g *Group) OnStateChange(fn func(origin string, from, to State)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onStateChange = fn
}

// Allow reports whether a request toward origin may be forwarded.
func (g *Group) Allow(origin string) bool {
	return g.get(origin).Allow()
}

// Success records a completed exchange with origin.
func (g *Group) Success(origin string) {
	g.get(origin).Success()
}

// Failure records a failed exchange with origin.
func (g *Group) Failure(origin string) {
	g.get(origin).Failure()
}

func (g *Group) get(origin string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[origin]
	if !ok {
		b = New(g.config)
		if g.onStateChange != nil {
			fn := g.onStateChange
			b.OnStateChange(func(from, to State) { fn(origin, from, to) })
		}
		g.breakers[origin] = b
	}
	return b
}

// Copyright (c) fproxy contributors
// SPDX-License-Identifier: Apache-2.0

// Package transport sends forwarded requests to origin servers and
// reports their outcome asynchronously.
//
// The proxy talks to it through the Transport contract: Send hands
// over a finished request together with a completion callback, and
// FindRequest answers the dispatcher's deduplication question — is an
// exchange with this token already outstanding toward this origin?
// The identity predicate is deliberately (token, resolved origin):
// a client retransmission keeps its token but may arrive with a fresh
// message id.
package transport

import (
	"context"

	"github.com/plgd-dev/go-coap/v3/message"

	"github.com/coapforge/fproxy/pkg/target"
)

// State classifies a completed exchange.
type State int

const (
	// StateResponse means a matched response arrived.
	StateResponse State = iota + 1

	// StateTimeout means retries were exhausted without a response.
	StateTimeout
)

// Result is the terminal outcome of a forwarded request.
type Result struct {
	State State

	// Data is the raw response datagram; nil on timeout.
	Data []byte
}

// Callback is invoked exactly once per Send with the terminal outcome.
// It runs on a transport goroutine.
type Callback func(Result)

// Transport is the send/receive engine contract.
type Transport interface {
	// Send transmits data to origin and later invokes done with the
	// outcome. The data slice is copied before Send returns.
	Send(ctx context.Context, data []byte, origin target.Endpoint, done Callback) error

	// FindRequest reports whether an exchange with the given token is
	// already outstanding toward origin.
	FindRequest(token message.Token, origin target.Endpoint) bool
}

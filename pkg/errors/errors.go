// Copyright (c) fproxy contributors
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for fproxy.
package errors

import (
	"errors"
	"fmt"
)

// Failure taxonomy for proxied exchanges. The dispatcher maps each of
// these to a CoAP response code; see pkg/proxy.
var (
	// ErrNoSlots indicates the in-flight slot pool is exhausted.
	ErrNoSlots = errors.New("no free endpoint slot")

	// ErrInvalidTarget indicates a missing, malformed or relative
	// Proxy-Uri, or a target that cannot be resolved to an endpoint.
	ErrInvalidTarget = errors.New("invalid proxy target")

	// ErrUnsupportedScheme indicates a Proxy-Uri scheme other than coap.
	ErrUnsupportedScheme = errors.New("unsupported target scheme")

	// ErrBufferOverflow indicates an option or payload write exceeded
	// the outgoing request buffer.
	ErrBufferOverflow = errors.New("request buffer overflow")

	// ErrUnauthorized indicates the handler rejected the request.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates the client exceeded its rate limit.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// ProxyError wraps an error with exchange context.
type ProxyError struct {
	Op     string // operation that failed
	Client string // client endpoint
	Target string // proxy target, if known
	Err    error  // underlying error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s %s -> %s: %v", e.Op, e.Client, e.Target, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Client, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// New creates a new ProxyError.
func New(op, client, target string, err error) error {
	if err == nil {
		return nil
	}
	return &ProxyError{
		Op:     op,
		Client: client,
		Target: target,
		Err:    err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

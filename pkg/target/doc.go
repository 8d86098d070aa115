// Copyright (c) fproxy contributors
// SPDX-License-Identifier: Apache-2.0

// Package target parses Proxy-Uri values and resolves them into
// concrete transport endpoints.
//
// Only literal network addresses are supported; the proxy never
// performs name resolution. Zone identifiers must be integer interface
// indexes naming an interface that currently exists. When no zone is
// given and the node has exactly one interface, that interface is
// selected implicitly; with several interfaces the endpoint is left
// unbound and the transport picks a route. A link-local address that
// ends up without an interface is rejected as ambiguous.
package target

// Copyright (c) fproxy contributors
// SPDX-License-Identifier: Apache-2.0

// Package proxy implements the forward-proxy dispatcher. One Process
// call runs the full inbound pipeline for a client request: slot
// acquisition, cache lookup, Proxy-Uri parsing and resolution,
// deduplication, option-transforming request construction and handoff
// to the transport. Responses from origins come back through the
// correlator callback registered with each forwarded request.
package proxy

// Copyright (c) fproxy contributors
// SPDX-License-Identifier: Apache-2.0

// Package udp implements the CoAP/UDP listener. It reads datagrams,
// applies the per-client rate limit, routes proxy requests (those
// carrying Proxy-Uri) into the dispatcher and answers everything else
// with 4.04, since the proxy serves no resources of its own. The
// server also acts as the client writer the correlator relays late
// responses through.
package udp

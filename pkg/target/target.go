// Copyright (c) fproxy contributors
// SPDX-License-Identifier: Apache-2.0

package target

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/coapforge/fproxy/pkg/errors"
)

// Target is the parsed form of a Proxy-Uri value. It is transient
// state derived for a single request and is never persisted.
type Target struct {
	// Scheme is the URI scheme, lower-cased by the URL parser.
	Scheme string

	// Host is the literal address text, without brackets or zone.
	Host string

	// Zone is the zone/interface identifier, "" when absent.
	Zone string

	// Port is the raw port text, "" when absent.
	Port string

	// Path is the target path with the leading slash removed.
	Path string

	// Query is the raw query string, "" when absent.
	Query string
}

// Parse splits a Proxy-Uri value into its components. Relative URIs
// and values that do not parse are rejected with ErrInvalidTarget.
// Zone identifiers are accepted in both the bare form "[fe80::1%2]"
// constrained clients emit and the RFC 6874 "%25" escape.
func Parse(raw string) (Target, error) {
	u, err := url.Parse(escapeZone(raw))
	if err != nil {
		return Target{}, fmt.Errorf("%w: %v", errors.ErrInvalidTarget, err)
	}
	if !u.IsAbs() {
		return Target{}, fmt.Errorf("%w: %q is not absolute", errors.ErrInvalidTarget, raw)
	}

	host := u.Hostname()
	zone := ""
	if i := strings.IndexByte(host, '%'); i >= 0 {
		zone = host[i+1:]
		host = host[:i]
	}
	if host == "" {
		return Target{}, fmt.Errorf("%w: %q has no host", errors.ErrInvalidTarget, raw)
	}

	return Target{
		Scheme: u.Scheme,
		Host:   host,
		Zone:   zone,
		Port:   u.Port(),
		Path:   strings.TrimPrefix(u.Path, "/"),
		Query:  u.RawQuery,
	}, nil
}

// escapeZone rewrites a bare zone delimiter inside a bracketed host
// into the "%25" escape url.Parse requires. Already-escaped zones are
// left alone.
func escapeZone(raw string) string {
	open := strings.IndexByte(raw, '[')
	if open < 0 {
		return raw
	}
	end := strings.IndexByte(raw[open:], ']')
	if end < 0 {
		return raw
	}
	end += open
	host := raw[open:end]
	i := strings.IndexByte(host, '%')
	if i < 0 || strings.HasPrefix(host[i:], "%25") {
		return raw
	}
	return raw[:open] + host[:i] + "%25" + host[i+1:] + raw[end:]
}

// Copyright (c) fproxy contributors
// SPDX-License-Identifier: Apache-2.0

package target

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"github.com/coapforge/fproxy/pkg/errors"
)

// DefaultPort is the standard CoAP UDP port.
const DefaultPort = 5683

// Endpoint is a concrete transport endpoint for an origin server.
type Endpoint struct {
	// Addr is the literal network address, zone-free.
	Addr netip.Addr

	// Port is the destination UDP port.
	Port uint16

	// Iface is the interface index; 0 leaves the binding to the
	// transport layer.
	Iface int
}

// String renders the endpoint for logging and as a dedup/breaker key.
func (e Endpoint) String() string {
	s := netip.AddrPortFrom(e.Addr, e.Port).String()
	if e.Iface != 0 {
		s += "%" + strconv.Itoa(e.Iface)
	}
	return s
}

// UDPAddr converts the endpoint into a net.UDPAddr. The interface
// index is translated to the zone name the net package expects.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	zone := ""
	if e.Iface != 0 {
		if ifi, err := net.InterfaceByIndex(e.Iface); err == nil {
			zone = ifi.Name
		}
	}
	return &net.UDPAddr{IP: e.Addr.AsSlice(), Port: int(e.Port), Zone: zone}
}

// Interfaces is the view of the node's network interface table the
// resolver needs. Enumeration policy itself lives outside this package.
type Interfaces interface {
	// Count returns the number of interfaces on the node.
	Count() int

	// Exists reports whether an interface with the given index exists.
	Exists(index int) bool

	// Only returns the index of the node's single interface and true
	// when exactly one interface exists.
	Only() (int, bool)
}

// SystemInterfaces backs Interfaces with the OS interface list.
type SystemInterfaces struct{}

var _ Interfaces = SystemInterfaces{}

func (SystemInterfaces) Count() int {
	ifs, err := net.Interfaces()
	if err != nil {
		return 0
	}
	return len(ifs)
}

func (SystemInterfaces) Exists(index int) bool {
	_, err := net.InterfaceByIndex(index)
	return err == nil
}

func (SystemInterfaces) Only() (int, bool) {
	ifs, err := net.Interfaces()
	if err != nil || len(ifs) != 1 {
		return 0, false
	}
	return ifs[0].Index, true
}

// Resolver turns a parsed Target into a transport endpoint.
type Resolver struct {
	ifaces Interfaces
}

// NewResolver creates a resolver over the given interface table.
// A nil table falls back to the OS interface list.
func NewResolver(ifaces Interfaces) *Resolver {
	if ifaces == nil {
		ifaces = SystemInterfaces{}
	}
	return &Resolver{ifaces: ifaces}
}

// Resolve applies the endpoint rules to a parsed target. Every failure
// collapses to ErrInvalidTarget; the dispatcher maps it to 4.02.
func (r *Resolver) Resolve(t Target) (Endpoint, error) {
	addr, err := netip.ParseAddr(t.Host)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: host %q is not a literal address", errors.ErrInvalidTarget, t.Host)
	}

	ep := Endpoint{Addr: addr}

	if t.Zone != "" {
		// Integer zone identifiers only.
		idx, err := strconv.Atoi(t.Zone)
		if err != nil || idx <= 0 {
			return Endpoint{}, fmt.Errorf("%w: zone %q is not an interface index", errors.ErrInvalidTarget, t.Zone)
		}
		if !r.ifaces.Exists(idx) {
			return Endpoint{}, fmt.Errorf("%w: no interface with index %d", errors.ErrInvalidTarget, idx)
		}
		ep.Iface = idx
	} else if idx, ok := r.ifaces.Only(); ok {
		ep.Iface = idx
	}

	if ep.Iface == 0 && addr.IsLinkLocalUnicast() {
		return Endpoint{}, fmt.Errorf("%w: link-local %s without interface", errors.ErrInvalidTarget, addr)
	}

	if t.Port == "" {
		ep.Port = DefaultPort
		return ep, nil
	}
	p, err := strconv.ParseUint(t.Port, 10, 16)
	if err != nil || p == 0 {
		return Endpoint{}, fmt.Errorf("%w: invalid port %q", errors.ErrInvalidTarget, t.Port)
	}
	ep.Port = uint16(p)
	return ep, nil
}

// Copyright (c) fproxy contributors
// SPDX-License-Identifier: Apache-2.0

package target

import (
	"errors"
	"net/netip"
	"testing"

	fperrors "github.com/coapforge/fproxy/pkg/errors"
)

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("ParseAddr(%q) error = %v", s, err)
	}
	return a
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Target
		wantErr bool
	}{
		{
			name: "full ipv6 uri",
			raw:  "coap://[2001:db8::1]:5683/a/b?x=1",
			want: Target{Scheme: "coap", Host: "2001:db8::1", Port: "5683", Path: "a/b", Query: "x=1"},
		},
		{
			name: "ipv4 no port",
			raw:  "coap://192.0.2.7/sensors",
			want: Target{Scheme: "coap", Host: "192.0.2.7", Path: "sensors"},
		},
		{
			name: "zone identifier",
			raw:  "coap://[fe80::1%252]/x",
			want: Target{Scheme: "coap", Host: "fe80::1", Zone: "2", Path: "x"},
		},
		{
			name: "bare zone identifier",
			raw:  "coap://[fe80::1%2]/x",
			want: Target{Scheme: "coap", Host: "fe80::1", Zone: "2", Path: "x"},
		},
		{
			name: "bare zone with port",
			raw:  "coap://[fe80::1%2]:7777/x",
			want: Target{Scheme: "coap", Host: "fe80::1", Zone: "2", Port: "7777", Path: "x"},
		},
		{
			name: "foreign scheme parses",
			raw:  "http://192.0.2.7/x",
			want: Target{Scheme: "http", Host: "192.0.2.7", Path: "x"},
		},
		{
			name: "empty path",
			raw:  "coap://192.0.2.7",
			want: Target{Scheme: "coap", Host: "192.0.2.7"},
		},
		{
			name:    "relative uri",
			raw:     "/a/b",
			wantErr: true,
		},
		{
			name:    "no host",
			raw:     "coap:///a",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) succeeded, want error", tt.raw)
				}
				if !errors.Is(err, fperrors.ErrInvalidTarget) {
					t.Errorf("Parse(%q) error = %v, want ErrInvalidTarget", tt.raw, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.raw, err)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}

// fakeIfaces is a canned interface table.
type fakeIfaces struct {
	indices []int
}

func (f fakeIfaces) Count() int { return len(f.indices) }

func (f fakeIfaces) Exists(index int) bool {
	for _, i := range f.indices {
		if i == index {
			return true
		}
	}
	return false
}

func (f fakeIfaces) Only() (int, bool) {
	if len(f.indices) == 1 {
		return f.indices[0], true
	}
	return 0, false
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		target  Target
		ifaces  fakeIfaces
		want    Endpoint
		wantErr bool
	}{
		{
			name:   "ipv6 with port",
			target: Target{Host: "2001:db8::1", Port: "5683"},
			ifaces: fakeIfaces{indices: []int{2, 3}},
			want:   Endpoint{Addr: mustAddr(t, "2001:db8::1"), Port: 5683},
		},
		{
			name:   "default port",
			target: Target{Host: "192.0.2.7"},
			ifaces: fakeIfaces{indices: []int{2, 3}},
			want:   Endpoint{Addr: mustAddr(t, "192.0.2.7"), Port: DefaultPort},
		},
		{
			name:   "explicit zone",
			target: Target{Host: "fe80::1", Zone: "2"},
			ifaces: fakeIfaces{indices: []int{2, 3}},
			want:   Endpoint{Addr: mustAddr(t, "fe80::1"), Port: DefaultPort, Iface: 2},
		},
		{
			name:   "single interface is implicit",
			target: Target{Host: "fe80::1"},
			ifaces: fakeIfaces{indices: []int{7}},
			want:   Endpoint{Addr: mustAddr(t, "fe80::1"), Port: DefaultPort, Iface: 7},
		},
		{
			name:    "hostname rejected",
			target:  Target{Host: "example.com"},
			ifaces:  fakeIfaces{indices: []int{2}},
			wantErr: true,
		},
		{
			name:    "unknown zone index",
			target:  Target{Host: "fe80::1", Zone: "9"},
			ifaces:  fakeIfaces{indices: []int{2, 3}},
			wantErr: true,
		},
		{
			name:    "named zone rejected",
			target:  Target{Host: "fe80::1", Zone: "eth0"},
			ifaces:  fakeIfaces{indices: []int{2, 3}},
			wantErr: true,
		},
		{
			name:    "link local needs interface",
			target:  Target{Host: "fe80::1"},
			ifaces:  fakeIfaces{indices: []int{2, 3}},
			wantErr: true,
		},
		{
			name:    "port zero",
			target:  Target{Host: "192.0.2.7", Port: "0"},
			ifaces:  fakeIfaces{indices: []int{2}},
			wantErr: true,
		},
		{
			name:    "port out of range",
			target:  Target{Host: "192.0.2.7", Port: "70000"},
			ifaces:  fakeIfaces{indices: []int{2}},
			wantErr: true,
		},
		{
			name:    "port not numeric",
			target:  Target{Host: "192.0.2.7", Port: "coap"},
			ifaces:  fakeIfaces{indices: []int{2}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(tt.ifaces)
			got, err := r.Resolve(tt.target)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Resolve(%+v) succeeded, want error", tt.target)
				}
				if !errors.Is(err, fperrors.ErrInvalidTarget) {
					t.Errorf("Resolve(%+v) error = %v, want ErrInvalidTarget", tt.target, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%+v) error = %v", tt.target, err)
			}
			if got != tt.want {
				t.Errorf("Resolve(%+v) = %+v, want %+v", tt.target, got, tt.want)
			}
		})
	}
}

func TestEndpointString(t *testing.T) {
	ep := Endpoint{Addr: mustAddr(t, "fe80::1"), Port: 5683, Iface: 2}
	if got, want := ep.String(), "[fe80::1]:5683%2"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	ep = Endpoint{Addr: mustAddr(t, "192.0.2.7"), Port: 61616}
	if got, want := ep.String(), "192.0.2.7:61616"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

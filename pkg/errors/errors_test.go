// Copyright (c) fproxy contributors
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"strings"
	"testing"
)

func TestProxyErrorFormatting(t *testing.T) {
	err := New("forward", "192.0.2.1:40000", "coap://[2001:db8::1]/a", ErrInvalidTarget)
	if !Is(err, ErrInvalidTarget) {
		t.Error("wrapped sentinel lost")
	}
	msg := err.Error()
	for _, want := range []string{"forward", "192.0.2.1:40000", "coap://[2001:db8::1]/a"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}

	err = New("reject", "192.0.2.1:40000", "", ErrNoSlots)
	if strings.Contains(err.Error(), "->") {
		t.Errorf("Error() = %q renders an empty target", err.Error())
	}
}

func TestNewNilError(t *testing.T) {
	if New("op", "client", "target", nil) != nil {
		t.Error("New() with nil error is not nil")
	}
	if Wrap(nil, "context") != nil {
		t.Error("Wrap() with nil error is not nil")
	}
}

func TestWrapKeepsChain(t *testing.T) {
	err := Wrap(ErrBufferOverflow, "encode")
	if !Is(err, ErrBufferOverflow) {
		t.Error("Wrap() broke the error chain")
	}
}

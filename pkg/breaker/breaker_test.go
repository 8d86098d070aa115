// Copyright (c) fproxy contributors
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"testing"
	"time"
)

func TestBreakerOpensAfterFailures(t *testing.T) {
	b := New(Config{MaxFailures: 3, ResetTimeout: time.Hour})

	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("Allow() = false after %d failures", i)
		}
		b.Failure()
	}

	if b.State() != StateOpen {
		t.Fatalf("State() = %v, want Open", b.State())
	}
	if b.Allow() {
		t.Error("Allow() = true while open")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := New(Config{MaxFailures: 2, ResetTimeout: time.Hour})

	b.Failure()
	b.Success()
	b.Failure()

	if b.State() != StateClosed {
		t.Errorf("State() = %v, want Closed", b.State())
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := New(Config{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond, SuccessThreshold: 2})

	b.Failure()
	if b.State() != StateOpen {
		t.Fatalf("State() = %v, want Open", b.State())
	}

	time.Sleep(20 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("Allow() = false after reset timeout")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("State() = %v, want HalfOpen", b.State())
	}

	b.Success()
	if b.State() != StateHalfOpen {
		t.Fatalf("State() = %v before success threshold, want HalfOpen", b.State())
	}
	b.Success()
	if b.State() != StateClosed {
		t.Errorf("State() = %v, want Closed", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New(Config{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond})

	b.Failure()
	time.Sleep(20 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("Allow() = false after reset timeout")
	}

	b.Failure()
	if b.State() != StateOpen {
		t.Errorf("State() = %v, want Open", b.State())
	}
	if b.Allow() {
		t.Error("Allow() = true right after reopening")
	}
}

func TestGroupIsolatesOrigins(t *testing.T) {
	g := NewGroup(Config{MaxFailures: 1, ResetTimeout: time.Hour})

	g.Failure("[2001:db8::1]:5683")
	if g.Allow("[2001:db8::1]:5683") {
		t.Error("tripped origin still allowed")
	}
	if !g.Allow("[2001:db8::2]:5683") {
		t.Error("healthy origin blocked by a different origin's breaker")
	}
}

func TestGroupStateChangeCallback(t *testing.T) {
	g := NewGroup(Config{MaxFailures: 1, ResetTimeout: time.Hour})

	ch := make(chan string, 1)
	g.OnStateChange(func(origin string, from, to State) {
		ch <- origin + ":" + from.String() + ">" + to.String()
	})

	g.Failure("192.0.2.7:5683")

	select {
	case got := <-ch:
		want := "192.0.2.7:5683:closed>open"
		if got != want {
			t.Errorf("callback = %q, want %q", got, want)
		}
	case <-time.After(time.Second):
		t.Error("state change callback never fired")
	}
}

// Copyright 2025 James Ross
package breaker

import (
	"testing"
	"time"
)

func TestBreakerTransitions(t *testing.T) {
	cb := New(2*time.Second, 200*time.Millisecond, 0.5, 2)
	if cb.State() != Closed {
		t.Fatal("expected closed")
	}
	cb.Record(false)
	cb.Record(false)
	if cb.State() != Open {
		t.Fatal("expected open after failures")
	}
	if cb.Allow() {
		t.Fatal("should not allow until cooldown")
	}
	time.Sleep(250 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("should allow probe in half-open")
	}
	cb.Record(true)
	if cb.State() != Closed {
		t.Fatal("expected closed after probe success")
	}
}

func TestBreakerSingleProbe(t *testing.T) {
	cb := New(time.Second, 50*time.Millisecond, 0.5, 2)
	cb.Record(false)
	cb.Record(false)
	time.Sleep(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("first probe should be admitted")
	}
	if cb.Allow() {
		t.Fatal("second probe must wait for the first to resolve")
	}
	cb.Record(false)
	if cb.State() != Open {
		t.Fatal("expected open after probe failure")
	}
}

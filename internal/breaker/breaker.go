// Copyright 2025 James Ross

// Package breaker is a sliding-window circuit breaker. The browser worker
// records every task outcome and stops claiming work while the window's
// failure rate says the marketplace (or the proxy estate) is burning.
package breaker

import (
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

type sample struct {
	at time.Time
	ok bool
}

// CircuitBreaker tracks task outcomes in a rolling time window. It opens when
// the failure rate over at least minSamples reaches failureThresh, stays open
// for cooldown, then admits a single half-open probe.
type CircuitBreaker struct {
	mu sync.Mutex

	window        time.Duration
	cooldown      time.Duration
	failureThresh float64
	minSamples    int

	state          State
	lastTransition time.Time
	samples        []sample
	probeInFlight  bool
}

func New(window, cooldown time.Duration, failureThresh float64, minSamples int) *CircuitBreaker {
	return &CircuitBreaker{
		window:         window,
		cooldown:       cooldown,
		failureThresh:  failureThresh,
		minSamples:     minSamples,
		state:          Closed,
		lastTransition: time.Now(),
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether the caller may start work now. While Open it admits
// nothing until the cooldown elapses, then exactly one probe at a time.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Closed:
		return true
	case Open:
		if time.Since(cb.lastTransition) < cb.cooldown {
			return false
		}
		cb.state = HalfOpen
		cb.lastTransition = time.Now()
		cb.probeInFlight = true
		return true
	default: // HalfOpen
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true
	}
}

// Record feeds one outcome into the window and advances the state machine.
func (cb *CircuitBreaker) Record(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.prune(now)
	cb.samples = append(cb.samples, sample{at: now, ok: ok})

	if len(cb.samples) < cb.minSamples {
		// Not enough signal for rate decisions, but a half-open probe result
		// always resolves the probe.
		if cb.state == HalfOpen {
			cb.resolveProbe(ok, now)
		}
		return
	}

	fails := 0
	for _, s := range cb.samples {
		if !s.ok {
			fails++
		}
	}
	rate := float64(fails) / float64(len(cb.samples))

	switch cb.state {
	case Closed:
		if rate >= cb.failureThresh {
			cb.state = Open
			cb.lastTransition = now
		}
	case HalfOpen:
		cb.resolveProbe(ok, now)
	}
}

func (cb *CircuitBreaker) resolveProbe(ok bool, now time.Time) {
	if ok {
		cb.state = Closed
	} else {
		cb.state = Open
	}
	cb.probeInFlight = false
	cb.lastTransition = now
}

func (cb *CircuitBreaker) prune(now time.Time) {
	cutoff := now.Add(-cb.window)
	kept := cb.samples[:0]
	for _, s := range cb.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	cb.samples = kept
}

// Package circuitbreaker stops the publisher from hammering a shop whose
// platform calls keep failing. State is tracked per shop domain: after
// `threshold` consecutive failures the shop's circuit opens and publishes
// are short-circuited until the cooldown elapses, at which point a single
// probe is let through.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

type shopState struct {
	state               state
	consecutiveFailures int
	openedAt            time.Time
}

type CircuitBreaker struct {
	mu        sync.Mutex
	states    map[string]*shopState
	threshold int
	cooldown  time.Duration
}

func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		states:    make(map[string]*shopState),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Allow reports whether a publish to the shop may proceed. Returns
// ErrCircuitOpen while the shop's circuit is open or a half-open probe is
// already in flight.
func (cb *CircuitBreaker) Allow(shop string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[shop]
	if !ok {
		return nil
	}

	switch s.state {
	case stateClosed:
		return nil
	case stateOpen:
		if time.Since(s.openedAt) >= cb.cooldown {
			s.state = stateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(shop string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[shop]
	if !ok {
		return
	}
	s.state = stateClosed
	s.consecutiveFailures = 0
}

func (cb *CircuitBreaker) RecordFailure(shop string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[shop]
	if !ok {
		s = &shopState{}
		cb.states[shop] = s
	}

	s.consecutiveFailures++
	if s.consecutiveFailures >= cb.threshold {
		s.state = stateOpen
		s.openedAt = time.Now()
	}
}

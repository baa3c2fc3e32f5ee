package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker decorates a Store with circuit breaker logic. A node that
// keeps failing is reported as unavailable immediately instead of paying the
// connection timeout on every call; quorum callers then count it as a
// non-vote without burning their validity window.
type CircuitBreaker struct {
	store Store

	mu        sync.Mutex
	state     breakerState
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker returns a new CircuitBreaker wrapping store. The circuit
// opens after threshold consecutive failures and allows a probe once timeout
// has elapsed.
func NewCircuitBreaker(store Store, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		store:     store,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// allow checks if a request should be allowed. It handles the transition
// from Open to Half-Open based on timeout.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		return false // only one probe at a time
	}
	return false
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		switch cb.state {
		case stateHalfOpen:
			cb.state = stateClosed
			cb.failures = 0
		case stateClosed:
			cb.failures = 0
		}
		return
	}
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateClosed && cb.failures >= cb.threshold {
		cb.state = stateOpen
	} else if cb.state == stateHalfOpen {
		cb.state = stateOpen
	}
}

// IsHealthy returns true if the circuit is closed or ready to probe.
func (cb *CircuitBreaker) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

// SetNX implements Store.SetNX with circuit breaker logic.
func (cb *CircuitBreaker) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if !cb.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := cb.store.SetNX(ctx, key, value, ttl)
	cb.record(err)
	return ok, err
}

// Get implements Store.Get with circuit breaker logic.
func (cb *CircuitBreaker) Get(ctx context.Context, key string) (string, bool, error) {
	if !cb.allow() {
		return "", false, ErrCircuitOpen
	}
	val, ok, err := cb.store.Get(ctx, key)
	cb.record(err)
	return val, ok, err
}

// Set implements Store.Set with circuit breaker logic.
func (cb *CircuitBreaker) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := cb.store.Set(ctx, key, value, ttl)
	cb.record(err)
	return err
}

// TTL implements Store.TTL with circuit breaker logic.
func (cb *CircuitBreaker) TTL(ctx context.Context, key string) (time.Duration, error) {
	if !cb.allow() {
		return 0, ErrCircuitOpen
	}
	ttl, err := cb.store.TTL(ctx, key)
	cb.record(err)
	return ttl, err
}

// Delete implements Store.Delete with circuit breaker logic.
func (cb *CircuitBreaker) Delete(ctx context.Context, key string) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := cb.store.Delete(ctx, key)
	cb.record(err)
	return err
}

// CompareAndDelete implements Store.CompareAndDelete with circuit breaker logic.
func (cb *CircuitBreaker) CompareAndDelete(ctx context.Context, key, owner string) (bool, error) {
	if !cb.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := cb.store.CompareAndDelete(ctx, key, owner)
	cb.record(err)
	return ok, err
}

// CompareAndExpire implements Store.CompareAndExpire with circuit breaker logic.
func (cb *CircuitBreaker) CompareAndExpire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if !cb.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := cb.store.CompareAndExpire(ctx, key, owner, ttl)
	cb.record(err)
	return ok, err
}

// Package resilience guards calls to an unreliable dependency with a circuit
// breaker.
//
// The relay uses one [Breaker] around dialing the remote endpoint: after a run
// of failed dials, new sessions are refused immediately instead of each
// waiting for a dial timeout, and readiness probes report the outage.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrOpen] until the cool-down elapses.
	StateOpen

	// StateHalfOpen lets a single probe call through. Its result decides
	// whether the breaker closes or opens again.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker].
type BreakerConfig struct {
	// Name labels log lines.
	Name string

	// Threshold is the number of consecutive failures that opens the
	// breaker. Default: 5.
	Threshold int

	// Cooldown is how long the breaker stays open before probing.
	// Default: 30s.
	Cooldown time.Duration

	// IsFailure classifies errors returned by the guarded call. Errors it
	// rejects pass through without counting. Default: every error except
	// context cancellation counts.
	IsFailure func(error) bool

	// OnStateChange, when set, observes every transition. It runs with the
	// breaker locked and must not call back into it.
	OnStateChange func(from, to State)
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	isFailure func(error) bool
	onChange  func(from, to State)
	now       func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker returns a closed Breaker. Zero config fields take their defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = countsAsFailure
	}
	return &Breaker{
		name:      cfg.Name,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		isFailure: cfg.IsFailure,
		onChange:  cfg.OnStateChange,
		now:       time.Now,
	}
}

func countsAsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Do calls fn unless the breaker is open, and records the outcome.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.record(probe, err)
	return err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false, ErrOpen
		}
		b.setLocked(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if b.probing {
			return false, ErrOpen
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
	}
	failed := err != nil && b.isFailure(err)

	switch {
	case !failed && err != nil:
		// Not the dependency's fault; a probe gets another chance.
	case failed && probe:
		b.openedAt = b.now()
		b.setLocked(StateOpen)
	case failed:
		b.failures++
		if b.failures >= b.threshold && b.state == StateClosed {
			b.openedAt = b.now()
			b.setLocked(StateOpen)
		}
	default:
		b.failures = 0
		if b.state != StateClosed {
			b.setLocked(StateClosed)
		}
	}
}

// setLocked transitions to s. b.mu must be held.
func (b *Breaker) setLocked(s State) {
	from := b.state
	if from == s {
		return
	}
	b.state = s
	switch s {
	case StateOpen:
		slog.Warn("circuit breaker opened", "name", b.name, "consecutive_failures", b.failures)
	case StateClosed:
		slog.Info("circuit breaker closed", "name", b.name)
	}
	if b.onChange != nil {
		b.onChange(from, s)
	}
}

// State returns the current state. An open breaker whose cool-down has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Check reports an error while the breaker is open. Its signature fits a
// readiness checker.
func (b *Breaker) Check(context.Context) error {
	if s := b.State(); s == StateOpen {
		return fmt.Errorf("%s: circuit %s", b.name, s)
	}
	return nil
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	b.setLocked(StateClosed)
}

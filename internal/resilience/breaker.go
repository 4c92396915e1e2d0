// Package resilience guards calls to external dependencies with a circuit
// breaker, so that a failing database is skipped quickly instead of adding a
// timeout to every call while it is down.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
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

	// StateHalfOpen lets a limited number of probe calls through. A probe
	// failure re-opens the breaker; enough successes close it.
	StateHalfOpen
)

// String returns the lower-case name of the state.
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

// Defaults applied by [NewBreaker].
const (
	DefaultMaxFailures = 5
	DefaultCoolDown    = 30 * time.Second
	DefaultHalfOpenMax = 3
)

// Breaker is a three-state circuit breaker.
type Breaker struct {
	name        string
	maxFailures int
	coolDown    time.Duration
	halfOpenMax int
	now         func() time.Time
	onChange    func(from, to State)

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int
	passed   int
}

// Option configures a [Breaker].
type Option func(*Breaker)

// WithMaxFailures sets how many consecutive failures open the breaker.
func WithMaxFailures(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.maxFailures = n
		}
	}
}

// WithCoolDown sets how long the breaker stays open before probing.
func WithCoolDown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.coolDown = d
		}
	}
}

// WithHalfOpenMax sets the number of successful probes needed to close.
func WithHalfOpenMax(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.halfOpenMax = n
		}
	}
}

// WithClock replaces time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithStateChange registers fn to be called on every transition. fn runs
// while the breaker lock is held and must not call back into the breaker.
func WithStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// NewBreaker returns a closed breaker. name labels log lines.
func NewBreaker(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:        name,
		maxFailures: DefaultMaxFailures,
		coolDown:    DefaultCoolDown,
		halfOpenMax: DefaultHalfOpenMax,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Do runs fn unless the breaker is open. fn's error is returned unchanged and
// counted as a failure.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.coolDown {
			b.mu.Unlock()
			return ErrOpen
		}
		b.transition(StateHalfOpen)
	}
	probe := b.state == StateHalfOpen
	if probe {
		if b.probes >= b.halfOpenMax {
			b.mu.Unlock()
			return ErrOpen
		}
		b.probes++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	// A probe that finishes after another probe re-opened the breaker is
	// ignored.
	if probe && b.state != StateHalfOpen {
		return err
	}
	switch {
	case err != nil && probe:
		b.open()
	case err != nil:
		b.failures++
		if b.failures >= b.maxFailures {
			b.open()
		}
	case probe:
		b.passed++
		if b.passed >= b.halfOpenMax {
			b.transition(StateClosed)
		}
	default:
		b.failures = 0
	}
	return err
}

// State reports the current state. An open breaker whose cool-down elapsed
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.coolDown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
}

// open trips the breaker. Caller must hold b.mu.
func (b *Breaker) open() {
	b.openedAt = b.now()
	b.transition(StateOpen)
}

// transition moves to state and resets the per-state counters. Caller must
// hold b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.failures = 0
	b.probes = 0
	b.passed = 0
	if from == to {
		return
	}
	switch to {
	case StateOpen:
		slog.Warn("circuit breaker opened", "name", b.name, "from", from, "cool_down", b.coolDown)
	default:
		slog.Info("circuit breaker state changed", "name", b.name, "from", from, "to", to)
	}
	if b.onChange != nil {
		b.onChange(from, to)
	}
}

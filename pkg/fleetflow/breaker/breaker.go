// Package breaker implements a consecutive-failure circuit breaker.
//
// One Breaker guards one dependency (datastore, cache). State is process
// local and protected by a mutex owned by the breaker, so breakers for
// different dependencies never contend with each other.
//
// State machine:
//
//	closed    --(FailureThreshold consecutive failures)--> open
//	open      --(OpenDuration elapsed, next Allow)-------> half_open
//	half_open --(HalfOpenProbeBudget probe successes)----> closed
//	half_open --(any probe failure)----------------------> open (timer reset)
//
// Every transition starts a new Generation. Allow hands out the current
// generation and outcomes reported for an older one are ignored, so a call
// admitted while closed cannot count toward closing a half_open breaker.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Do when the breaker rejects a call.
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold int

	// OpenDuration is how long the breaker stays open before admitting probes.
	OpenDuration time.Duration

	// HalfOpenProbeBudget is the number of consecutive probe successes needed
	// to close the breaker. It also caps concurrent probes.
	HalfOpenProbeBudget int
}

// DefaultConfig mirrors the thresholds the pipeline runs with out of the box.
var DefaultConfig = Config{
	FailureThreshold:    5,
	OpenDuration:        10 * time.Second,
	HalfOpenProbeBudget: 3,
}

// Snapshot is a point-in-time copy of breaker state.
type Snapshot struct {
	Name                string        `json:"name"`
	State               State         `json:"-"`
	Generation          Generation    `json:"generation"`
	StateName           string        `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	OpenedAt            time.Time     `json:"opened_at,omitzero"`
	FailureThreshold    int           `json:"failure_threshold"`
	OpenDuration        time.Duration `json:"open_duration_ns"`
	HalfOpenProbeBudget int           `json:"half_open_probe_budget"`
}

// Generation identifies the state period in which a call was admitted.
type Generation uint64

// StateChangeFunc is invoked after every state transition, outside the lock.
type StateChangeFunc func(name string, from, to State)

// Breaker guards calls to a single dependency.
type Breaker struct {
	name     string
	cfg      Config
	now      func() time.Time
	onChange StateChangeFunc

	mu             sync.Mutex
	state          State
	generation     Generation
	failures       int
	openedAt       time.Time
	probesInFlight int
	probeSuccesses int
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithOnStateChange registers a transition hook.
func WithOnStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// New creates a closed breaker. Non-positive thresholds fall back to DefaultConfig.
func New(name string, cfg Config, opts ...Option) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = DefaultConfig.OpenDuration
	}
	if cfg.HalfOpenProbeBudget <= 0 {
		cfg.HalfOpenProbeBudget = DefaultConfig.HalfOpenProbeBudget
	}
	b := &Breaker{
		name: name,
		cfg:  cfg,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// Allow reports whether a call may proceed and the generation it was
// admitted in. In half_open it admits at most HalfOpenProbeBudget concurrent
// probes; every admitted call must be followed by RecordSuccess or
// RecordFailure with the returned generation.
func (b *Breaker) Allow() (Generation, bool) {
	b.mu.Lock()
	var from State
	transitioned := false

	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
		from, transitioned = b.state, true
		b.setStateLocked(StateHalfOpen)
	}

	allowed := false
	switch b.state {
	case StateClosed:
		allowed = true
	case StateHalfOpen:
		if b.probesInFlight+b.probeSuccesses < b.cfg.HalfOpenProbeBudget {
			b.probesInFlight++
			allowed = true
		}
	}
	gen := b.generation
	b.mu.Unlock()

	if transitioned {
		b.notify(from, StateHalfOpen)
	}
	return gen, allowed
}

// Generation returns the current generation.
func (b *Breaker) Generation() Generation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}

// RecordSuccess reports a successful call admitted in gen. Stale generations
// are ignored.
func (b *Breaker) RecordSuccess(gen Generation) {
	b.mu.Lock()
	if gen != b.generation {
		b.mu.Unlock()
		return
	}
	var from State
	transitioned := false

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		b.probeSuccesses++
		if b.probeSuccesses >= b.cfg.HalfOpenProbeBudget {
			from, transitioned = b.state, true
			b.setStateLocked(StateClosed)
		}
	}
	b.mu.Unlock()

	if transitioned {
		b.notify(from, StateClosed)
	}
}

// RecordFailure reports a failed call admitted in gen. Stale generations are
// ignored.
func (b *Breaker) RecordFailure(gen Generation) {
	b.mu.Lock()
	if gen != b.generation {
		b.mu.Unlock()
		return
	}
	var from State
	transitioned := false

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			from, transitioned = b.state, true
			b.setStateLocked(StateOpen)
		}
	case StateHalfOpen:
		from, transitioned = b.state, true
		b.failures++
		b.setStateLocked(StateOpen)
	}
	b.mu.Unlock()

	if transitioned {
		b.notify(from, StateOpen)
	}
}

// Do runs fn if the breaker allows it and records the outcome.
// Returns ErrOpen without calling fn when the breaker rejects the call.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	gen, ok := b.Allow()
	if !ok {
		return ErrOpen
	}
	if err := fn(ctx); err != nil {
		b.RecordFailure(gen)
		return err
	}
	b.RecordSuccess(gen)
	return nil
}

// State returns the current state without advancing the open timer.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:                b.name,
		State:               b.state,
		Generation:          b.generation,
		StateName:           b.state.String(),
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
		FailureThreshold:    b.cfg.FailureThreshold,
		OpenDuration:        b.cfg.OpenDuration,
		HalfOpenProbeBudget: b.cfg.HalfOpenProbeBudget,
	}
}

// setStateLocked moves to state and starts a new generation.
func (b *Breaker) setStateLocked(state State) {
	b.state = state
	b.generation++
	b.probesInFlight = 0
	b.probeSuccesses = 0
	switch state {
	case StateOpen:
		b.openedAt = b.now()
	case StateClosed:
		b.failures = 0
		b.openedAt = time.Time{}
	}
}

func (b *Breaker) notify(from, to State) {
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

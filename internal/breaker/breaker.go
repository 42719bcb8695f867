// Package breaker guards the outbound sync channel with a failure-aware
// circuit breaker: consecutive failures open the circuit, a timed half-open
// probe tests recovery, and sub-threshold failure runs self-throttle with
// exponential backoff without opening.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the circuit position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

// ErrOpen is returned when the circuit rejects a call without running it.
// Half-open rejections (a probe is already in flight) report the same error;
// callers treat both as "try again later".
var ErrOpen = errors.New("circuit open")

// Config tunes one breaker instance. Zero fields fall back to the defaults
// documented on each field.
type Config struct {
	// MaxFailures is the consecutive-failure count that opens the circuit (default 5).
	MaxFailures int
	// ResetTimeout is the cooldown before an open circuit admits a probe (default 30s).
	ResetTimeout time.Duration
	// InitialBackoff is the first non-zero self-throttle step (default 1s).
	InitialBackoff time.Duration
	// MaxBackoff caps the self-throttle (default 30s).
	MaxBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	return c
}

// Stats is the diagnostic snapshot exposed to observers.
type Stats struct {
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	TotalFailures       int    `json:"total_failures"`
	TotalSuccesses      int    `json:"total_successes"`
	CurrentBackoffMs    int64  `json:"current_backoff_ms"`
}

// Breaker is created once per guarded channel and shared by every caller of
// that channel, so a failure anywhere trips backoff everywhere. It owns its
// own mutex; all counter mutations happen under it.
type Breaker struct {
	mu                  sync.Mutex
	cfg                 Config
	state               State
	consecutiveFailures int
	totalFailures       int
	totalSuccesses      int
	currentBackoff      time.Duration
	lastFailureAt       time.Time
	probeInFlight       bool

	// Injected: observes state transitions (fact emission). Never blocks delivery.
	onTransition func(from, to State)
}

// New creates a closed breaker with the given config.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults()}
}

// OnTransition registers a state-transition observer. Call before first use.
func (b *Breaker) OnTransition(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTransition = fn
}

// Execute wraps a guarded call.
//
// Open and cooldown not elapsed: fails immediately with ErrOpen, the call
// never runs. Open and cooldown elapsed: transitions to half-open and admits
// the call as the single probe. Half-open with a probe already in flight:
// ErrOpen. Closed with a pending backoff: suspends that long (cancellable)
// before invoking the call.
func (b *Breaker) Execute(ctx context.Context, call func(context.Context) error) error {
	delay, isProbe, err := b.admit()
	if err != nil {
		return err
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			// The call never ran; this is not a channel failure.
			if isProbe {
				b.clearProbe()
			}
			return ctx.Err()
		case <-timer.C:
		}
	}

	if err := call(ctx); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// admit decides whether a call may proceed and how long it must wait first.
func (b *Breaker) admit() (delay time.Duration, isProbe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailureAt) < b.cfg.ResetTimeout {
			return 0, false, ErrOpen
		}
		b.transitionLocked(StateHalfOpen)
		b.probeInFlight = true
		return 0, true, nil
	case StateHalfOpen:
		if b.probeInFlight {
			return 0, false, ErrOpen
		}
		b.probeInFlight = true
		return 0, true, nil
	default:
		return b.currentBackoff, false, nil
	}
}

// clearProbe releases the half-open probe slot when the probe never ran.
func (b *Breaker) clearProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInFlight = false
}

// RecordSuccess marks the guarded channel healthy: counters and backoff reset,
// the circuit force-closes, and any probe slot is released.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.consecutiveFailures = 0
	b.currentBackoff = 0
	b.totalSuccesses++
	b.probeInFlight = false
	b.transitionLocked(StateClosed)
	b.mu.Unlock()
}

// RecordFailure updates failure bookkeeping without running a call, for
// sites that detect failure out-of-band. Opens the circuit once the
// consecutive-failure threshold is reached and recalculates backoff.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.consecutiveFailures++
	b.totalFailures++
	b.lastFailureAt = time.Now()
	b.currentBackoff = b.backoffLocked()
	b.probeInFlight = false

	// A failed half-open probe reopens immediately, regardless of threshold.
	if b.state == StateHalfOpen || b.consecutiveFailures >= b.cfg.MaxFailures {
		b.transitionLocked(StateOpen)
	}
	b.mu.Unlock()
}

// backoffLocked computes min(initial * 2^(n-2), max); zero below two failures.
func (b *Breaker) backoffLocked() time.Duration {
	n := b.consecutiveFailures
	if n <= 1 {
		return 0
	}
	backoff := b.cfg.InitialBackoff
	for i := 2; i < n; i++ {
		backoff *= 2
		if backoff >= b.cfg.MaxBackoff {
			return b.cfg.MaxBackoff
		}
	}
	if backoff > b.cfg.MaxBackoff {
		return b.cfg.MaxBackoff
	}
	return backoff
}

// Reset forces the circuit closed and zeroes all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.consecutiveFailures = 0
	b.totalFailures = 0
	b.totalSuccesses = 0
	b.currentBackoff = 0
	b.lastFailureAt = time.Time{}
	b.probeInFlight = false
	b.transitionLocked(StateClosed)
	b.mu.Unlock()
}

// State returns the current circuit position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns the diagnostic snapshot.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		TotalFailures:       b.totalFailures,
		TotalSuccesses:      b.totalSuccesses,
		CurrentBackoffMs:    b.currentBackoff.Milliseconds(),
	}
}

// transitionLocked changes state and notifies the observer. Caller holds the lock;
// the observer runs in a goroutine so it can never deadlock back into the breaker.
func (b *Breaker) transitionLocked(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.onTransition != nil {
		fn := b.onTransition
		go fn(from, to)
	}
}

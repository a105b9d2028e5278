// Package breaker implements the circuit breaker guarding the ChainAdapter:
// after a run of consecutive transient failures it opens and fails fast for
// a cooldown window, then allows a single probe request to test recovery.
// The backoff/retry arithmetic is the same doubling-with-cap idiom the
// teacher uses for its outbound broadcast retry loop, generalised into a
// state machine with an explicit half-open probe.
package breaker

import (
	"math/rand"
	"sync"
	"time"
)

// State enumerates the breaker's three states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config tunes the breaker's trip threshold and cooldown.
type Config struct {
	// FailureThreshold is the number of consecutive transient failures that
	// trips the breaker open.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before allowing a probe.
	Cooldown time.Duration
	// Now overrides the wall clock; defaults to time.Now for tests.
	Now func() time.Time
}

// Breaker is safe for concurrent use.
type Breaker struct {
	mu               sync.Mutex
	threshold        int
	cooldown         time.Duration
	now              func() time.Time
	consecutiveFails int
	state            State
	openedAt         time.Time
	probeInFlight    bool
}

// New constructs a Breaker from cfg, applying sane defaults for zero values.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		threshold: cfg.FailureThreshold,
		cooldown:  cfg.Cooldown,
		now:       cfg.Now,
		state:     Closed,
	}
}

// ErrOpen is returned by Allow when the breaker is open and not yet due for
// a probe.
type ErrOpen struct{}

func (ErrOpen) Error() string { return "breaker: circuit open" }

// Allow reports whether a call may proceed. When the breaker is open and the
// cooldown has elapsed, exactly one caller is let through as a probe; all
// others are rejected until that probe reports its outcome via Success or
// Failure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case HalfOpen:
		return ErrOpen{}
	case Open:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrOpen{}
		}
		if b.probeInFlight {
			return ErrOpen{}
		}
		b.probeInFlight = true
		b.state = HalfOpen
		return nil
	}
	return nil
}

// Success records a successful call, closing the breaker and resetting the
// failure streak.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails = 0
	b.probeInFlight = false
	b.state = Closed
}

// Failure records a transient failure. Once consecutive failures reach the
// threshold (or a half-open probe fails), the breaker opens.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.probeInFlight = false
		b.state = Open
		b.openedAt = b.now()
		return
	}
	b.consecutiveFails++
	if b.consecutiveFails >= b.threshold {
		b.state = Open
		b.openedAt = b.now()
	}
}

// State reports the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Backoff computes the next exponential-backoff-with-jitter delay for retry
// attempt n (0-indexed): base doubled n times and capped at cap, then
// jittered by +/-20% and clamped to [0, cap], so a jittered delay can fall
// below base.
func Backoff(n int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	if cap <= 0 {
		cap = 5 * time.Second
	}
	delay := base
	for i := 0; i < n; i++ {
		delay *= 2
		if delay >= cap {
			delay = cap
			break
		}
	}
	// +/- 20% jitter.
	jitter := time.Duration((rand.Float64()*0.4 - 0.2) * float64(delay))
	delay += jitter
	if delay < 0 {
		delay = 0
	}
	if delay > cap {
		delay = cap
	}
	return delay
}

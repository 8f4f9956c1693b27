package llm

import (
	"sync"
	"time"
)

// BreakerState is the circuit state for one provider.
type BreakerState int

const (
	// BreakerClosed means requests flow normally.
	BreakerClosed BreakerState = iota
	// BreakerOpen means requests are rejected until the recovery timeout.
	BreakerOpen
	// BreakerHalfOpen means a limited number of probe requests are allowed.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failures before opening.
	FailureThreshold int

	// RecoveryTimeout is how long to wait before probing an open circuit.
	RecoveryTimeout time.Duration

	// HalfOpenRequests is the probe budget while half-open.
	HalfOpenRequests int
}

// DefaultBreakerConfig returns sensible circuit breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenRequests: 1,
	}
}

type breakerEntry struct {
	state        BreakerState
	failures     int
	lastFailure  time.Time
	halfOpenUsed int
}

// Breaker is a per-provider circuit breaker. After FailureThreshold
// consecutive failures the circuit opens and requests are rejected
// until RecoveryTimeout passes; then probe requests decide whether it
// closes again.
type Breaker struct {
	cfg     BreakerConfig
	mu      sync.Mutex
	entries map[string]*breakerEntry
	now     func() time.Time
}

// NewBreaker creates a circuit breaker with the given configuration.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		cfg:     cfg,
		entries: make(map[string]*breakerEntry),
		now:     time.Now,
	}
}

// Allow reports whether a request to the named provider may proceed,
// consuming a probe slot when the circuit is half-open.
func (b *Breaker) Allow(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entry(name)
	switch e.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(e.lastFailure) >= b.cfg.RecoveryTimeout {
			e.state = BreakerHalfOpen
			e.halfOpenUsed = 1
			return true
		}
		return false
	case BreakerHalfOpen:
		if e.halfOpenUsed < b.cfg.HalfOpenRequests {
			e.halfOpenUsed++
			return true
		}
		return false
	default:
		return false
	}
}

// MarkSuccess records a successful request, closing the circuit.
func (b *Breaker) MarkSuccess(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entry(name)
	e.state = BreakerClosed
	e.failures = 0
	e.halfOpenUsed = 0
}

// MarkFailure records a failed request, opening the circuit once the
// failure threshold is reached. A failed half-open probe reopens it
// immediately.
func (b *Breaker) MarkFailure(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entry(name)
	e.failures++
	e.lastFailure = b.now()

	if e.state == BreakerHalfOpen || e.failures >= b.cfg.FailureThreshold {
		e.state = BreakerOpen
		e.halfOpenUsed = 0
	}
}

// State returns the current circuit state for the named provider.
func (b *Breaker) State(name string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entry(name).state
}

func (b *Breaker) entry(name string) *breakerEntry {
	e, ok := b.entries[name]
	if !ok {
		e = &breakerEntry{state: BreakerClosed}
		b.entries[name] = e
	}
	return e
}

package httpclient

import (
	"sync"
	"time"
)

// CircuitState is the state of a client's circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// breaker opens after Threshold consecutive failures and lets a single probe
// through once Cooldown has passed.
type breaker struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	current  CircuitState
	failures int
	openedAt time.Time
	probing  bool
	now      func() time.Time
}

func newBreaker(cfg BreakerConfig) *breaker {
	return &breaker{cfg: cfg, now: time.Now}
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.current {
	case CircuitOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.current = CircuitHalfOpen
		b.probing = true
		return true
	case CircuitHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = CircuitClosed
	b.failures = 0
	b.probing = false
}

func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.probing = false
	if b.current == CircuitHalfOpen || b.failures >= b.cfg.Threshold {
		b.current = CircuitOpen
		b.openedAt = b.now()
	}
}

func (b *breaker) state() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// Breaker is a three-state circuit breaker (closed, open, half-open) fed by
// explicit outcome reports. Request handlers call [Breaker.Allow] to decide
// whether the guarded dependency is worth contacting at all; the code that
// actually talks to the dependency reports outcomes via [Breaker.RecordSuccess]
// and [Breaker.RecordFailure].
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	log          *slog.Logger

	mu              sync.Mutex
	open            bool
	consecutiveFail int
	lastFailure     time.Time
}

// NewBreaker creates a breaker that opens after maxFailures consecutive
// failures and allows a probe again after resetTimeout. Non-positive values
// fall back to 5 failures and 30 seconds.
func NewBreaker(name string, maxFailures int, resetTimeout time.Duration, logger *slog.Logger) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		log:          logger.With("breaker", name),
	}
}

// Allow reports whether a call to the guarded dependency should proceed.
// While open, it returns false until resetTimeout has elapsed since the
// last failure; after that a single caller at a time is let through as a
// probe (half-open).
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	if time.Since(b.lastFailure) >= b.resetTimeout {
		// Half-open: permit a probe. Push the window forward so parallel
		// callers do not all rush the recovering dependency.
		b.lastFailure = time.Now()
		return true
	}
	return false
}

// RecordSuccess closes the breaker and clears failure accounting.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		b.log.Info("circuit closed after successful call")
	}
	b.open = false
	b.consecutiveFail = 0
}

// RecordFailure counts a failure and opens the breaker once the threshold
// is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFail++
	b.lastFailure = time.Now()
	if !b.open && b.consecutiveFail >= b.maxFailures {
		b.open = true
		b.log.Warn("circuit opened", "consecutive_failures", b.consecutiveFail)
	}
}

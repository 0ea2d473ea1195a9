package llm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/systemmap/backend/internal/logging"
)

const (
	defaultBreakerThreshold = 3
	defaultBreakerCooldown  = 5 * time.Minute
)

// ErrBreakerOpen is returned while the provider circuit is open.
var ErrBreakerOpen = errors.New("llm provider circuit open")

// Breaker trips after consecutive provider failures and refuses calls
// for a cooldown window, so a dead local endpoint cannot hold every
// scan behind its timeout. After the window one probe call is let
// through; its outcome closes or re-opens the circuit. Gate outcomes
// (disabled, feature off, lock busy) and caller cancellation say
// nothing about provider health and never count.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	log       zerolog.Logger
	now       func() time.Time

	mu        sync.Mutex
	failures  int
	openUntil time.Time
	probing   bool
}

// NewBreaker builds a breaker. Zero arguments select the defaults of
// three consecutive failures and a five minute cooldown.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = defaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		log:       logging.WithComponent("llm"),
		now:       time.Now,
	}
}

// Allow reports whether a provider call may proceed. Once the cooldown
// has passed the first caller becomes the probe; concurrent callers
// keep getting ErrBreakerOpen until the probe outcome is recorded.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openUntil.IsZero() {
		return nil
	}
	if b.now().Before(b.openUntil) || b.probing {
		return ErrBreakerOpen
	}
	b.probing = true
	return nil
}

// Record feeds one call outcome back. Pass the error exactly as the
// pipeline returned it; classification happens here.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if neutralOutcome(err) {
		b.probing = false
		return
	}
	if err == nil {
		if !b.openUntil.IsZero() {
			b.log.Info().Msg("llm provider recovered, circuit closed")
		}
		b.failures = 0
		b.openUntil = time.Time{}
		b.probing = false
		return
	}

	b.failures++
	if b.probing || b.failures >= b.threshold {
		b.openUntil = b.now().Add(b.cooldown)
		b.failures = 0
		b.probing = false
		b.log.Warn().Err(err).Time("until", b.openUntil).Msg("llm provider circuit opened")
	}
}

// State reports closed, open or half-open for the health surface.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.openUntil.IsZero():
		return "closed"
	case b.now().Before(b.openUntil):
		return "open"
	default:
		return "half-open"
	}
}

// neutralOutcome filters results that are not provider failures.
func neutralOutcome(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrDisabled) ||
		errors.Is(err, ErrFeatureDisabled) ||
		errors.Is(err, ErrLocked) ||
		errors.Is(err, context.Canceled)
}

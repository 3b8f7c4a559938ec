// Package guard bundles the executor's infrastructure protections: the
// bot-interface circuit breaker and the steps-per-minute rate limiter.
package guard

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"steve/internal/logging"
)

const (
	breakerFailureThreshold = 3
	breakerMaxBackoffFactor = 8
)

// Breaker wraps a gobreaker circuit around bot-interface calls. Three
// failures inside the rolling window open the circuit for the configured
// cooldown; repeated trips double the reopen delay up to a cap.
type Breaker struct {
	cb       *gobreaker.CircuitBreaker
	cooldown time.Duration
	logger   logging.Logger
	now      func() time.Time

	mu       sync.Mutex
	trips    int
	resumeAt time.Time
}

// NewBreaker creates a closed breaker with the given base cooldown.
func NewBreaker(cooldown time.Duration, logger logging.Logger) *Breaker {
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	b := &Breaker{
		cooldown: cooldown,
		logger:   logging.OrNop(logger),
		now:      time.Now,
	}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "bot-interface",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: b.onStateChange,
	})
	return b
}

func (b *Breaker) onStateChange(_ string, from, to gobreaker.State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch to {
	case gobreaker.StateOpen:
		b.trips++
		factor := 1
		for i := 1; i < b.trips && factor < breakerMaxBackoffFactor; i++ {
			factor *= 2
		}
		b.resumeAt = b.now().Add(b.cooldown * time.Duration(factor))
		b.logger.Warn("circuit breaker open (trip %d, resume %s)", b.trips, b.resumeAt.Format(time.RFC3339))
	case gobreaker.StateClosed:
		if from != gobreaker.StateClosed {
			b.logger.Info("circuit breaker closed after %d trips", b.trips)
		}
		b.trips = 0
		b.resumeAt = time.Time{}
	}
}

// Allow reports whether the executor may attempt bot calls this cycle.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	resumeAt := b.resumeAt
	b.mu.Unlock()
	if !resumeAt.IsZero() && b.now().Before(resumeAt) {
		return false
	}
	return true
}

// Execute runs fn under the breaker. Only errors returned by fn (infra
// failures) count against the trip threshold; action-level failures must be
// reported as nil errors by the caller.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// Open reports whether the underlying circuit is currently open.
func (b *Breaker) Open() bool {
	return b.cb.State() == gobreaker.StateOpen
}

// Trips returns the consecutive trip count.
func (b *Breaker) Trips() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trips
}

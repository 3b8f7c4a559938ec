package guard

import (
	"time"

	"golang.org/x/time/rate"
)

// StepLimiter is the steps-per-minute token bucket. Only live-mode dispatch
// consumes tokens; shadow mode observes without touching the bucket.
type StepLimiter struct {
	limiter *rate.Limiter
}

// NewStepLimiter creates a bucket allowing perMinute steps with a burst of
// the same size.
func NewStepLimiter(perMinute int) *StepLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &StepLimiter{
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
	}
}

// CanTake reports whether a token is available without consuming one.
func (s *StepLimiter) CanTake() bool {
	return s.limiter.Tokens() >= 1
}

// Take consumes one token, reporting whether one was available.
func (s *StepLimiter) Take() bool {
	return s.limiter.Allow()
}

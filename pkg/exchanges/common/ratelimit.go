package common

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter paces outgoing private API calls for one credential set.
type RateLimiter struct {
	limiter *rate.Limiter
	log     logrus.FieldLogger
	warnAt  time.Duration
}

// NewRateLimiter allows perSecond calls on average with the given burst.
func NewRateLimiter(perSecond float64, burst int, log logrus.FieldLogger) *RateLimiter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		log:     log,
		warnAt:  time.Second,
	}
}

// Wait blocks until the next call is allowed or ctx ends.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl == nil {
		return nil
	}
	start := time.Now()
	if err := rl.limiter.Wait(ctx); err != nil {
		return err
	}
	if waited := time.Since(start); waited >= rl.warnAt {
		rl.log.WithField("waited", waited.String()).Warn("rate limit throttling outgoing requests")
	}
	return nil
}

// Tokens reports the currently available burst, for diagnostics.
func (rl *RateLimiter) Tokens() float64 {
	if rl == nil {
		return 0
	}
	return rl.limiter.Tokens()
}

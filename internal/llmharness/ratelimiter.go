package llmharness

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter gates outbound LLM calls to a sustained rate with a burst
// allowance, backed by golang.org/x/time/rate.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter builds a limiter sustaining maxCallsPerMinute with a
// burst of 2x the sustained per-second rate (rounded up, minimum 1),
// matching the configured default.
func NewRateLimiter(maxCallsPerMinute int) *RateLimiter {
	if maxCallsPerMinute <= 0 {
		maxCallsPerMinute = 60
	}
	perSecond := float64(maxCallsPerMinute) / 60.0
	burst := int(perSecond*2 + 0.999999)
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

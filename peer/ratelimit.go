package peer

import (
	"time"

	"golang.org/x/time/rate"
)

// DefaultInboundRate and DefaultInboundBurst bound how many packets per
// second a single peer may feed into NetworkPoll before being throttled.
const (
	DefaultInboundRate  = 120 // packets/sec; ~2x a 60fps input stream
	DefaultInboundBurst = 240
)

// RateLimiter throttles inbound packets from one peer so a flooding or
// misbehaving remote can't monopolize NetworkPoll.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a limiter allowing ratePerSec sustained packets
// with the given burst allowance.
func NewRateLimiter(ratePerSec float64, burst int) *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

// Allow reports whether a packet arriving now should be accepted. A
// rejected packet is logged and dropped by the caller.
func (r *RateLimiter) Allow(now time.Time) bool {
	return r.limiter.AllowN(now, 1)
}

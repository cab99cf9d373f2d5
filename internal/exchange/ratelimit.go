// ratelimit.go groups the REST rate limiters for the Polymarket CLOB API.
//
// Polymarket enforces per-category limits measured in requests per 10-second
// window. Each category gets its own token bucket so a burst of snapshot
// fetches on reconnect cannot starve key derivation and vice versa.
package exchange

import (
	"golang.org/x/time/rate"
)

// RateLimiter groups token buckets by endpoint category. Each request must
// call the matching bucket's Wait before it is sent.
type RateLimiter struct {
	Book *rate.Limiter // GET /book
	Auth *rate.Limiter // GET /auth/derive-api-key
}

// NewRateLimiter creates limiters refilling at rps per second. The book
// bucket bursts to cover one snapshot per outcome of a multi-outcome market.
func NewRateLimiter(rps float64) *RateLimiter {
	burst := int(rps)
	if burst < 4 {
		burst = 4
	}
	return &RateLimiter{
		Book: rate.NewLimiter(rate.Limit(rps), burst),
		Auth: rate.NewLimiter(rate.Limit(1), 1),
	}
}

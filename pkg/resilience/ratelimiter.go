package resilience

import (
	"context"

	"golang.org/x/time/rate"
)

// LimiterOpts configures a Limiter.
type LimiterOpts struct {
	// Rate is requests per second. Zero or less disables limiting.
	Rate float64
	// Burst defaults to 1.
	Burst int
}

// Limiter paces requests to a backend.
type Limiter struct {
	lim *rate.Limiter
}

func NewLimiter(opts LimiterOpts) *Limiter {
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	return &Limiter{lim: rate.NewLimiter(limit, max(opts.Burst, 1))}
}

// Allow takes a token if one is available.
func (l *Limiter) Allow() bool { return l.lim.Allow() }

// Wait blocks for a token. It fails early when ctx would expire first.
func (l *Limiter) Wait(ctx context.Context) error { return l.lim.Wait(ctx) }

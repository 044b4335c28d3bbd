package generate

import (
	"context"
	"log/slog"
	"time"

	"github.com/WessleyAI/docrag/pkg/resilience"
)

// Guarded wraps a Generator with a per-call timeout and a circuit breaker.
type Guarded struct {
	Generator
	breaker *resilience.Breaker
	timeout time.Duration
}

// NewGuarded wraps g. A zero timeout means no deadline beyond the caller's.
func NewGuarded(g Generator, timeout time.Duration, logger *slog.Logger) *Guarded {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guarded{
		Generator: g,
		timeout:   timeout,
		breaker: resilience.NewBreaker(resilience.BreakerOpts{
			FailThreshold: 5,
			Timeout:       30 * time.Second,
			HalfOpenMax:   1,
			OnStateChange: func(from, to resilience.State) {
				logger.Warn("generation breaker state change", "backend", g.Name(), "from", from.String(), "to", to.String())
			},
		}),
	}
}

// Generate implements Generator.
func (g *Guarded) Generate(ctx context.Context, req Request) (*Completion, error) {
	return resilience.Do(g.breaker, ctx, func(ctx context.Context) (*Completion, error) {
		if g.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		return g.Generator.Generate(ctx, req)
	})
}

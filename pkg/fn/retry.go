package fn

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryOpts configures Retry.
type RetryOpts struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Jitter      bool
	// Retryable reports whether an error is worth another attempt. Nil
	// retries everything.
	Retryable func(error) bool
}

// DefaultRetry is three attempts starting at 500ms.
var DefaultRetry = RetryOpts{
	MaxAttempts: 3,
	InitialWait: 500 * time.Millisecond,
	MaxWait:     10 * time.Second,
	Jitter:      true,
}

// Retry calls f until it succeeds, the error is not retryable, attempts run
// out or ctx ends. Waits double between attempts, capped at MaxWait.
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	attempts := max(opts.MaxAttempts, 1)
	wait := opts.InitialWait

	var last Result[T]
	for attempt := 1; ; attempt++ {
		last = f(ctx)
		_, err := last.Unwrap()
		if err == nil || attempt >= attempts {
			return last
		}
		if opts.Retryable != nil && !opts.Retryable(err) {
			return last
		}

		timer := time.NewTimer(opts.backoff(wait))
		select {
		case <-ctx.Done():
			timer.Stop()
			return Err[T](ctx.Err())
		case <-timer.C:
		}
		wait *= 2
	}
}

func (o RetryOpts) backoff(wait time.Duration) time.Duration {
	if o.Jitter {
		wait = time.Duration(float64(wait) * (0.5 + rand.Float64()))
	}
	if o.MaxWait > 0 && wait > o.MaxWait {
		wait = o.MaxWait
	}
	return wait
}

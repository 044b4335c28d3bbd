// Package resilience guards calls to model backends: a circuit breaker for
// generation and a rate limiter for embedding requests.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{"closed", "open", "half-open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ErrCircuitOpen is returned without calling the backend while the breaker
// is open or its trial slots are taken.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerOpts configures a Breaker. Zero fields take DefaultBreakerOpts.
type BreakerOpts struct {
	// FailThreshold consecutive failures open the breaker.
	FailThreshold int
	// Timeout is how long the breaker stays open before admitting trial calls.
	Timeout time.Duration
	// HalfOpenMax is the number of concurrent trials while half-open.
	HalfOpenMax int
	// IsFailure classifies errors. Nil counts everything except caller
	// cancellation.
	IsFailure func(error) bool
	// OnStateChange runs outside the lock.
	OnStateChange func(from, to State)
}

var DefaultBreakerOpts = BreakerOpts{
	FailThreshold: 5,
	Timeout:       30 * time.Second,
	HalfOpenMax:   1,
}

// Breaker is safe for concurrent use.
type Breaker struct {
	opts BreakerOpts
	now  func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openUntil time.Time
	trials    int
	// epoch advances on every transition so results of calls admitted in an
	// earlier state are ignored.
	epoch uint64
}

func NewBreaker(opts BreakerOpts) *Breaker {
	d := DefaultBreakerOpts
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = d.FailThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = d.Timeout
	}
	if opts.HalfOpenMax <= 0 {
		opts.HalfOpenMax = d.HalfOpenMax
	}
	if opts.IsFailure == nil {
		opts.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	return &Breaker{opts: opts, now: time.Now}
}

// State reports the current state, moving open to half-open once the
// timeout has passed.
func (b *Breaker) State() State {
	b.mu.Lock()
	from, to := b.tick()
	b.mu.Unlock()
	b.notify(from, to)
	return to
}

// Do runs f unless the breaker rejects the call.
func Do[T any](b *Breaker, ctx context.Context, f func(context.Context) (T, error)) (T, error) {
	epoch, err := b.admit()
	if err != nil {
		var zero T
		return zero, err
	}
	v, err := f(ctx)
	b.record(epoch, err)
	return v, err
}

// tick must be called with mu held.
func (b *Breaker) tick() (from, to State) {
	from = b.state
	if b.state == StateOpen && !b.now().Before(b.openUntil) {
		b.moveTo(StateHalfOpen)
	}
	return from, b.state
}

// moveTo must be called with mu held.
func (b *Breaker) moveTo(s State) {
	b.state = s
	b.failures = 0
	b.trials = 0
	b.epoch++
	if s == StateOpen {
		b.openUntil = b.now().Add(b.opts.Timeout)
	}
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	from, to := b.tick()
	var err error
	switch {
	case to == StateOpen:
		err = ErrCircuitOpen
	case to == StateHalfOpen && b.trials >= b.opts.HalfOpenMax:
		err = ErrCircuitOpen
	case to == StateHalfOpen:
		b.trials++
	}
	epoch := b.epoch
	b.mu.Unlock()
	b.notify(from, to)
	return epoch, err
}

func (b *Breaker) record(epoch uint64, err error) {
	b.mu.Lock()
	from := b.state
	if epoch == b.epoch {
		switch {
		case err == nil && b.state == StateHalfOpen:
			b.moveTo(StateClosed)
		case err == nil:
			b.failures = 0
		case !b.opts.IsFailure(err):
			// Neither success nor failure: free the trial slot for another caller.
			if b.state == StateHalfOpen && b.trials > 0 {
				b.trials--
			}
		case b.state == StateHalfOpen:
			b.moveTo(StateOpen)
		default:
			b.failures++
			if b.failures >= b.opts.FailThreshold {
				b.moveTo(StateOpen)
			}
		}
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.opts.OnStateChange != nil {
		b.opts.OnStateChange(from, to)
	}
}

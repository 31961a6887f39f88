// Package ratelimit provides the token bucket shared by every upstream call of a process.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/tarancss/fundpool/lib/metrics"
)

// Limiter is a token bucket with capacity Burst refilled at Rate tokens per second.
type Limiter struct {
	name string
	l    *rate.Limiter
}

// New returns a limiter refilling ratePerSec tokens per second with the given burst capacity. A non-positive rate
// disables limiting.
func New(name string, ratePerSec float64, burst int) *Limiter {
	limit := rate.Limit(ratePerSec)
	if ratePerSec <= 0 {
		limit = rate.Inf
	}

	if burst < 1 {
		burst = 1
	}

	return &Limiter{name: name, l: rate.NewLimiter(limit, burst)}
}

// Acquire blocks until a token is available and consumes it. It returns early with the context error.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()
	err := l.l.Wait(ctx)
	metrics.RateLimitWait.WithLabelValues(l.name).Observe(time.Since(start).Seconds())

	return err
}

// Execute acquires a token then invokes fn.
func (l *Limiter) Execute(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}

	return fn()
}

// Do is Execute for functions returning a value.
func Do[T any](ctx context.Context, l *Limiter, fn func() (T, error)) (T, error) {
	if err := l.Acquire(ctx); err != nil {
		var zero T
		return zero, err
	}

	return fn()
}

// Burst returns the bucket capacity.
func (l *Limiter) Burst() int { return l.l.Burst() }

package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"qms/attendance-service/internal/clock"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds a retried operation. Attempts counts the first try.
type Policy struct {
	Attempts int
	Backoff  backoff.BackOff
	Clock    clock.Clock
	// Notify is called after every failed attempt, including the last one.
	// next is zero when no further attempt will be made.
	Notify func(attempt int, err error, next time.Duration)
}

// Do runs op until it succeeds, returns a permanent error, the attempts
// are exhausted, or ctx is done.
func Do(ctx context.Context, policy Policy, op func(context.Context) error) error {
	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	clk := policy.Clock
	if clk == nil {
		clk = clock.Real()
	}
	delays := policy.Backoff
	if delays == nil {
		delays = &backoff.ZeroBackOff{}
	}
	delays.Reset()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			notify(policy, attempt, permanent.Err, 0)
			return permanent.Err
		}
		if attempt == attempts {
			notify(policy, attempt, err, 0)
			break
		}

		next := delays.NextBackOff()
		if next == backoff.Stop {
			notify(policy, attempt, err, 0)
			break
		}
		notify(policy, attempt, err, next)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(next):
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, lastErr)
}

func notify(policy Policy, attempt int, err error, next time.Duration) {
	if policy.Notify != nil {
		policy.Notify(attempt, err, next)
	}
}

// Linear waits attempt × Base before the next attempt: Base, 2×Base, ...
type Linear struct {
	Base    time.Duration
	attempt int
}

func NewLinear(base time.Duration) *Linear {
	return &Linear{Base: base}
}

func (l *Linear) NextBackOff() time.Duration {
	l.attempt++
	return time.Duration(l.attempt) * l.Base
}

func (l *Linear) Reset() {
	l.attempt = 0
}

// Package retry runs bounded attempt loops for chain and payout polling.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy bounds a retry loop. A zero Multiplier keeps the backoff fixed.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	Multiplier  int
}

// Fixed returns a policy with a constant delay between attempts.
func Fixed(attempts int, backoff time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Backoff: backoff}
}

// Outcome is either Succeeded with a Value or TimedOut with the last error seen.
type Outcome[T any] struct {
	Value    T
	Attempts int
	Err      error
	ok       bool
}

func (o Outcome[T]) Succeeded() bool { return o.ok }

func (o Outcome[T]) TimedOut() bool { return !o.ok }

// Cancelled reports whether the loop stopped because the context ended.
func (o Outcome[T]) Cancelled() bool {
	return errors.Is(o.Err, context.Canceled) || errors.Is(o.Err, context.DeadlineExceeded)
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err so Do stops without spending the remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Do calls fn until it succeeds, returns a Permanent error, the attempts run
// out or ctx is done. It never loops more than MaxAttempts times.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) Outcome[T] {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := p.Backoff

	var out Outcome[T]
	for i := 1; i <= attempts; i++ {
		out.Attempts = i
		val, err := fn(ctx, i)
		if err == nil {
			out.Value = val
			out.Err = nil
			out.ok = true
			return out
		}
		out.Err = err
		if IsPermanent(err) || i == attempts {
			return out
		}

		sleep := backoff
		if p.MaxBackoff > 0 && sleep > p.MaxBackoff {
			sleep = p.MaxBackoff
		}
		if sleep > 0 {
			timer := time.NewTimer(sleep)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				out.Err = ctx.Err()
				return out
			}
		} else if ctx.Err() != nil {
			out.Err = ctx.Err()
			return out
		}

		if p.Multiplier > 1 {
			backoff = backoff * time.Duration(p.Multiplier)
		}
	}
	return out
}

// internal/poll/poll.go
package poll

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrTimeout is returned by Until when the condition never held.
var ErrTimeout = errors.New("condition not met before timeout")

// Condition is checked by Until. A non-nil error stops polling immediately.
type Condition func(ctx context.Context) (bool, error)

// Until evaluates cond every interval until it reports true, it returns an
// error, ctx is done, or timeout elapses (ErrTimeout). The first check runs
// immediately.
func Until(ctx context.Context, interval, timeout time.Duration, cond Condition) error {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var condErr error
	err := backoff.Retry(func() error {
		ok, err := cond(pollCtx)
		if err != nil {
			condErr = err
			return backoff.Permanent(err)
		}
		if !ok {
			return ErrTimeout
		}
		return nil
	}, backoff.WithContext(backoff.NewConstantBackOff(interval), pollCtx))

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case pollCtx.Err() != nil:
		// A condition failing because our own deadline fired is still a timeout.
		return ErrTimeout
	case condErr != nil:
		return condErr
	default:
		return ErrTimeout
	}
}

// Attempts calls fn up to attempts times, interval apart, until it returns
// true. It reports whether fn ever succeeded. Errors from fn stop early.
func Attempts(ctx context.Context, attempts int, interval time.Duration, fn Condition) (bool, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var found bool
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts-1))
	err := backoff.Retry(func() error {
		ok, err := fn(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return ErrTimeout
		}
		found = true
		return nil
	}, backoff.WithContext(b, ctx))
	if found {
		return true, nil
	}
	if errors.Is(err, ErrTimeout) {
		return false, nil
	}
	return false, err
}

package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"meshdeploy/pkg/types"
)

// RetryPolicy controls per-peer retries within a wave.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}
}

// Backoff is the wait after the given zero-based failed attempt:
// BaseDelay * 2^attempt, capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// retryable reports whether another attempt could succeed. Malformed or
// rejected frames, configuration errors and open breakers fail the same
// way every time.
func retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, types.ErrProtocol), errors.Is(err, types.ErrConfig):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return false
	}
	return true
}

// retry calls fn until it succeeds, returns a permanent error, or the policy
// is exhausted. It returns the number of attempts made and the last error.
func retry(ctx context.Context, p RetryPolicy, fn func(attempt int) error, onRetry func(attempt int, err error, delay time.Duration)) (int, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				err = ctxErr
			}
			return attempt, err
		}
		err = fn(attempt)
		if err == nil {
			return attempt + 1, nil
		}
		if !retryable(err) || attempt == attempts-1 {
			return attempt + 1, err
		}

		delay := p.Backoff(attempt)
		if onRetry != nil {
			onRetry(attempt+1, err, delay)
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return attempt + 1, err
		}
	}
	return attempts, err
}

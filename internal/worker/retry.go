package worker

import (
	"context"
	"time"

	"s3migrate/internal/storage"
)

// Retrier runs a step until it succeeds, fails with a non-retryable kind or
// uses up MaxAttempts.
type Retrier struct {
	MaxAttempts int
	Base        time.Duration
	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Backoff returns the wait after the given failed attempt: base * 2^(attempt-1).
func (r Retrier) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return r.Base << uint(attempt-1)
}

// Do runs fn and returns the number of attempts made together with the last
// error. Cancellation during a wait is reported as a KindCanceled error.
func (r Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	maxAttempts := r.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var err error
	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt - 1, storage.NewError("retry", storage.KindCanceled, ctxErr)
		}

		err = fn(ctx)
		if err == nil {
			return attempt, nil
		}
		if !storage.Classify(err).Retryable() || attempt >= maxAttempts {
			return attempt, err
		}

		delay := r.Backoff(attempt)
		if r.OnRetry != nil {
			r.OnRetry(attempt, err, delay)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return attempt, storage.NewError("retry wait", storage.KindCanceled, serr)
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

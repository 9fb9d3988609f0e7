package channels

import (
	"context"
	"time"
)

// backoffDelay returns min(base*2^(attempt-1), max) for a 1-based attempt.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// withBackoff calls fn up to attempts times, sleeping backoffDelay between
// failures. The sleep is cut short when ctx is cancelled.
func withBackoff(ctx context.Context, attempts int, base, max time.Duration, fn func(attempt int) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		err := fn(i)
		if err == nil {
			return nil
		}
		lastErr = err
		if i == attempts {
			break
		}
		if err := sleepCtx(ctx, backoffDelay(i, base, max)); err != nil {
			return err
		}
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package dispatch

import (
	"context"
	"time"
)

// retry runs fn up to attempts times, doubling the wait after each
// retryable failure. It stops early on a permanent error or when ctx ends.
func retry(ctx context.Context, attempts int, backoff time.Duration, retryable func(error) bool, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	wait := backoff
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil || !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
		wait *= 2
	}
	return err
}

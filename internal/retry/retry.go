package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy bounds a retry loop. Delay before attempt n (n >= 1) is
// BaseDelay << (n-1).
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultPolicy matches the billing API submission path: 3 retries on top of
// the initial attempt, starting at one second.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second}
}

// Classifier decides whether an error is worth retrying. Anything it
// rejects propagates immediately.
type Classifier func(error) bool

// Do runs op, retrying retryable failures up to p.MaxAttempts additional
// times with exponential backoff. Explicit loop, no recursion: the attempt
// counter and delay live here, not on the call stack.
func Do(ctx context.Context, p Policy, retryable Classifier, op func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if attempt >= p.MaxAttempts {
			return fmt.Errorf("retries exhausted after %d attempts: %w", attempt+1, err)
		}

		delay := p.BaseDelay << attempt
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

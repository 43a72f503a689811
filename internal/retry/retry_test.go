package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errThrottle = errors.New("throttled")

func isThrottle(err error) bool { return errors.Is(err, errThrottle) }

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultPolicy(), isThrottle, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesThrottleThenSucceeds(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	calls := 0
	start := time.Now()
	err := Do(context.Background(), p, isThrottle, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errThrottle
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	// delays base, base*2 must have elapsed
	assert.GreaterOrEqual(t, time.Since(start), 3*time.Millisecond)
}

func TestDo_NonRetryablePropagatesImmediately(t *testing.T) {
	fatal := errors.New("bad dimension")
	calls := 0
	err := Do(context.Background(), DefaultPolicy(), isThrottle, func(ctx context.Context) error {
		calls++
		return fatal
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDo_BoundedAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	calls := 0
	start := time.Now()
	err := Do(context.Background(), p, isThrottle, func(ctx context.Context) error {
		calls++
		return errThrottle
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errThrottle)
	// initial attempt plus MaxAttempts retries
	assert.Equal(t, 4, calls)
	// total delay ~ base*(1+2+4)
	assert.GreaterOrEqual(t, time.Since(start), 7*time.Millisecond)
}

func TestDo_ContextCancelDuringBackoff(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Minute}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, p, isThrottle, func(ctx context.Context) error {
		return errThrottle
	})
	assert.ErrorIs(t, err, context.Canceled)
}

package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/strata-labs/deepresearch/internal/circuitbreaker"
	"github.com/strata-labs/deepresearch/internal/models"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Retryable:   models.IsRetryable,
	}
}

func looseBreaker() circuitbreaker.Config {
	return circuitbreaker.Config{MaxRequests: 3, FailureThreshold: 100, SuccessThreshold: 1}
}

func TestRetriesTransientUntilSuccess(t *testing.T) {
	e := NewExecutor(fastConfig(3), looseBreaker(), zap.NewNop())

	calls := 0
	err := e.Do(context.Background(), "search", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return models.NewTransientError("503")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestFatalErrorIsNotRetried(t *testing.T) {
	e := NewExecutor(fastConfig(3), looseBreaker(), zap.NewNop())

	calls := 0
	err := e.Do(context.Background(), "search", func(ctx context.Context) error {
		calls++
		return models.NewFatalError("401")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, models.IsFatalProvider(err))
}

func TestExhaustedAttemptsReturnLastError(t *testing.T) {
	e := NewExecutor(fastConfig(2), looseBreaker(), zap.NewNop())

	calls := 0
	err := e.Do(context.Background(), "search", func(ctx context.Context) error {
		calls++
		return models.NewTransientError("attempt %d", calls)
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Contains(t, err.Error(), "attempt 2")
}

func TestCancelledContextStopsRetrying(t *testing.T) {
	e := NewExecutor(fastConfig(5), looseBreaker(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := e.Do(ctx, "search", func(ctx context.Context) error {
		calls++
		cancel()
		return models.NewTransientError("503")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestOpenBreakerSurfacesAsTransient(t *testing.T) {
	cb := circuitbreaker.Config{
		MaxRequests:      1,
		Timeout:          time.Minute,
		FailureThreshold: 2,
		SuccessThreshold: 1,
	}
	e := NewExecutor(fastConfig(1), cb, zap.NewNop())

	for i := 0; i < 2; i++ {
		_ = e.Do(context.Background(), "model", func(ctx context.Context) error {
			return models.NewTransientError("503")
		})
	}
	require.Equal(t, circuitbreaker.StateOpen, e.BreakerState("model"))

	calls := 0
	err := e.Do(context.Background(), "model", func(ctx context.Context) error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 0, calls, "open breaker must reject without calling")
	assert.True(t, models.IsRetryable(err), "breaker rejection degrades, not fails")
	assert.False(t, models.IsFatalProvider(err))
}

func TestBreakersAreIsolatedPerAdapter(t *testing.T) {
	cb := circuitbreaker.Config{
		MaxRequests:      1,
		Timeout:          time.Minute,
		FailureThreshold: 1,
		SuccessThreshold: 1,
	}
	e := NewExecutor(fastConfig(1), cb, zap.NewNop())

	_ = e.Do(context.Background(), "search", func(ctx context.Context) error {
		return models.NewTransientError("503")
	})
	require.Equal(t, circuitbreaker.StateOpen, e.BreakerState("search"))

	err := e.Do(context.Background(), "browse", func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, circuitbreaker.StateClosed, e.BreakerState("browse"))
}

func TestTypedCall(t *testing.T) {
	e := NewExecutor(fastConfig(2), looseBreaker(), zap.NewNop())

	v, err := Call(e, context.Background(), "search", func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	_, err = Call(e, context.Background(), "search", func(ctx context.Context) (int, error) {
		return 0, models.NewFatalError("401")
	})
	assert.Error(t, err)
}

package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errBoom = errors.New("boom")

func testBreaker(timeout time.Duration) *Breaker {
	return New("test", Config{
		MaxRequests:      2,
		Interval:         time.Minute,
		Timeout:          timeout,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	}, zap.NewNop())
}

func fail(b *Breaker) error {
	return b.Execute(context.Background(), func() error { return errBoom })
}

func succeed(b *Breaker) error {
	return b.Execute(context.Background(), func() error { return nil })
}

func TestTripsOpenAfterConsecutiveFailures(t *testing.T) {
	b := testBreaker(time.Minute)
	for i := 0; i < 3; i++ {
		require.Equal(t, StateClosed, b.State())
		require.Error(t, fail(b))
	}
	assert.Equal(t, StateOpen, b.State())

	err := succeed(b)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := testBreaker(time.Minute)
	require.Error(t, fail(b))
	require.Error(t, fail(b))
	require.NoError(t, succeed(b))
	require.Error(t, fail(b))
	require.Error(t, fail(b))
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenClosesAfterSuccesses(t *testing.T) {
	b := testBreaker(10 * time.Millisecond)
	for i := 0; i < 3; i++ {
		fail(b)
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, succeed(b))
	require.NoError(t, succeed(b))
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenReopensOnFailure(t *testing.T) {
	b := testBreaker(10 * time.Millisecond)
	for i := 0; i < 3; i++ {
		fail(b)
	}
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.Error(t, fail(b))
	assert.Equal(t, StateOpen, b.State())
}

func TestHalfOpenLimitsProbes(t *testing.T) {
	b := testBreaker(10 * time.Millisecond)
	for i := 0; i < 3; i++ {
		fail(b)
	}
	time.Sleep(20 * time.Millisecond)

	// occupy both probe slots without completing
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go b.Execute(context.Background(), func() error {
			started <- struct{}{}
			<-release
			return nil
		})
	}
	<-started
	<-started

	err := succeed(b)
	assert.ErrorIs(t, err, ErrTooManyRequests)
	close(release)
}

func TestPanicCountsAsFailure(t *testing.T) {
	b := testBreaker(time.Minute)
	for i := 0; i < 3; i++ {
		assert.Panics(t, func() {
			b.Execute(context.Background(), func() error { panic("boom") })
		})
	}
	assert.Equal(t, StateOpen, b.State())
}

package resilience

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/strata-labs/deepresearch/internal/circuitbreaker"
	"github.com/strata-labs/deepresearch/internal/metrics"
	"github.com/strata-labs/deepresearch/internal/models"
)

// Config parameterizes the retry wrapper: capped attempts, exponential
// backoff with full jitter, and a retryable-error predicate.
type Config struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	PerCallTimeout time.Duration
	Retryable      func(error) bool
}

// DefaultConfig matches the engine's provider defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		BaseDelay:      200 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		PerCallTimeout: 30 * time.Second,
		Retryable:      models.IsRetryable,
	}
}

// Executor decorates every adapter call with retry/backoff and a named
// circuit breaker. One Executor is shared across tasks; breakers are
// created on first use per adapter name.
type Executor struct {
	cfg    Config
	cbCfg  circuitbreaker.Config
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*circuitbreaker.Breaker
}

// NewExecutor builds the shared resilience wrapper.
func NewExecutor(cfg Config, cbCfg circuitbreaker.Config, logger *zap.Logger) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Retryable == nil {
		cfg.Retryable = models.IsRetryable
	}
	return &Executor{
		cfg:      cfg,
		cbCfg:    cbCfg,
		logger:   logger,
		breakers: make(map[string]*circuitbreaker.Breaker),
	}
}

// Do runs fn under the adapter's breaker with capped retries. The last
// error is returned when attempts are exhausted; a breaker rejection is
// surfaced as a transient provider error so the planner degrades instead
// of failing the task.
func (e *Executor) Do(ctx context.Context, adapter string, fn func(ctx context.Context) error) error {
	cb := e.breaker(adapter)

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := time.Now()
		err := cb.Execute(ctx, func() error {
			callCtx := ctx
			if e.cfg.PerCallTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, e.cfg.PerCallTimeout)
				defer cancel()
			}
			return fn(callCtx)
		})
		metrics.AdapterCallDuration.WithLabelValues(adapter).Observe(float64(time.Since(start).Milliseconds()))

		if err == nil {
			metrics.AdapterCalls.WithLabelValues(adapter, "ok").Inc()
			return nil
		}
		lastErr = err
		metrics.AdapterCalls.WithLabelValues(adapter, "error").Inc()

		if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return models.NewTransientError("%s unavailable: %v", adapter, err)
		}
		if !e.cfg.Retryable(err) {
			return err
		}
		if attempt == e.cfg.MaxAttempts {
			break
		}

		metrics.AdapterRetries.WithLabelValues(adapter).Inc()
		delay := e.backoff(attempt)
		e.logger.Debug("Retrying adapter call",
			zap.String("adapter", adapter),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// Call is the typed convenience form of Executor.Do.
func Call[T any](e *Executor, ctx context.Context, adapter string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, adapter, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// backoff returns base*2^(attempt-1) capped at MaxDelay, with full jitter.
func (e *Executor) backoff(attempt int) time.Duration {
	d := e.cfg.BaseDelay << uint(attempt-1)
	if e.cfg.MaxDelay > 0 && d > e.cfg.MaxDelay {
		d = e.cfg.MaxDelay
	}
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)) + 1)
}

func (e *Executor) breaker(adapter string) *circuitbreaker.Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	cb, ok := e.breakers[adapter]
	if !ok {
		cb = circuitbreaker.New(adapter, e.cbCfg, e.logger)
		e.breakers[adapter] = cb
	}
	return cb
}

// BreakerState exposes the named breaker's state for health reporting.
func (e *Executor) BreakerState(adapter string) circuitbreaker.State {
	return e.breaker(adapter).State()
}

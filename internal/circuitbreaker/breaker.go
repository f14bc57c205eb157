package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/strata-labs/deepresearch/internal/metrics"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen is returned when the breaker rejects a call outright.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when the half-open probe quota is used up.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config holds breaker tuning.
type Config struct {
	MaxRequests      uint32        // max probe requests while half-open
	Interval         time.Duration // closed-state window before counters reset
	Timeout          time.Duration // open-state cooldown before half-open
	FailureThreshold uint32        // consecutive failures to trip open
	SuccessThreshold uint32        // consecutive successes to close from half-open
}

// DefaultConfig returns the defaults used for provider adapters.
func DefaultConfig() Config {
	return Config{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
}

// Breaker implements the circuit breaker pattern around one named provider.
type Breaker struct {
	name   string
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	state      State
	generation uint64
	requests   uint32
	consecFail uint32
	consecOK   uint32
	expiry     time.Time
}

// New creates a breaker in the closed state.
func New(name string, cfg Config, logger *zap.Logger) *Breaker {
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger,
		state:  StateClosed,
		expiry: time.Now().Add(cfg.Interval),
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	return b
}

// Execute runs fn when the breaker admits the call and feeds the outcome
// back. A panic counts as a failure and is re-raised.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	gen, err := b.before()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			b.after(gen, false)
			panic(r)
		}
	}()
	err = fn()
	b.after(gen, err == nil)
	return err
}

// State returns the current state, applying any pending open→half-open
// transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.current(time.Now())
	return s
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, gen := b.current(time.Now())
	switch {
	case state == StateOpen:
		return gen, ErrOpen
	case state == StateHalfOpen && b.requests >= b.cfg.MaxRequests:
		return gen, ErrTooManyRequests
	}
	b.requests++
	return gen, nil
}

func (b *Breaker) after(before uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, gen := b.current(now)
	if gen != before {
		return
	}
	if success {
		b.consecFail = 0
		if state == StateHalfOpen {
			b.consecOK++
			if b.consecOK >= b.cfg.SuccessThreshold {
				b.setState(StateClosed, now)
			}
		}
		return
	}
	switch state {
	case StateClosed:
		b.consecFail++
		if b.consecFail >= b.cfg.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) current(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.newGeneration(now)

	metrics.CircuitBreakerState.WithLabelValues(b.name).Set(float64(state))
	if state == StateOpen {
		metrics.CircuitBreakerTrips.WithLabelValues(b.name).Inc()
	}
	b.logger.Info("Circuit breaker state changed",
		zap.String("name", b.name),
		zap.String("from", prev.String()),
		zap.String("to", state.String()),
	)
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.requests = 0
	b.consecFail = 0
	b.consecOK = 0

	switch b.state {
	case StateClosed:
		if b.cfg.Interval == 0 {
			b.expiry = time.Time{}
		} else {
			b.expiry = now.Add(b.cfg.Interval)
		}
	case StateOpen:
		b.expiry = now.Add(b.cfg.Timeout)
	default: // half-open pends on probe outcomes
		b.expiry = time.Time{}
	}
}

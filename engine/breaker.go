package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/sicko7947/stepflow"
)

// BreakerConfig configures the circuit around an external collaborator
type BreakerConfig struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// TripAfter consecutive failures opens the circuit
	TripAfter uint32
	// Rejections are answers from a healthy collaborator (a declined
	// identity, a wrong code). They fail the run but not the circuit.
	Rejections []error
}

// DefaultBreakerConfig provides sensible defaults
var DefaultBreakerConfig = BreakerConfig{
	MaxRequests: 1,
	Interval:    30 * time.Second,
	Timeout:     60 * time.Second,
	TripAfter:   5,
}

// Breaker wraps an action that calls an external collaborator (identity,
// bank, scanning) in a circuit breaker. While the circuit is open runs fail
// immediately instead of waiting for the step timeout.
type Breaker struct {
	action stepflow.Action
	cb     *gobreaker.CircuitBreaker
}

// NewBreaker wraps action
func NewBreaker(action stepflow.Action, config BreakerConfig, logger zerolog.Logger) *Breaker {
	if config.MaxRequests == 0 {
		config.MaxRequests = DefaultBreakerConfig.MaxRequests
	}
	if config.Interval == 0 {
		config.Interval = DefaultBreakerConfig.Interval
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultBreakerConfig.Timeout
	}
	if config.TripAfter == 0 {
		config.TripAfter = DefaultBreakerConfig.TripAfter
	}

	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.TripAfter
		},
		IsSuccessful: func(err error) bool {
			return !countsAsFailure(err, config.Rejections)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	}

	return &Breaker{
		action: action,
		cb:     gobreaker.NewCircuitBreaker(settings),
	}
}

// countsAsFailure reports whether err says the collaborator is unhealthy.
// Validation errors, cancellations and listed rejections do not.
func countsAsFailure(err error, rejections []error) bool {
	if err == nil || errors.Is(err, stepflow.ErrValidationFailed) || errors.Is(err, context.Canceled) {
		return false
	}
	for _, r := range rejections {
		if errors.Is(err, r) {
			return false
		}
	}
	return true
}

// Execute implements stepflow.Action
func (b *Breaker) Execute(ctx *stepflow.StepContext) (stepflow.Result, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.action.Execute(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, stepflow.NewStepError(stepflow.ErrCodeExecutionFailed,
				"collaborator unavailable", ctx.StepID, ctx.RunID).WithCause(err)
		}
		return nil, err
	}
	result, _ := out.(stepflow.Result)
	return result, nil
}

// State reports the circuit state
func (b *Breaker) State() string {
	return b.cb.State().String()
}

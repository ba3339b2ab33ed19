package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/Clark-Hu/watchtrail/internal/metrics"
)

// BreakerOptions tunes the circuit breaker around a catalog Client.
type BreakerOptions struct {
	Name string
	// Timeout is how long the circuit stays open before probing again.
	Timeout time.Duration
	// MinRequests and FailureRatio decide when a closed circuit trips.
	MinRequests  uint32
	FailureRatio float64
	Logger       zerolog.Logger
}

// BreakerClient guards a Client with a circuit breaker. Not-found and invalid
// identifiers are answers, not failures, and never trip the circuit.
type BreakerClient struct {
	next Client
	cb   *gobreaker.CircuitBreaker[any]
	name string
}

// NewBreakerClient wraps next. An open circuit fails fast with gobreaker.ErrOpenState.
func NewBreakerClient(next Client, opts BreakerOptions) *BreakerClient {
	if opts.Name == "" {
		opts.Name = "catalog"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	if opts.MinRequests == 0 {
		opts.MinRequests = 10
	}
	if opts.FailureRatio <= 0 {
		opts.FailureRatio = 0.6
	}
	logger := opts.Logger.With().Str("component", "catalog_breaker").Logger()

	metrics.CircuitBreakerState.WithLabelValues(opts.Name).Set(0)

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     opts.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < opts.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= opts.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrNotFound) ||
				errors.Is(err, ErrInvalidID) ||
				errors.Is(err, ErrBatchTooLarge) ||
				errors.Is(err, context.Canceled)
		},
	})

	return &BreakerClient{next: next, cb: cb, name: opts.Name}
}

// State reports the current breaker state.
func (b *BreakerClient) State() gobreaker.State {
	return b.cb.State()
}

// FetchTitle forwards to the wrapped client under breaker protection.
func (b *BreakerClient) FetchTitle(ctx context.Context, id string) (*Title, error) {
	return castResult[*Title](b.cb.Execute(func() (any, error) {
		return b.next.FetchTitle(ctx, id)
	}))
}

// BatchGet forwards to the wrapped client under breaker protection.
func (b *BreakerClient) BatchGet(ctx context.Context, ids []string) ([]Title, error) {
	return castResult[[]Title](b.cb.Execute(func() (any, error) {
		return b.next.BatchGet(ctx, ids)
	}))
}

func castResult[T any](result any, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	typed, ok := result.(T)
	if !ok {
		return zero, fmt.Errorf("catalog breaker: unexpected result type %T", result)
	}
	return typed, nil
}

func stateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

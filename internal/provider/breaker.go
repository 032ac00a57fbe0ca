package provider

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// CircuitBreakerClient wraps a Client so a flapping provider stops consuming
// request budget: once the failure ratio trips, calls fail fast until the
// half-open probe succeeds.
type CircuitBreakerClient struct {
	client  Client
	breaker *gobreaker.CircuitBreaker
}

var _ Client = (*CircuitBreakerClient)(nil)

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerClient creates a CircuitBreakerClient with sensible defaults.
func NewCircuitBreakerClient(client Client, logger *logrus.Logger) *CircuitBreakerClient {
	return NewCircuitBreakerClientWithSettings(client, logger, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerClientWithSettings creates a CircuitBreakerClient with custom settings.
func NewCircuitBreakerClientWithSettings(client Client, logger *logrus.Logger,
	settings CircuitBreakerSettings) *CircuitBreakerClient {
	gbSettings := gobreaker.Settings{
		Name:        "QuoteProviderCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).
				Warn("provider circuit breaker state changed")
		},
	}

	return &CircuitBreakerClient{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execBreaker is a generic helper for circuit breaker wrapper methods.
func execBreaker[T any](breaker *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// GetQuote wraps the underlying provider call with the circuit breaker.
func (c *CircuitBreakerClient) GetQuote(ctx context.Context, exchange, segment, symbol string) (*Quote, error) {
	return execBreaker(c.breaker, func() (*Quote, error) {
		return c.client.GetQuote(ctx, exchange, segment, symbol)
	})
}

// GetBulkLTP wraps the underlying provider call with the circuit breaker.
func (c *CircuitBreakerClient) GetBulkLTP(ctx context.Context, segment string, instruments []string) (map[string]float64, error) {
	return execBreaker(c.breaker, func() (map[string]float64, error) {
		return c.client.GetBulkLTP(ctx, segment, instruments)
	})
}

// GetBulkOHLC wraps the underlying provider call with the circuit breaker.
func (c *CircuitBreakerClient) GetBulkOHLC(ctx context.Context, segment string, instruments []string) (map[string]OHLC, error) {
	return execBreaker(c.breaker, func() (map[string]OHLC, error) {
		return c.client.GetBulkOHLC(ctx, segment, instruments)
	})
}

// GetExpiries wraps the underlying provider call with the circuit breaker.
func (c *CircuitBreakerClient) GetExpiries(ctx context.Context, underlying string, month time.Time) ([]string, error) {
	return execBreaker(c.breaker, func() ([]string, error) {
		return c.client.GetExpiries(ctx, underlying, month)
	})
}

// GetOptionChain wraps the underlying provider call with the circuit breaker.
func (c *CircuitBreakerClient) GetOptionChain(ctx context.Context, underlying, expiry string) ([]OptionStrike, error) {
	return execBreaker(c.breaker, func() ([]OptionStrike, error) {
		return c.client.GetOptionChain(ctx, underlying, expiry)
	})
}

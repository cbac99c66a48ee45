// Package breaker wraps outbound calls to flaky dependencies in a circuit
// breaker so a dead broker does not stall request handling.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker/v2"
)

// ErrOpen is returned when the breaker rejects a call without running it.
var ErrOpen = gobreaker.ErrOpenState

// ErrTooManyRequests is returned in the half-open state once MaxRequests
// probes are in flight.
var ErrTooManyRequests = gobreaker.ErrTooManyRequests

// Config holds configuration for the circuit breaker.
type Config struct {
	// Name identifies this breaker in metrics and logs.
	Name string

	// MaxRequests is the number of probes allowed while half-open.
	MaxRequests uint32

	// Interval is the cyclic period of the closed state for clearing counts.
	// 0 means counts are never cleared while closed.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	// FailureRatio trips the breaker once failures/requests reaches it.
	FailureRatio float64

	// MinRequests is the number of requests needed before the ratio counts.
	MinRequests uint32
}

// DefaultConfig returns the settings used for the audit publisher.
func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  5,
	}
}

var (
	stateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	rejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_rejected_total",
			Help: "Calls rejected without running because the breaker was open",
		},
		[]string{"name"},
	)
)

func stateToFloat(state gobreaker.State) float64 {
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

// Breaker guards calls to a single dependency.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker[struct{}]
	name   string
	logger *slog.Logger
}

// New creates a breaker. Context cancellation by the caller is not counted
// as a dependency failure.
func New(cfg Config, logger *slog.Logger) *Breaker {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			stateGauge.WithLabelValues(name).Set(stateToFloat(to))
		},
	}

	stateGauge.WithLabelValues(cfg.Name).Set(0)

	return &Breaker{
		cb:     gobreaker.NewCircuitBreaker[struct{}](settings),
		name:   cfg.Name,
		logger: logger,
	}
}

// Do runs fn through the breaker. When the breaker is open fn is not called
// and ErrOpen is returned.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	if errors.Is(err, ErrOpen) || errors.Is(err, ErrTooManyRequests) {
		rejectedTotal.WithLabelValues(b.name).Inc()
	}
	return err
}

// State returns the current state of the breaker.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

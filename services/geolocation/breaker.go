package geolocation

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rudderlabs/rudder-go-kit/logger"
)

type BreakerOpt func(*breakerConfig)

type breakerConfig struct {
	maxRequests         int
	timeout             time.Duration
	consecutiveFailures int
	logger              logger.Logger
}

func WithBreakerMaxRequests(maxRequests int) BreakerOpt {
	return func(cfg *breakerConfig) {
		cfg.maxRequests = maxRequests
	}
}

func WithBreakerTimeout(timeout time.Duration) BreakerOpt {
	return func(cfg *breakerConfig) {
		cfg.timeout = timeout
	}
}

func WithBreakerConsecutiveFailures(consecutiveFailures int) BreakerOpt {
	return func(cfg *breakerConfig) {
		cfg.consecutiveFailures = consecutiveFailures
	}
}

func WithBreakerLogger(log logger.Logger) BreakerOpt {
	return func(cfg *breakerConfig) {
		cfg.logger = log
	}
}

// Breaker decorates a Locator so that lookups fail fast with ErrCircuitOpen
// after a run of consecutive provider failures.
type Breaker struct {
	delegate Locator
	cb       *gobreaker.CircuitBreaker
}

func NewBreaker(name string, delegate Locator, opts ...BreakerOpt) *Breaker {
	cfg := &breakerConfig{
		maxRequests:         1,
		timeout:             30 * time.Second,
		consecutiveFailures: 5,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Breaker{
		delegate: delegate,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: uint32(cfg.maxRequests), // requests let through while half-open
			Interval:    0,                       // never reset counts while closed
			Timeout:     cfg.timeout,             // open -> half-open
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(cfg.consecutiveFailures)
			},
			IsSuccessful: func(err error) bool {
				// a missing record is an answer, not a provider failure
				return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrBogon) || errors.Is(err, ErrInvalidIP)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				if cfg.logger != nil {
					cfg.logger.Infon("circuit breaker state changed",
						logger.NewStringField("name", name),
						logger.NewStringField("from", from.String()),
						logger.NewStringField("to", to.String()),
					)
				}
			},
		}),
	}
}

func (b *Breaker) Locate(ctx context.Context, ip string) (Location, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.delegate.Locate(ctx, ip)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Location{}, ErrCircuitOpen
	}
	if err != nil {
		return Location{}, err
	}
	return res.(Location), nil
}

// IsOpen reports whether lookups are currently short-circuited.
func (b *Breaker) IsOpen() bool {
	return b.cb.State() == gobreaker.StateOpen
}

package aladdin

import (
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerConfig configures the circuit breaker around REST calls.
type BreakerConfig struct {
	// MaxConsecutiveFailures is the number of consecutive failures before opening
	MaxConsecutiveFailures uint32
	// Timeout is how long the breaker stays open before letting a trial request through
	Timeout time.Duration
}

// DefaultBreakerConfig returns the defaults used by NewClient.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxConsecutiveFailures: 5,
		Timeout:                30 * time.Second,
	}
}

func newBreaker(cfg BreakerConfig, logger *zap.Logger) *gobreaker.CircuitBreaker {
	if cfg.MaxConsecutiveFailures == 0 {
		cfg = DefaultBreakerConfig()
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "AladdinCloud",
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxConsecutiveFailures
		},
		// Rejected credentials and unknown doors are answers, not outages.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrDoorNotFound) || errors.Is(err, ErrNotLoggedIn)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

// wrapBreakerError converts breaker rejections into ErrUnavailable.
func wrapBreakerError(err error, timeout time.Duration) error {
	if errors.Is(err, gobreaker.ErrOpenState) {
		return fmt.Errorf("%w: retrying after %v", ErrUnavailable, timeout)
	}
	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: recovery request in flight", ErrUnavailable)
	}
	return err
}

package bybit

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/perpscan/perpscan/internal/metrics"
)

// BreakerConfig tunes the REST circuit breaker.
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker open.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before half-open.
	OpenTimeout time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		OpenTimeout:         60 * time.Second,
	}
}

// newBreaker builds a gobreaker with a consecutive-failure trip condition,
// logging state transitions.
func newBreaker(name string, cfg BreakerConfig) *gobreaker.CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // half-open admits one trial request
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				metrics.BreakerOpens.Inc()
			}
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
		IsSuccessful: func(err error) bool {
			// API semantic errors don't indicate exchange unavailability,
			// so they must not accumulate toward a trip.
			if err == nil {
				return true
			}
			var apiErr *APIError
			return errors.As(err, &apiErr) || errors.Is(err, ErrDelisted)
		},
	}
	return gobreaker.NewCircuitBreaker(settings)
}

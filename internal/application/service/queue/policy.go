package queue

import (
	"math"
	"time"

	"optcore/internal/domain/entity/command"
)

// Policy decides how a failed attempt of a given error class is handled.
type Policy struct {
	Retryable   bool
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

// Exponential backs off base × 2^attempt.
func Exponential(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 0 {
			attempt = 0
		}
		return time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	}
}

// Fixed always waits d.
func Fixed(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}

// DefaultPolicies is the retry table keyed by error class.
func DefaultPolicies() map[command.ErrorClass]Policy {
	return map[command.ErrorClass]Policy{
		command.ErrorNetworkTimeout: {Retryable: true, MaxAttempts: 3, Backoff: Exponential(time.Second)},
		command.ErrorRateLimit:      {Retryable: true, MaxAttempts: 5, Backoff: Fixed(time.Second)},
		command.ErrorBrokerReject:   {Retryable: false, MaxAttempts: 1},
		command.ErrorValidation:     {Retryable: false, MaxAttempts: 1},
		command.ErrorUnknown:        {Retryable: true, MaxAttempts: 2, Backoff: Fixed(5 * time.Second)},
	}
}

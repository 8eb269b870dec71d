package repositories

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryPolicy governs retried database operations for the scheduled jobs.
type RetryPolicy struct {
	Attempts    int
	BaseDelay   time.Duration
	Exponential bool
}

// DefaultRetryPolicy is 3 attempts with 5s exponential backoff.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, BaseDelay: 5 * time.Second, Exponential: true}

// WithRetry runs fn up to p.Attempts times, backing off between attempts.
// Returns the last error when all attempts fail.
func WithRetry(ctx context.Context, p RetryPolicy, op string, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	delay := p.BaseDelay
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}

		if i == attempts-1 {
			break
		}

		log.Warn().Err(err).Str("operation", op).Int("attempt", i+1).Dur("backoff", delay).
			Msg("Database operation failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		if p.Exponential {
			delay *= 2
		}
	}

	return err
}

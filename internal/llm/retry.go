package llm

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy retries decision-type calls with exponential backoff.
type RetryPolicy struct {
	MaxRetries     int           // retries after the first attempt
	InitialBackoff time.Duration // wait before the first retry
	Multiplier     float64       // backoff growth per retry
	Logger         *zap.Logger
}

// DefaultRetryPolicy is two retries starting at one second, doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, InitialBackoff: time.Second, Multiplier: 2}
}

// Do calls fn until it succeeds, the retries are spent, or the error is not
// worth retrying (context errors, an open circuit). It returns the last error.
func (p RetryPolicy) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	backoff := p.InitialBackoff

	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !retryable(ctx, err) || attempt >= p.MaxRetries {
			return err
		}
		logger.Debug("retrying llm call",
			zap.String("call", name),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		if backoff > 0 {
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		backoff = time.Duration(float64(backoff) * mult)
	}
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, ErrCircuitOpen)
}

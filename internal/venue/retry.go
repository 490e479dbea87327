package venue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds the retries of a conflicting transaction.
// Delays grow exponentially from BaseDelay up to MaxDelay, with jitter.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is used when a StoreConfig leaves Retry empty.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   10 * time.Millisecond,
	MaxDelay:    200 * time.Millisecond,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p == (RetryPolicy{}) {
		return DefaultRetryPolicy
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// conflictError marks an attempt that lost a race and may be retried.
type conflictError struct {
	cause error
}

func (e *conflictError) Error() string {
	return "conflict: " + e.cause.Error()
}

func (e *conflictError) Unwrap() error {
	return e.cause
}

func conflict(cause error) error {
	return &conflictError{cause: cause}
}

// errStaleRead is the conflict cause used by the compare-and-swap stores.
var errStaleRead = errors.New("record changed since read")

// newBackOff builds the exponential schedule of the policy. Each delay is
// randomized by half its value around the current interval.
func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         p.MaxDelay,
	}
}

// do runs attempt until it succeeds, fails with a non-conflict error, or the
// attempt budget is spent. Exhaustion is reported as ErrTransactionConflict.
func (p RetryPolicy) do(ctx context.Context, logger *slog.Logger, op string, attempt func() error) error {
	tries := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		tries++
		err := attempt()
		var c *conflictError
		if err != nil && !errors.As(err, &c) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, delay time.Duration) {
			logger.Debug("retrying conflicting transaction",
				slog.String("op", op),
				slog.Int("attempt", tries),
				slog.Duration("delay", delay),
				slog.String("cause", err.Error()))
		}),
	)
	if err == nil {
		return nil
	}

	var last *conflictError
	if !errors.As(err, &last) {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return fmt.Errorf("%s: %w", op, err)
		}
		return err
	}

	logger.Warn("transaction retries exhausted",
		slog.String("op", op),
		slog.Int("attempts", tries),
		slog.String("cause", last.cause.Error()))
	return fmt.Errorf("%w: %s failed after %d attempts: %w", ErrTransactionConflict, op, tries, last.cause)
}

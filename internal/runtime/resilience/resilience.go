package resilience

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"

	errspkg "github.com/drblury/fleetgate/internal/runtime/errors"
	"github.com/drblury/fleetgate/internal/runtime/logging"
)

// Policy bounds the retries of one logical call.
type Policy struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int
	// BaseDelay is the wait before the first retry. It doubles per attempt.
	BaseDelay time.Duration
	// MaxDelay caps the wait between attempts. Zero means uncapped.
	MaxDelay time.Duration
	// RetryTimeouts makes timed-out attempts retryable. They then consume
	// MaxRetries like any transport failure.
	RetryTimeouts bool
}

// DefaultPolicy mirrors the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 2, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// NoRetry performs a single attempt.
func NoRetry() Policy { return Policy{} }

// Attempts returns the total number of attempts the policy allows.
func (p Policy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Delay returns min(BaseDelay*2^attempt, MaxDelay), the wait after the
// zero-based attempt that just failed.
func (p Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 || attempt < 0 {
		return 0
	}
	maxDelay := p.maxDelay()
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if d >= float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(d)
}

func (p Policy) maxDelay() time.Duration {
	if p.MaxDelay <= 0 {
		return time.Duration(math.MaxInt64)
	}
	return p.MaxDelay
}

// BackOff returns an un-jittered exponential backoff producing Delay(0),
// Delay(1), ... in sequence.
func (p Policy) BackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = p.maxDelay()
	if p.BaseDelay <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b.Reset()
	return b
}

// Retryable reports whether err may be retried under p.
func (p Policy) Retryable(err error) bool {
	return errspkg.Retryable(err, p.RetryTimeouts)
}

// RetryFunc observes a failed attempt that will be retried after delay.
type RetryFunc func(attempt int, err error, delay time.Duration)

type options struct {
	logger  logging.ServiceLogger
	onRetry RetryFunc
}

// Option customises Do.
type Option func(*options)

// WithLogger logs every scheduled retry.
func WithLogger(logger logging.ServiceLogger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithOnRetry registers a callback invoked before each retry sleep.
func WithOnRetry(fn RetryFunc) Option {
	return func(o *options) { o.onRetry = fn }
}

// Do runs op until it succeeds, fails with a non-retryable error or the
// policy's attempts are exhausted. attempt is zero-based. The last error is
// returned unchanged; non-retryable errors are returned after one attempt.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context, attempt int) (T, error), opts ...Option) (T, error) {
	o := options{logger: logging.NewNopServiceLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	var (
		attempt int
		lastErr error
	)
	operation := func() (T, error) {
		current := attempt
		attempt++
		res, err := op(ctx, current)
		lastErr = err
		if err != nil && !p.Retryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(p.BackOff()),
		backoff.WithMaxTries(uint(p.Attempts())),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			failed := attempt - 1
			o.logger.Debug("Retrying call", logging.LogFields{
				"attempt":     failed + 1,
				"max_retries": p.MaxRetries,
				"delay":       next.String(),
				"error":       err.Error(),
			})
			if o.onRetry != nil {
				o.onRetry(failed, err, next)
			}
		}),
	)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		// A caller deadline expiring during a backoff sleep reports the
		// last attempt's error. Explicit cancellation stays context.Canceled.
		if lastErr != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && errors.Is(err, context.DeadlineExceeded) {
			err = lastErr
		}
	}
	return res, err
}

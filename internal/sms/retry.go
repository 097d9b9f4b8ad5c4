package sms

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 10 * time.Second
)

// RetryPolicy runs a single send with bounded attempts and exponential
// backoff between them. It holds no mutable state and is safe to share
// between goroutines.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// AttemptTimeout bounds each individual attempt. Zero means no bound
	// beyond ctx.
	AttemptTimeout time.Duration
	// NewTimer returns the timer used for the waits between attempts. Nil
	// uses real time.
	NewTimer func() backoff.Timer
	// OnRetry is called before each wait with the error that caused it.
	OnRetry func(attempt int, err error, wait time.Duration)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = DefaultBaseDelay
	}
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	return backoff.WithMaxRetries(b, uint64(attempts-1))
}

// Do calls send until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. It returns the result, the number of attempts
// made and the last error observed.
func (p RetryPolicy) Do(ctx context.Context, send func(ctx context.Context) (SendResult, error)) (SendResult, int, error) {
	var (
		result   SendResult
		attempts int
	)

	op := func() error {
		attempts++
		attemptCtx := ctx
		if p.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
			defer cancel()
		}
		res, err := send(attemptCtx)
		if err != nil {
			if !IsRetryable(err) {
				var perm *backoff.PermanentError
				if errors.As(err, &perm) {
					return err
				}
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}

	notify := func(err error, wait time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempts, err, wait)
		}
	}

	var timer backoff.Timer
	if p.NewTimer != nil {
		timer = p.NewTimer()
	}

	err := backoff.RetryNotifyWithTimer(op, backoff.WithContext(p.backOff(), ctx), notify, timer)
	if err != nil {
		return SendResult{}, attempts, err
	}
	return result, attempts, nil
}

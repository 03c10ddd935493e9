package metaminer

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RetryPolicy describes how one LLM call is attempted: how many retries,
// the exponential backoff schedule and the per-attempt timeout.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
	Timeout    time.Duration
	Sleep      func(ctx context.Context, d time.Duration) error
	Retryable  func(err error) bool
	// Gate, when set, runs before every attempt with the caller's context;
	// its error ends Do without a further attempt.
	Gate func(ctx context.Context) error
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func defaultRetryable(err error) bool { return !IsPermanent(err) }

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func retryPolicyFrom(o Options) RetryPolicy {
	return RetryPolicy{
		MaxRetries: o.MaxRetries,
		Backoff:    o.Backoff,
		MaxBackoff: o.MaxBackoff,
		Timeout:    o.Timeout,
		Sleep:      o.Sleep,
	}
}

// Delay returns the backoff before retry number n (1-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	d := p.Backoff
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Do runs call until it succeeds, fails permanently, retries are exhausted
// or ctx is done. Each attempt gets its own timeout derived from a context
// that ignores ctx cancellation, so an attempt already in flight finishes
// or times out on its own. It returns the number of attempts made.
func (p RetryPolicy) Do(ctx context.Context, log *slog.Logger, call func(ctx context.Context) error) (int, error) {
	if log == nil {
		log = slog.Default()
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = defaultRetryable
	}

	maxRetries := max(p.MaxRetries, 0)
	var err error
	attempt := 0
	for attempt <= maxRetries {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				err = ctxErr
			}
			return attempt, err
		}
		if p.Gate != nil {
			if gateErr := p.Gate(ctx); gateErr != nil {
				if err == nil {
					err = gateErr
				}
				return attempt, err
			}
		}
		attempt++
		err = p.attempt(ctx, call)
		if err == nil {
			if attempt > 1 {
				log.Debug("Attempt succeeded", "attempt", attempt)
			}
			return attempt, nil
		}
		if !retryable(err) || attempt > maxRetries {
			log.Debug("Final attempt failed", "attempt", attempt, "error", err)
			return attempt, err
		}
		delay := p.Delay(attempt)
		log.Debug("Attempt failed, retrying", "attempt", attempt, "error", err, "delay", delay)
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return attempt, err
		}
	}
	return attempt, err
}

func (p RetryPolicy) attempt(ctx context.Context, call func(ctx context.Context) error) error {
	callCtx := context.WithoutCancel(ctx)
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, p.Timeout)
		defer cancel()
	}
	return call(callCtx)
}

package metaminer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{Backoff: time.Second, MaxBackoff: 5 * time.Second}

	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4))
	assert.Equal(t, 5*time.Second, p.Delay(30))

	uncapped := RetryPolicy{Backoff: 100 * time.Millisecond}
	assert.Equal(t, 800*time.Millisecond, uncapped.Delay(4))
}

func TestRetryPolicy_Do(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		rec := &sleepRecorder{}
		p := RetryPolicy{MaxRetries: 3, Backoff: time.Second, Sleep: rec.sleep}

		calls := 0
		attempts, err := p.Do(ctx, nil, func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("503")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.delays)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		rec := &sleepRecorder{}
		p := RetryPolicy{MaxRetries: 2, Sleep: rec.sleep}
		last := errors.New("still down")

		attempts, err := p.Do(ctx, nil, func(context.Context) error { return last })
		assert.Equal(t, 3, attempts)
		assert.ErrorIs(t, err, last)
		assert.Len(t, rec.delays, 2)
	})

	t.Run("no retries configured", func(t *testing.T) {
		p := RetryPolicy{Sleep: noSleep}
		attempts, err := p.Do(ctx, nil, func(context.Context) error { return errors.New("x") })
		assert.Equal(t, 1, attempts)
		assert.Error(t, err)
	})

	t.Run("permanent error stops retrying", func(t *testing.T) {
		p := RetryPolicy{MaxRetries: 5, Sleep: noSleep}
		cause := errors.New("unauthorized")

		attempts, err := p.Do(ctx, nil, func(context.Context) error { return Permanent(cause) })
		assert.Equal(t, 1, attempts)
		assert.ErrorIs(t, err, cause)
		assert.True(t, IsPermanent(err))
	})

	t.Run("custom retryable", func(t *testing.T) {
		p := RetryPolicy{MaxRetries: 5, Sleep: noSleep, Retryable: func(error) bool { return false }}
		attempts, _ := p.Do(ctx, nil, func(context.Context) error { return errors.New("x") })
		assert.Equal(t, 1, attempts)
	})

	t.Run("gate runs before every attempt", func(t *testing.T) {
		gates := 0
		p := RetryPolicy{MaxRetries: 2, Sleep: noSleep, Gate: func(context.Context) error {
			gates++
			return nil
		}}
		attempts, _ := p.Do(ctx, nil, func(context.Context) error { return errors.New("x") })
		assert.Equal(t, 3, attempts)
		assert.Equal(t, 3, gates)
	})

	t.Run("gate error ends without calling", func(t *testing.T) {
		blocked := errors.New("rate limited")
		p := RetryPolicy{MaxRetries: 2, Gate: func(context.Context) error { return blocked }}
		called := false
		attempts, err := p.Do(ctx, nil, func(context.Context) error {
			called = true
			return nil
		})
		assert.Equal(t, 0, attempts)
		assert.ErrorIs(t, err, blocked)
		assert.False(t, called)
	})

	t.Run("attempt outlives caller cancellation", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		p := RetryPolicy{MaxRetries: 3, Sleep: noSleep}

		attempts, err := p.Do(cctx, nil, func(callCtx context.Context) error {
			cancel()
			return callCtx.Err()
		})
		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("cancellation stops further attempts", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		p := RetryPolicy{MaxRetries: 3, Sleep: SleepContext, Backoff: time.Hour}
		failure := errors.New("boom")

		attempts, err := p.Do(cctx, nil, func(context.Context) error {
			cancel()
			return failure
		})
		assert.Equal(t, 1, attempts)
		assert.ErrorIs(t, err, failure)
	})

	t.Run("per attempt timeout", func(t *testing.T) {
		p := RetryPolicy{Timeout: 10 * time.Millisecond}
		_, err := p.Do(ctx, nil, func(callCtx context.Context) error {
			<-callCtx.Done()
			return callCtx.Err()
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	assert.False(t, IsPermanent(errors.New("x")))

	cause := errors.New("bad request")
	err := Permanent(cause)
	assert.Equal(t, "bad request", err.Error())
	assert.True(t, errors.Is(err, cause))
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, SleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
}

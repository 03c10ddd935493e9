package metaminer

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source of the rate limiter.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SlidingWindowLimiter admits at most limit events in any rolling window.
// It keeps the timestamps of admitted events; all mutation happens under mu.
type SlidingWindowLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	stamps []time.Time // admitted events, oldest first
	clock  Clock
}

// NewSlidingWindowLimiter returns a limiter for limit events per window.
// A limit <= 0 disables limiting.
func NewSlidingWindowLimiter(limit int, window time.Duration, clock Clock) *SlidingWindowLimiter {
	if clock == nil {
		clock = realClock{}
	}
	return &SlidingWindowLimiter{
		limit:  limit,
		window: window,
		clock:  clock,
		stamps: make([]time.Time, 0, max(limit, 0)),
	}
}

// Wait blocks until an event can be admitted inside the window, then
// records it. It returns ctx.Err() if ctx is done first.
func (l *SlidingWindowLimiter) Wait(ctx context.Context) error {
	if l == nil || l.limit <= 0 {
		return ctx.Err()
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, wait := l.reserve()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(wait):
		}
	}
}

// Allow admits an event if the window has room, without blocking.
func (l *SlidingWindowLimiter) Allow() bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	ok, _ := l.reserve()
	return ok
}

// InWindow returns the number of admitted events still inside the window.
func (l *SlidingWindowLimiter) InWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.clock.Now())
	return len(l.stamps)
}

// reserve records an event if there is room, otherwise reports how long
// until the oldest admitted event leaves the window.
func (l *SlidingWindowLimiter) reserve() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	l.prune(now)
	if len(l.stamps) < l.limit {
		l.stamps = append(l.stamps, now)
		return true, 0
	}
	wait := l.window - now.Sub(l.stamps[0])
	if wait <= 0 {
		wait = time.Millisecond
	}
	return false, wait
}

func (l *SlidingWindowLimiter) prune(now time.Time) {
	i := 0
	for i < len(l.stamps) && now.Sub(l.stamps[i]) >= l.window {
		i++
	}
	if i > 0 {
		n := copy(l.stamps, l.stamps[i:])
		l.stamps = l.stamps[:n]
	}
}

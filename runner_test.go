package metaminer

import (
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewUnitRunner(t *testing.T) {
	runner := NewUnitRunner(4)
	if runner == nil {
		t.Fatal("NewUnitRunner returned nil")
	}
	r, ok := runner.(*poolRunner)
	if !ok {
		t.Fatalf("NewUnitRunner should return *poolRunner, got %T", runner)
	}
	if r.Limit() != 4 {
		t.Errorf("Expected limit 4, got %d", r.Limit())
	}

	for _, limit := range []int{0, -3} {
		if got := newPoolRunner(limit).Limit(); got != 1 {
			t.Errorf("limit %d: expected 1, got %d", limit, got)
		}
	}
}

func TestUnitRunner_Go_Success(t *testing.T) {
	runner := NewUnitRunner(2)

	var counter int32
	for i := 0; i < 5; i++ {
		runner.Go(func() error {
			atomic.AddInt32(&counter, 1)
			return nil
		})
	}

	if err := runner.Wait(); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if atomic.LoadInt32(&counter) != 5 {
		t.Errorf("Expected counter to be 5, got %d", atomic.LoadInt32(&counter))
	}
}

func TestUnitRunner_Go_WithError(t *testing.T) {
	runner := NewUnitRunner(2)
	expectedErr := errors.New("test error")

	var finished int32
	runner.Go(func() error {
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&finished, 1)
		return nil
	})
	runner.Go(func() error {
		return expectedErr
	})

	if err := runner.Wait(); err != expectedErr {
		t.Errorf("Expected %v, got %v", expectedErr, err)
	}
	if atomic.LoadInt32(&finished) != 1 {
		t.Error("a failing task should not stop its siblings")
	}
}

func TestUnitRunner_EmptyRunner(t *testing.T) {
	runner := NewUnitRunner(1)
	if err := runner.Wait(); err != nil {
		t.Errorf("Expected no error for empty runner, got %v", err)
	}
}

func TestUnitRunner_BoundsConcurrency(t *testing.T) {
	const limit = 3
	runner := NewUnitRunner(limit)

	var inFlight, peak int32
	for i := 0; i < 20; i++ {
		runner.Go(func() error {
			cur := atomic.AddInt32(&inFlight, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if cur <= p || atomic.CompareAndSwapInt32(&peak, p, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return nil
		})
	}

	if err := runner.Wait(); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if p := atomic.LoadInt32(&peak); p > limit {
		t.Errorf("Expected at most %d concurrent tasks, saw %d", limit, p)
	}
}

func TestUnitRunner_RecoversPanic(t *testing.T) {
	runner := NewUnitRunner(2)

	var finished int32
	runner.Go(func() error { panic("boom") })
	runner.Go(func() error {
		atomic.AddInt32(&finished, 1)
		return nil
	})

	err := runner.Wait()
	if !errors.Is(err, ErrUnitPanic) {
		t.Fatalf("Expected ErrUnitPanic, got %v", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("Expected panic value in error, got %q", err)
	}
	if atomic.LoadInt32(&finished) != 1 {
		t.Error("sibling task did not run")
	}
}

func BenchmarkUnitRunner(b *testing.B) {
	b.Run("Sequential", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			runner := NewUnitRunner(1)
			runner.Go(func() error { return nil })
			_ = runner.Wait()
		}
	})

	b.Run("Concurrent", func(b *testing.B) {
		runner := NewUnitRunner(8)
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			runner.Go(func() error { return nil })
		}
		_ = runner.Wait()
	})
}

package metaminer

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// ScriptedInvoker is an in-memory Invoker for tests. Respond receives the
// 1-based call number and the prompt; Delay simulates latency.
type ScriptedInvoker struct {
	Respond func(ctx context.Context, call int, prompt string) ([]byte, error)
	Delay   time.Duration

	mu          sync.Mutex
	prompts     []string
	calls       atomic.Int64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func (s *ScriptedInvoker) Generate(ctx context.Context, model Model, prompt string, opts ...GenerateOption) ([]byte, error) {
	n := s.calls.Add(1)
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()

	cur := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		peak := s.maxInFlight.Load()
		if cur <= peak || s.maxInFlight.CompareAndSwap(peak, cur) {
			break
		}
	}

	if s.Delay > 0 {
		if err := SleepContext(ctx, s.Delay); err != nil {
			return nil, err
		}
	}
	if s.Respond == nil {
		return []byte("{}"), nil
	}
	return s.Respond(ctx, int(n), prompt)
}

// Calls reports how many times Generate ran.
func (s *ScriptedInvoker) Calls() int { return int(s.calls.Load()) }

// MaxInFlight reports the highest number of concurrent Generate calls seen.
func (s *ScriptedInvoker) MaxInFlight() int { return int(s.maxInFlight.Load()) }

// Prompts returns the prompts received so far, in arrival order.
func (s *ScriptedInvoker) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

// StaticResponse answers every call with obj encoded as JSON.
func StaticResponse(obj map[string]any) func(context.Context, int, string) ([]byte, error) {
	b, err := json.Marshal(obj)
	return func(context.Context, int, string) ([]byte, error) {
		return b, err
	}
}

// NewForTesting creates an Inquiry whose model always answers response,
// with no backoff between retries.
func NewForTesting(schema *Schema, response map[string]any, optFns ...func(*Options)) (*Inquiry, *ScriptedInvoker, error) {
	inv := &ScriptedInvoker{Respond: StaticResponse(response)}
	base := []func(*Options){
		WithModel("test-model"),
		WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	}
	q, err := NewInquiry(schema, inv, append(base, optFns...)...)
	return q, inv, err
}

package metaminer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock jumps forward by the requested duration whenever After is called.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.waits = append(c.waits, d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

var docIDRe = regexp.MustCompile(`doc-\d+`)

// echoAuthor answers with the doc-N marker found in the prompt.
func echoAuthor(_ context.Context, _ int, prompt string) ([]byte, error) {
	return []byte(fmt.Sprintf(`{"author": %q}`, docIDRe.FindString(prompt))), nil
}

func newTestOrchestrator(t *testing.T, inv Invoker, optFns ...func(*Options)) *Orchestrator {
	t.Helper()
	qs, err := NormalizeRows([]QuestionRow{{Question: "Who is the author?", FieldName: "author"}})
	require.NoError(t, err)
	schema, err := BuildSchema(qs)
	require.NoError(t, err)

	opts := append([]func(*Options){WithModel("test-model"), WithRetry(1, 0), WithSleep(noSleep)}, optFns...)
	engine, err := NewEngine(schema, inv, opts...)
	require.NoError(t, err)
	return NewOrchestrator(engine, opts...)
}

func textUnits(n int) []ExtractionUnit {
	units := make([]ExtractionUnit, n)
	for i := range units {
		units[i] = TextUnit(fmt.Sprintf("unit-%d", i), fmt.Sprintf("Document doc-%d body", i))
	}
	return units
}

func TestOrchestrator_Run(t *testing.T) {
	ctx := context.Background()

	t.Run("results keep input order", func(t *testing.T) {
		inv := &ScriptedInvoker{Respond: func(ctx context.Context, call int, prompt string) ([]byte, error) {
			// later calls finish first
			if err := SleepContext(ctx, time.Duration(10-call%10)*time.Millisecond); err != nil {
				return nil, err
			}
			return echoAuthor(ctx, call, prompt)
		}}
		o := newTestOrchestrator(t, inv, WithConcurrency(4))

		results := o.Run(ctx, textUnits(10))
		require.Len(t, results, 10)
		for i, res := range results {
			assert.Equal(t, fmt.Sprintf("unit-%d", i), res.SourceID)
			assert.Equal(t, StatusOK, res.Status)
			assert.Equal(t, fmt.Sprintf("doc-%d", i), res.Fields["author"])
		}
	})

	t.Run("failures are isolated", func(t *testing.T) {
		inv := &ScriptedInvoker{Respond: func(ctx context.Context, call int, prompt string) ([]byte, error) {
			if docIDRe.FindString(prompt) == "doc-2" {
				return nil, Permanent(errors.New("model rejected the request"))
			}
			return echoAuthor(ctx, call, prompt)
		}}
		o := newTestOrchestrator(t, inv, WithConcurrency(3))

		results := o.Run(ctx, textUnits(5))
		require.Len(t, results, 5)
		for i, res := range results {
			if i == 2 {
				assert.Equal(t, StatusFailed, res.Status)
				assert.Equal(t, KindCallFailure, res.ErrorKind())
				assert.Nil(t, res.Fields["author"])
				continue
			}
			assert.Equal(t, StatusOK, res.Status)
			assert.Equal(t, fmt.Sprintf("doc-%d", i), res.Fields["author"])
		}

		s := Summarize(results)
		assert.Equal(t, RunSummary{OK: 4, Failed: 1}, s)
	})

	t.Run("concurrency bound", func(t *testing.T) {
		inv := &ScriptedInvoker{Respond: echoAuthor, Delay: 10 * time.Millisecond}
		o := newTestOrchestrator(t, inv, WithConcurrency(3))

		results := o.Run(ctx, textUnits(12))
		require.Len(t, results, 12)
		assert.Equal(t, 12, inv.Calls())
		assert.LessOrEqual(t, inv.MaxInFlight(), 3)
		assert.GreaterOrEqual(t, inv.MaxInFlight(), 1)
	})

	t.Run("batches cover every unit", func(t *testing.T) {
		inv := &ScriptedInvoker{Respond: echoAuthor}
		o := newTestOrchestrator(t, inv, WithConcurrency(2), WithBatchSize(2))

		results := o.Run(ctx, textUnits(5))
		require.Len(t, results, 5)
		for i, res := range results {
			assert.Equal(t, fmt.Sprintf("doc-%d", i), res.Fields["author"])
		}
	})

	t.Run("rate limit window", func(t *testing.T) {
		clock := newFakeClock()
		var (
			mu    sync.Mutex
			stamp []time.Time
		)
		inv := &ScriptedInvoker{Respond: func(ctx context.Context, call int, prompt string) ([]byte, error) {
			mu.Lock()
			stamp = append(stamp, clock.Now())
			mu.Unlock()
			return echoAuthor(ctx, call, prompt)
		}}
		o := newTestOrchestrator(t, inv, WithConcurrency(1), WithRateLimit(2), WithClock(clock))

		results := o.Run(ctx, textUnits(5))
		require.Len(t, results, 5)
		require.Len(t, stamp, 5)

		for i := range stamp {
			inWindow := 0
			for j := range stamp {
				if !stamp[j].Before(stamp[i]) && stamp[j].Sub(stamp[i]) < time.Minute {
					inWindow++
				}
			}
			assert.LessOrEqual(t, inWindow, 2, "calls within a minute of call %d", i)
		}
		assert.GreaterOrEqual(t, stamp[4].Sub(stamp[0]), 2*time.Minute)
	})

	t.Run("cancelled before start", func(t *testing.T) {
		inv := &ScriptedInvoker{Respond: echoAuthor}
		o := newTestOrchestrator(t, inv, WithConcurrency(2))

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		results := o.Run(cctx, textUnits(3))
		require.Len(t, results, 3)
		for i, res := range results {
			assert.Equal(t, fmt.Sprintf("unit-%d", i), res.SourceID)
			assert.Equal(t, StatusFailed, res.Status)
			assert.Equal(t, KindCanceled, res.ErrorKind())
		}
		assert.Equal(t, 0, inv.Calls())
	})

	t.Run("cancelled mid run", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		defer cancel()
		inv := &ScriptedInvoker{Respond: func(ctx context.Context, call int, prompt string) ([]byte, error) {
			cancel()
			return echoAuthor(ctx, call, prompt)
		}}
		o := newTestOrchestrator(t, inv, WithConcurrency(1))

		results := o.Run(cctx, textUnits(4))
		require.Len(t, results, 4)
		assert.Equal(t, 1, inv.Calls())

		s := Summarize(results)
		assert.Equal(t, 1, s.OK, "the call in flight completes")
		assert.Equal(t, 3, s.Failed)
		for _, res := range results {
			if res.Status == StatusFailed {
				assert.Equal(t, KindCanceled, res.ErrorKind())
			}
		}
	})

	t.Run("progress callback", func(t *testing.T) {
		var (
			mu   sync.Mutex
			seen []int
		)
		inv := &ScriptedInvoker{Respond: echoAuthor}
		o := newTestOrchestrator(t, inv, WithConcurrency(3), WithProgress(func(done, total int) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, 6, total)
			seen = append(seen, done)
		}))

		o.Run(ctx, textUnits(6))
		sort.Ints(seen)
		assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, seen)
	})

	t.Run("no units", func(t *testing.T) {
		o := newTestOrchestrator(t, &ScriptedInvoker{})
		assert.Empty(t, o.Run(ctx, nil))
	})
}

func TestOrchestrator_DocumentUnits(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	good := writeFile(t, dir, "memo.txt", "Memo doc-7 from the board.")
	missing := filepath.Join(dir, "absent.txt")

	inv := &ScriptedInvoker{Respond: echoAuthor}
	o := newTestOrchestrator(t, inv, WithConcurrency(2))

	results := o.Run(ctx, []ExtractionUnit{
		DocumentUnit(good),
		DocumentUnit(missing),
		{Text: "Inline doc-9", Metadata: map[string]any{"batch": "b1"}},
	})
	require.Len(t, results, 3)

	assert.Equal(t, good, results[0].SourceID)
	assert.Equal(t, StatusOK, results[0].Status)
	assert.Equal(t, "doc-7", results[0].Fields["author"])
	assert.Equal(t, "memo.txt", results[0].Metadata["_document_name"])

	assert.Equal(t, missing, results[1].SourceID)
	assert.Equal(t, StatusFailed, results[1].Status)
	assert.Equal(t, KindDocumentRead, results[1].ErrorKind())

	assert.Equal(t, "text_2", results[2].SourceID)
	assert.Equal(t, "b1", results[2].Metadata["batch"])
	assert.Equal(t, 2, inv.Calls())
}

func TestOrchestrator_PanickingUnit(t *testing.T) {
	inv := &ScriptedInvoker{Respond: func(ctx context.Context, call int, prompt string) ([]byte, error) {
		if docIDRe.FindString(prompt) == "doc-1" {
			panic("backend bug")
		}
		return echoAuthor(ctx, call, prompt)
	}}
	var progress []int
	var mu sync.Mutex
	o := newTestOrchestrator(t, inv, WithConcurrency(2), WithProgress(func(done, _ int) {
		mu.Lock()
		progress = append(progress, done)
		mu.Unlock()
	}))

	results := o.Run(context.Background(), textUnits(3))
	require.Len(t, results, 3)

	assert.Equal(t, StatusOK, results[0].Status)
	assert.Equal(t, StatusOK, results[2].Status)
	assert.Equal(t, StatusFailed, results[1].Status)
	assert.Equal(t, "unit-1", results[1].SourceID)
	assert.True(t, errors.Is(results[1].Err, ErrUnitPanic))
	assert.Contains(t, results[1].Fields, "author")
	assert.Len(t, progress, 3)
}

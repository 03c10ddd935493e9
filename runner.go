package metaminer

import (
	"errors"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
)

// ErrUnitPanic wraps a panic raised inside a Runner task.
var ErrUnitPanic = errors.New("unit panicked")

// NewUnitRunner returns a Runner that executes at most limit tasks at once.
// Go blocks while the pool is full. A panicking task is reported by Wait as
// an error wrapping ErrUnitPanic and does not stop the others.
func NewUnitRunner(limit int) Runner {
	return newPoolRunner(limit)
}

// poolRunner is backed by an errgroup.Group with a task limit.
type poolRunner struct {
	eg    errgroup.Group
	limit int
}

func newPoolRunner(limit int) *poolRunner {
	if limit <= 0 {
		limit = 1
	}
	r := &poolRunner{limit: limit}
	r.eg.SetLimit(limit)
	return r
}

func (r *poolRunner) Go(fn func() error) {
	r.eg.Go(func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("%w: %v\n%s", ErrUnitPanic, p, debug.Stack())
			}
		}()
		return fn()
	})
}

// Wait returns the first task error, if any.
func (r *poolRunner) Wait() error { return r.eg.Wait() }

func (r *poolRunner) Limit() int { return r.limit }

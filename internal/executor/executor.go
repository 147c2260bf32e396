// Package executor implements a bounded worker pool used by both the
// resolver and the check engine. It is a thin wrapper around
// golang.org/x/sync/errgroup, grounded on the teacher's own bounded
// parallel-execution helper (src/exec/exec.go's Parallel).
package executor

import (
	"context"
	"runtime"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("executor")

// DefaultLimit is the worker pool size used when the caller doesn't pick
// one explicitly - the number of logical CPUs, matching the teacher's
// "default 8" which was itself just the reference machine's core count.
func DefaultLimit() int {
	return runtime.NumCPU()
}

// A Task is a unit of work submitted to an Executor. It receives the
// executor's context so long-running probes can observe cancellation
// cooperatively; the Executor never preempts a running task.
type Task func(ctx context.Context) error

// An Executor runs Tasks on a bounded pool of goroutines.
type Executor struct {
	limit int

	mu      sync.Mutex
	started bool
	g       *errgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc

	throwOnError bool
	errsMu       sync.Mutex
	errs         *multierror.Error
}

// New creates an Executor with the given worker limit. A limit <= 0 uses
// DefaultLimit.
func New(limit int) *Executor {
	if limit <= 0 {
		limit = DefaultLimit()
	}
	e := &Executor{limit: limit, throwOnError: true}
	e.reset()
	return e
}

func (e *Executor) reset() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.limit)
	e.g = g
	e.ctx = ctx
	e.cancel = cancel
}

// SetThrowOnError controls what Wait does with task failures.
// true (the default): the first failure is captured and re-raised by Wait
// once all in-flight tasks have finished; the executor's context is
// cancelled so cooperative tasks can stop early. Tasks submitted after the
// failure still run, and see that cancelled context.
// false: every failure is accumulated and Wait returns them all combined.
func (e *Executor) SetThrowOnError(throw bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.throwOnError = throw
}

// Context returns the executor's context. It's cancelled once a task fails
// under throw-on-error semantics, letting other tasks notice and stop.
func (e *Executor) Context() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx
}

// Submit schedules task to run once a worker slot is free. Submit may
// itself be called from within a running task (reentrant fan-out).
func (e *Executor) Submit(task Task) {
	e.mu.Lock()
	g, ctx, throw := e.g, e.ctx, e.throwOnError
	e.mu.Unlock()

	g.Go(func() error {
		err := task(ctx)
		if err == nil {
			return nil
		}
		if throw {
			log.Debug("task failed, cancelling executor context: %s", err)
			return err
		}
		e.errsMu.Lock()
		e.errs = multierror.Append(e.errs, err)
		e.errsMu.Unlock()
		return nil
	})
}

// Wait blocks until every submitted task has completed, then returns the
// captured failure (throw-on-error) or the combined failures (accumulate
// mode), or nil if everything succeeded. The Executor is reset afterwards
// and can be reused for a new batch of tasks.
func (e *Executor) Wait() error {
	e.mu.Lock()
	g, cancel := e.g, e.cancel
	e.mu.Unlock()

	err := g.Wait()
	cancel()

	e.errsMu.Lock()
	accumulated := e.errs.ErrorOrNil()
	e.errs = nil
	e.errsMu.Unlock()

	e.mu.Lock()
	e.reset()
	e.mu.Unlock()

	if err != nil {
		return err
	}
	return accumulated
}

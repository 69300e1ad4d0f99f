package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/lvandermerwe/flowkit/future"
)

// state names the run's lifecycle: init, resolving the source, running
// callbacks, draining in-flight callbacks, tearing down, and done. Abort is an orthogonal flag, not a
// state, and is tracked separately on the in-flight Results.
type state int

const (
	stateInit state = iota
	stateResolving
	stateRunning
	stateDraining
	stateTeardown
	stateDone
)

// run holds all mutable state for one Run call. The semaphore.Weighted
// gates concurrency at exactly cfg.Parallel in-flight callbacks.
type run[T, V any] struct {
	mu    sync.Mutex
	state state

	cfg      Config
	callback Callback[T, V]
	teardown Teardown
	init     any

	sem      *semaphore.Weighted
	running  int
	filling  bool
	refill   bool
	iterator Iterator[T]
	iterDone bool

	results Results[V]

	fut *future.AbortableFuture[*Results[V]]
}

// Run drives callback with bounded concurrency over source, honoring cfg,
// and calls teardown (if non-nil) exactly once before finishing. It
// returns immediately with an AbortableFuture; the scheduling loop runs
// in background goroutines.
func Run[T, V any](ctx context.Context, source Source[T], callback Callback[T, V], cfg Config, teardown Teardown) *future.AbortableFuture[*Results[V]] {
	cfg = cfg.withDefaults()

	r := &run[T, V]{
		state:    stateInit,
		cfg:      cfg,
		callback: callback,
		teardown: teardown,
		sem:      semaphore.NewWeighted(int64(cfg.Parallel)),
	}

	r.fut = future.New(func(f *future.AbortableFuture[*Results[V]]) {
		f.SetAbort(func() {
			r.mu.Lock()
			r.results.Aborted = true
			r.mu.Unlock()
		})
	})

	go r.start(ctx, source)

	return r.fut
}

func (r *run[T, V]) start(ctx context.Context, source Source[T]) {
	r.mu.Lock()
	r.state = stateResolving
	r.mu.Unlock()

	if source == nil {
		r.recordError(errNilSource)
		r.mu.Lock()
		r.cfg.ContinueOnError = false
		r.mu.Unlock()
		r.teardownAndFinish(ctx)
		return
	}

	it, init, err := func() (it Iterator[T], init any, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("executor: source resolution panicked: %v", rec)
			}
		}()
		return source.resolve(ctx)
	}()

	if err != nil {
		r.recordError(fmt.Errorf("executor: source resolution failed: %w", err))
		r.mu.Lock()
		r.cfg.ContinueOnError = false
		r.mu.Unlock()
		r.teardownAndFinish(ctx)
		return
	}
	if it == nil {
		r.recordError(errNilSource)
		r.mu.Lock()
		r.cfg.ContinueOnError = false
		r.mu.Unlock()
		r.teardownAndFinish(ctx)
		return
	}

	r.mu.Lock()
	r.iterator = it
	r.init = init
	r.state = stateRunning
	r.mu.Unlock()

	r.fill(ctx)
}

// shouldContinueLocked reports whether fill may start another callback:
// not aborted, and either continuing past errors or none have occurred
// yet. Must be called with r.mu held.
func (r *run[T, V]) shouldContinueLocked() bool {
	if r.results.Aborted {
		return false
	}
	return r.cfg.ContinueOnError || len(r.results.Errors) == 0
}

// fill is the single-flight scheduling loop that keeps cfg.Parallel
// callbacks in flight. Only one goroutine executes the loop body at a
// time, guarded by r.filling; completions re-enter via fill after
// decrementing running. A re-entry that finds a pass in progress sets
// r.refill, and that pass runs once more before it ends.
func (r *run[T, V]) fill(ctx context.Context) {
	r.mu.Lock()
	if r.filling {
		r.refill = true
		r.mu.Unlock()
		return
	}
	r.filling = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.filling = false
		again := r.refill
		r.refill = false
		r.mu.Unlock()
		if again {
			r.fill(ctx)
		}
	}()

	for {
		r.mu.Lock()
		if r.iterDone || !r.shouldContinueLocked() {
			if r.state == stateRunning {
				r.state = stateDraining
			}
			running := r.running
			r.mu.Unlock()
			if running == 0 {
				r.teardownAndFinish(ctx)
			}
			return
		}
		r.mu.Unlock()

		if !r.sem.TryAcquire(1) {
			return
		}

		value, ok, err := r.iterator.Next(ctx)
		if err != nil {
			r.sem.Release(1)
			r.recordError(fmt.Errorf("executor: iterator advance failed: %w", err))
			r.mu.Lock()
			r.cfg.ContinueOnError = false
			r.iterDone = true
			r.state = stateDraining
			running := r.running
			r.mu.Unlock()
			if running == 0 {
				r.teardownAndFinish(ctx)
			}
			return
		}
		if !ok {
			r.sem.Release(1)
			r.mu.Lock()
			r.iterDone = true
			r.state = stateDraining
			running := r.running
			r.mu.Unlock()
			if running == 0 {
				r.teardownAndFinish(ctx)
			}
			return
		}

		r.mu.Lock()
		r.running++
		r.mu.Unlock()

		go r.invoke(ctx, value)
	}
}

// invoke runs one callback and its completion continuation, then
// re-enters fill.
func (r *run[T, V]) invoke(ctx context.Context, value T) {
	result, err := r.safeCall(ctx, value)

	r.sem.Release(1)

	switch {
	case err == nil:
		r.mu.Lock()
		if r.cfg.StoreOutput {
			r.results.Results = append(r.results.Results, result)
		}
		r.results.Fulfilled++
		r.running--
		r.mu.Unlock()

	case isAbortSignal(err):
		r.mu.Lock()
		r.results.Aborted = true
		r.running--
		r.mu.Unlock()

	default:
		r.recordError(err)
		r.mu.Lock()
		r.running--
		r.mu.Unlock()
	}

	r.fill(ctx)

	r.mu.Lock()
	running := r.running
	iterDone := r.iterDone
	r.mu.Unlock()
	if running == 0 && iterDone {
		r.teardownAndFinish(ctx)
	}
}

func (r *run[T, V]) safeCall(ctx context.Context, value T) (result V, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("executor: callback panicked: %v", rec)
		}
	}()
	return r.callback(ctx, value, r.init)
}

func isAbortSignal(err error) bool {
	return errors.Is(err, ErrAbort)
}

func (r *run[T, V]) recordError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cfg.MaxErrors > 0 && len(r.results.Errors) >= r.cfg.MaxErrors {
		return
	}
	r.results.Errors = append(r.results.Errors, err)
}

// teardownAndFinish runs teardown exactly once (guarded by the state
// transition into stateTeardown) and then finishes the future.
func (r *run[T, V]) teardownAndFinish(ctx context.Context) {
	r.mu.Lock()
	if r.state == stateTeardown || r.state == stateDone {
		r.mu.Unlock()
		return
	}
	r.state = stateTeardown
	teardown := r.teardown
	init := r.init
	r.mu.Unlock()

	if teardown != nil {
		if err := r.safeTeardown(ctx, teardown, init); err != nil {
			r.recordError(fmt.Errorf("executor: teardown failed: %w", err))
		}
	}

	r.mu.Lock()
	r.state = stateDone
	res := r.results
	throwOnError := r.cfg.ThrowOnError
	r.mu.Unlock()

	if throwOnError && len(res.Errors) > 0 {
		r.fut.Reject(&Error[V]{Result: &res})
		return
	}
	r.fut.Resolve(&res)
}

func (r *run[T, V]) safeTeardown(ctx context.Context, teardown Teardown, init any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("teardown panicked: %v", rec)
		}
	}()
	return teardown(ctx, init)
}

package executor

import (
	"context"
	"errors"
	"fmt"
)

// ErrAbort is the distinguished sentinel a callback throws/returns to
// signal cooperative cancellation without being recorded as an error.
var ErrAbort = errors.New("executor: abort signal")

// errNilSource is recorded as a source resolution error when a producer or
// deferred source resolves to nil.
var errNilSource = errors.New("executor: source resolved to nil")

// Config controls how a Run call schedules and reports on its work. All
// fields are optional; DefaultConfig supplies the documented defaults.
type Config struct {
	// Parallel is the target in-flight callback count. Must be >= 1.
	Parallel int

	// ContinueOnError, if false, stops starting new callbacks on the
	// first error; already-running callbacks still finish.
	ContinueOnError bool

	// StoreOutput, if true, appends every successful callback's result
	// (zero values included) to Results.Results.
	StoreOutput bool

	// ThrowOnError, if true and any errors were collected, makes the
	// future fail with an *Error wrapping the Results.
	ThrowOnError bool

	// MaxErrors caps the number of errors retained; 0 means unbounded.
	MaxErrors int
}

// DefaultConfig returns the documented defaults: Parallel=1,
// ContinueOnError=true, StoreOutput=true, ThrowOnError=true,
// MaxErrors=unbounded.
func DefaultConfig() Config {
	return Config{
		Parallel:        1,
		ContinueOnError: true,
		StoreOutput:     true,
		ThrowOnError:    true,
		MaxErrors:       0,
	}
}

func (c Config) withDefaults() Config {
	if c.Parallel <= 0 {
		c.Parallel = 1
	}
	return c
}

// Results carries a run's unordered results and errors, a fulfilled
// count, and an aborted flag.
type Results[V any] struct {
	Results   []V
	Errors    []error
	Fulfilled int
	Aborted   bool
}

// Error is the failure value of the future when ThrowOnError is true and
// errors were collected.
type Error[V any] struct {
	Result *Results[V]
}

func (e *Error[V]) Error() string {
	n := 0
	if e.Result != nil {
		n = len(e.Result.Errors)
	}
	return fmt.Sprintf("executor: completed with %d error(s)", n)
}

// Unwrap exposes the first collected error so errors.Is/As can see
// through an *Error to whatever the callback actually returned.
func (e *Error[V]) Unwrap() error {
	if e.Result == nil || len(e.Result.Errors) == 0 {
		return nil
	}
	return e.Result.Errors[0]
}

// Callback is the user-supplied work function. init is the value threaded
// from a Source built with WithInit, or nil otherwise.
type Callback[T, V any] func(ctx context.Context, value T, init any) (V, error)

// Teardown runs exactly once, after running reaches zero and the source
// is exhausted or the run has stopped early. init is the same value
// passed to Callback.
type Teardown func(ctx context.Context, init any) error

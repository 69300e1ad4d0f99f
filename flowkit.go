// Package flowkit is the library's public entrypoint: Execute runs a
// callback with bounded concurrency over a Source, and this package
// re-exports the executor types a caller needs without importing the
// executor subpackage directly.
//
// AsyncBuffer, ScalingConnectionPool, and PollingAsyncBuffer are used
// directly from their own packages (buffer, pool, polling); Execute is
// the one operation that warranted a root-level wrapper, since it is the
// library's primary entrypoint.
package flowkit

import (
	"context"

	"github.com/lvandermerwe/flowkit/executor"
	"github.com/lvandermerwe/flowkit/future"
)

// Config mirrors executor.Config.
type Config = executor.Config

// Results mirrors executor.Results.
type Results[V any] = executor.Results[V]

// Error mirrors executor.Error.
type Error[V any] = executor.Error[V]

// Callback mirrors executor.Callback.
type Callback[T, V any] = executor.Callback[T, V]

// Teardown mirrors executor.Teardown.
type Teardown = executor.Teardown

// Source mirrors executor.Source.
type Source[T any] = executor.Source[T]

// ErrAbort is the distinguished sentinel a callback returns to signal
// cooperative cancellation; see executor.ErrAbort.
var ErrAbort = executor.ErrAbort

// DefaultConfig returns the documented default Config.
func DefaultConfig() Config { return executor.DefaultConfig() }

// FromSlice, FromChannel, FromIteratorFunc, WithInit, and FromProducer
// build the Source shapes Execute accepts: a finite sequence, a lazy
// channel-fed sequence, a raw pull function, an init value threaded
// alongside an existing source, and a producer resolved once at the
// start of the run.
func FromSlice[T any](items []T) Source[T] { return executor.FromSlice(items) }

func FromChannel[T any](ch <-chan T) Source[T] { return executor.FromChannel(ch) }

func FromIteratorFunc[T any](next func(ctx context.Context) (T, bool, error)) Source[T] {
	return executor.FromIteratorFunc(next)
}

func WithInit[T any](src Source[T], init any) Source[T] {
	return executor.WithInit(src, init)
}

func FromProducer[T any](produce func(ctx context.Context) (Source[T], error)) Source[T] {
	return executor.FromProducer(produce)
}

// Execute runs callback over source with bounded concurrency per cfg,
// calling teardown (if non-nil) exactly once before the returned future
// settles. It is a thin wrapper over executor.Run.
func Execute[T, V any](ctx context.Context, source Source[T], callback Callback[T, V], cfg Config, teardown Teardown) *future.AbortableFuture[*Results[V]] {
	return executor.Run(ctx, source, callback, cfg, teardown)
}

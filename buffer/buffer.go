// Package buffer implements AsyncBuffer, a size-bounded FIFO queue with
// asynchronous push/pop, drain-on-quit semantics, and iteration-as-consumer.
package buffer

import (
	"context"
	"errors"
	"sync"
)

// ErrQuit is returned by Push when called after Quit has been initiated.
var ErrQuit = errors.New("buffer: push after quit")

const defaultMaxSize = 100

// Options configures an AsyncBuffer.
type Options struct {
	// MaxSize bounds the number of items the buffer may hold at once.
	// Must be >= 1; defaults to 100.
	MaxSize int
}

func (o Options) withDefaults() Options {
	if o.MaxSize <= 0 {
		o.MaxSize = defaultMaxSize
	}
	return o
}

// PushEvent is emitted each time an item is enqueued.
type PushEvent struct{ Length int }

// PopEvent is emitted each time an item is dequeued. Drained is true when
// the event represents the terminal, buffer-is-quit-and-empty signal
// delivered to pop callers instead of a value.
type PopEvent struct {
	Length  int
	Drained bool
}

// AsyncBuffer is a bounded, FIFO, goroutine-safe queue. Push suspends while
// the buffer is full; Pop suspends while the buffer is empty. Quit stops
// accepting new pushes, drains existing items through ordinary Pop calls,
// and then wakes any blocked or future pops with a terminal signal.
type AsyncBuffer[T any] struct {
	mu sync.Mutex

	// notEmpty wakes Pop waiters on push and on the running->quitting edge.
	notEmpty *sync.Cond
	// notFull wakes Push waiters (and Quit's drain wait) on every pop.
	notFull *sync.Cond

	items   []T
	maxSize int
	running bool
	quitted bool

	pushListeners []chan PushEvent
	popListeners  []chan PopEvent
}

// New constructs a running AsyncBuffer with the given options.
func New[T any](opts Options) *AsyncBuffer[T] {
	opts = opts.withDefaults()
	b := &AsyncBuffer[T]{
		maxSize: opts.MaxSize,
		running: true,
	}
	b.notEmpty = sync.NewCond(&b.mu)
	b.notFull = sync.NewCond(&b.mu)
	return b
}

// Length returns the current number of buffered items.
func (b *AsyncBuffer[T]) Length() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// OnPush registers a channel that receives a PushEvent after every
// successful push. Sends are non-blocking; a slow or full listener drops
// events rather than stalling the buffer.
func (b *AsyncBuffer[T]) OnPush(ch chan PushEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pushListeners = append(b.pushListeners, ch)
}

// OnPop registers a channel that receives a PopEvent after every pop,
// including the terminal drained event. Sends are non-blocking.
func (b *AsyncBuffer[T]) OnPop(ch chan PopEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.popListeners = append(b.popListeners, ch)
}

func (b *AsyncBuffer[T]) notifyPush(evt PushEvent) {
	for _, ch := range b.pushListeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (b *AsyncBuffer[T]) notifyPop(evt PopEvent) {
	for _, ch := range b.popListeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Push enqueues value, suspending while the buffer is full and running. It
// returns ErrQuit immediately if Quit has already been initiated. Push
// respects ctx cancellation while suspended.
func (b *AsyncBuffer[T]) Push(ctx context.Context, value T) error {
	b.mu.Lock()

	if !b.running {
		b.mu.Unlock()
		return ErrQuit
	}

	for len(b.items) >= b.maxSize && b.running {
		if !b.waitCond(ctx, b.notFull) {
			b.mu.Unlock()
			return ctx.Err()
		}
	}

	if !b.running {
		b.mu.Unlock()
		return ErrQuit
	}

	b.items = append(b.items, value)
	length := len(b.items)
	b.notEmpty.Signal()
	b.mu.Unlock()

	b.notifyPush(PushEvent{Length: length})
	return nil
}

// Pop dequeues the oldest item, suspending while the buffer is empty and
// running. After Quit has drained the buffer, Pop returns ok=false. ctx
// cancellation while suspended returns ctx.Err().
func (b *AsyncBuffer[T]) Pop(ctx context.Context) (value T, ok bool, err error) {
	b.mu.Lock()

	for len(b.items) == 0 && b.running {
		if !b.waitCond(ctx, b.notEmpty) {
			b.mu.Unlock()
			var zero T
			return zero, false, ctx.Err()
		}
	}

	if len(b.items) == 0 {
		b.mu.Unlock()
		b.notifyPop(PopEvent{Drained: true})
		var zero T
		return zero, false, nil
	}

	value = b.items[0]
	b.items = b.items[1:]
	length := len(b.items)
	b.notFull.Broadcast()
	b.mu.Unlock()

	b.notifyPop(PopEvent{Length: length})
	return value, true, nil
}

// waitCond waits on cond, honoring ctx cancellation. The mutex is held on
// return in all cases, matching sync.Cond.Wait's contract. It returns
// false if ctx was canceled while waiting.
func (b *AsyncBuffer[T]) waitCond(ctx context.Context, cond *sync.Cond) bool {
	if ctx.Err() != nil {
		return false
	}
	canceled := false
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		canceled = true
		cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	cond.Wait()
	return !canceled
}

// WaitForCapacity blocks until the buffer has room for at least one more
// item (or is no longer running), without enqueuing anything. It exists
// so a producer can avoid doing expensive upstream work (e.g. claiming a
// pool resource) only to immediately block on Push.
func (b *AsyncBuffer[T]) WaitForCapacity(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.items) >= b.maxSize && b.running {
		if !b.waitCond(ctx, b.notFull) {
			return ctx.Err()
		}
	}
	return nil
}

// Quit stops accepting pushes, waits until the buffer drains through
// ordinary Pop calls, then wakes any blocked or future Pop calls with the
// terminal signal. Quit is idempotent: a concurrent or subsequent call is
// safe and returns once the first call's drain has completed.
func (b *AsyncBuffer[T]) Quit(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.quitted {
		return nil
	}
	if b.running {
		b.running = false
		b.notFull.Broadcast()
		b.notEmpty.Broadcast()
	}
	for len(b.items) > 0 {
		b.notFull.Wait()
	}
	b.quitted = true
	b.notEmpty.Broadcast()
	return nil
}

// Iterate returns a function suitable for Go's range-over-func iteration
// (for v := range buf.Iterate(ctx)), yielding values until the buffer is
// quit and drained.
func (b *AsyncBuffer[T]) Iterate(ctx context.Context) func(yield func(T) bool) {
	return func(yield func(T) bool) {
		for {
			v, ok, err := b.Pop(ctx)
			if err != nil || !ok {
				return
			}
			if !yield(v) {
				return
			}
		}
	}
}

// Package polling implements PollingAsyncBuffer, an AsyncBuffer fed by a
// pool of runners that are polled for batches in the background and
// opportunistically scaled on sustained success or reaped on timeout.
package polling

import (
	"context"
	"fmt"
	"sync"

	"github.com/lvandermerwe/flowkit/buffer"
	"github.com/lvandermerwe/flowkit/pool"
)

// Runner is the capability a PollingAsyncBuffer's pool-managed instance
// must expose beyond pool.Instance: Fetch. A nil batch signals a timeout
// (no data arrived within whatever deadline the runner enforces); a
// non-nil, empty batch signals an empty poll; a non-empty batch is
// pushed to the buffer item by item.
//
// Go's static return type already rules out the "non-array, non-nil"
// protocol violation the underlying poll loop otherwise has to guard
// against: see DESIGN.md.
type Runner[T any] interface {
	pool.Instance
	Fetch(ctx context.Context) ([]T, error)
}

// ScaleEvent is emitted whenever the backing pool's instance count
// changes, relayed from the pool's own ScaleEvent.
type ScaleEvent struct{ InstanceCount int }

// ErrorEvent carries a non-fatal error encountered while polling: a
// fetch failure, a push failure, or a relayed pool error.
type ErrorEvent struct{ Err error }

// PollingAsyncBuffer composes an AsyncBuffer[T] and a Pool[R]: every time
// an instance becomes available, a background poll attempts a fetch and
// pushes whatever batch it returns.
type PollingAsyncBuffer[R Runner[T], T any] struct {
	ctx context.Context

	buf *buffer.AsyncBuffer[T]
	p   *pool.Pool[R]

	mu             sync.Mutex
	drainCond      *sync.Cond
	pollingRunning bool
	inFlight       int
	successCount   int

	availCh    chan pool.AvailableEvent[R]
	poolScale  chan pool.ScaleEvent
	poolErrors chan pool.ErrorEvent
	stopCh     chan struct{}
	driverDone chan struct{}

	scaleListeners []chan ScaleEvent
	errorListeners []chan ErrorEvent
}

// New constructs a Pool[R] from factory and opts (forcing AutoScale off,
// since PollingAsyncBuffer drives its own scale-up/scale-down decisions
// from fetch productivity rather than claimed-time utilization), an
// AsyncBuffer[T] from bufOpts, and starts the background poll driver.
func New[R Runner[T], T any](ctx context.Context, factory pool.Factory[R], poolOpts pool.Options, bufOpts buffer.Options) (*PollingAsyncBuffer[R, T], error) {
	poolOpts = poolOpts.WithAutoScale(false).WithResponsiveScale(false)
	p, err := pool.New[R](ctx, factory, poolOpts)
	if err != nil {
		return nil, err
	}

	pb := &PollingAsyncBuffer[R, T]{
		ctx:            ctx,
		buf:            buffer.New[T](bufOpts),
		p:              p,
		pollingRunning: true,
		availCh:        make(chan pool.AvailableEvent[R], 64),
		poolScale:      make(chan pool.ScaleEvent, 16),
		poolErrors:     make(chan pool.ErrorEvent, 16),
		stopCh:         make(chan struct{}),
		driverDone:     make(chan struct{}),
	}
	pb.drainCond = sync.NewCond(&pb.mu)

	p.OnAvailable(pb.availCh)
	p.OnScale(pb.poolScale)
	p.OnError(pb.poolErrors)

	go pb.driveLoop()
	go pb.relayLoop()

	// pool.New announced its startup instances before these listeners were
	// registered, so each existing instance is offered to the driver here.
	for i := 0; i < p.GetInstanceCount(); i++ {
		pb.availCh <- pool.AvailableEvent[R]{}
	}

	return pb, nil
}

// driveLoop launches one poll per available-instance event, as long as
// polling hasn't been stopped by Quit.
func (pb *PollingAsyncBuffer[R, T]) driveLoop() {
	defer close(pb.driverDone)
	for {
		select {
		case <-pb.stopCh:
			return
		case evt, ok := <-pb.availCh:
			if !ok {
				return
			}
			pb.mu.Lock()
			if !pb.pollingRunning {
				pb.mu.Unlock()
				continue
			}
			pb.inFlight++
			pb.mu.Unlock()

			go func() {
				pb.poll(evt.Instance)
				pb.mu.Lock()
				pb.inFlight--
				if pb.inFlight == 0 {
					pb.drainCond.Broadcast()
				}
				pb.mu.Unlock()
			}()
		}
	}
}

// relayLoop forwards the backing pool's scale and error events as the
// polling buffer's own event types, so subscribers don't need to reach
// into the pool directly.
func (pb *PollingAsyncBuffer[R, T]) relayLoop() {
	for {
		select {
		case <-pb.stopCh:
			return
		case evt, ok := <-pb.poolScale:
			if !ok {
				return
			}
			pb.notifyScale(ScaleEvent{InstanceCount: evt.InstanceCount})
		case evt, ok := <-pb.poolErrors:
			if !ok {
				return
			}
			pb.notifyError(ErrorEvent{Err: evt.Err})
		}
	}
}

// poll claims one instance (ignoring which instance triggered the
// available event; claims are independently FIFO-fair), fetches a batch,
// and either pushes it, reaps the runner on timeout/empty, or scales up
// on sustained success. Buffer capacity is checked before claiming, so
// an instance isn't held idle behind backpressure.
func (pb *PollingAsyncBuffer[R, T]) poll(_ R) {
	if err := pb.buf.WaitForCapacity(pb.ctx); err != nil {
		return
	}

	var used R
	batch, fetchErr := pool.Run(pb.ctx, pb.p, func(r R) ([]T, error) {
		used = r
		return r.Fetch(pb.ctx)
	})
	if fetchErr != nil {
		pb.notifyError(ErrorEvent{Err: fmt.Errorf("polling: fetch failed: %w", fetchErr)})
		return
	}

	if len(batch) == 0 {
		pb.reap(used)
		return
	}

	for _, item := range batch {
		if err := pb.buf.Push(pb.ctx, item); err != nil {
			pb.notifyError(ErrorEvent{Err: fmt.Errorf("polling: push failed: %w", err)})
			return
		}
	}
	pb.onSuccess()
}

// onSuccess scales the pool up once sustained productivity (more than
// two successful batches per current instance) suggests more instances
// would help throughput.
func (pb *PollingAsyncBuffer[R, T]) onSuccess() {
	pb.mu.Lock()
	pb.successCount++
	count := pb.successCount
	instances := pb.p.GetInstanceCount()
	pb.mu.Unlock()

	if count > 2*instances {
		pb.mu.Lock()
		pb.successCount = 0
		pb.mu.Unlock()
		_ = pb.p.ScaleUp(pb.ctx)
	}
}

// reap kills the given instance and scales it down when the pool is
// above its floor and not already mid-scale, in response to a timeout or
// empty batch: a signal the current instance count exceeds demand.
func (pb *PollingAsyncBuffer[R, T]) reap(instance R) {
	if pb.p.GetInstanceCount() <= pb.p.GetMinInstances() || pb.p.IsScaling() {
		return
	}
	killed, ok := pb.p.KillRunner(instance, true)
	if !ok {
		return
	}
	pb.mu.Lock()
	pb.successCount = 0
	pb.mu.Unlock()
	_ = pb.p.ScaleDown(pb.ctx, killed, true)
}

// Pop dequeues the oldest fetched item, delegating to the underlying
// buffer.
func (pb *PollingAsyncBuffer[R, T]) Pop(ctx context.Context) (T, bool, error) {
	return pb.buf.Pop(ctx)
}

// Length returns the number of items currently buffered.
func (pb *PollingAsyncBuffer[R, T]) Length() int {
	return pb.buf.Length()
}

// InstanceCount returns the backing pool's current instance count.
func (pb *PollingAsyncBuffer[R, T]) InstanceCount() int {
	return pb.p.GetInstanceCount()
}

// Iterate returns a function suitable for range-over-func iteration over
// popped items, delegating to the underlying buffer.
func (pb *PollingAsyncBuffer[R, T]) Iterate(ctx context.Context) func(yield func(T) bool) {
	return pb.buf.Iterate(ctx)
}

// OnPush and OnPop subscribe to the underlying buffer's push/pop events.
func (pb *PollingAsyncBuffer[R, T]) OnPush(ch chan buffer.PushEvent) { pb.buf.OnPush(ch) }
func (pb *PollingAsyncBuffer[R, T]) OnPop(ch chan buffer.PopEvent)   { pb.buf.OnPop(ch) }

func (pb *PollingAsyncBuffer[R, T]) notifyScale(evt ScaleEvent) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	for _, ch := range pb.scaleListeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (pb *PollingAsyncBuffer[R, T]) notifyError(evt ErrorEvent) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	for _, ch := range pb.errorListeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

// OnScale registers a channel notified whenever the backing pool's
// instance count changes.
func (pb *PollingAsyncBuffer[R, T]) OnScale(ch chan ScaleEvent) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.scaleListeners = append(pb.scaleListeners, ch)
}

// OnError registers a channel notified on every fetch, push, or relayed
// pool error.
func (pb *PollingAsyncBuffer[R, T]) OnError(ch chan ErrorEvent) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.errorListeners = append(pb.errorListeners, ch)
}

// Quit stops launching new polls, lets already-fetched batches finish
// pushing (so no fetched data is silently dropped), quits the backing
// pool, and finally quits the underlying buffer. This order matters: a
// poll that already has a batch in hand releases its instance before
// pushing, so the pool can finish quitting concurrently with that drain,
// but the buffer itself must not be quit until every in-flight push has
// had its chance to land. Quit is idempotent.
func (pb *PollingAsyncBuffer[R, T]) Quit(ctx context.Context) error {
	pb.mu.Lock()
	if !pb.pollingRunning {
		pb.mu.Unlock()
		return nil
	}
	pb.pollingRunning = false
	pb.mu.Unlock()

	close(pb.stopCh)
	<-pb.driverDone

	poolErrCh := make(chan error, 1)
	go func() { poolErrCh <- pb.p.Quit(ctx) }()

	pb.mu.Lock()
	for pb.inFlight > 0 {
		pb.drainCond.Wait()
	}
	pb.mu.Unlock()

	if err := <-poolErrCh; err != nil {
		return err
	}

	return pb.buf.Quit(ctx)
}

// Package pool implements ScalingConnectionPool, an elastic pool of
// reusable runner instances with claim/release semantics, auto-scaling
// based on observed utilization, and a polling-friendly kill-then-scale-
// down coordination hook (KillRunner). It grows and shrinks between
// MinInstances and MaxInstances as demand changes.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Sentinel errors reported for the pool's usage-error cases.
var (
	// ErrPoolQuitting is returned by Claim after Quit has been initiated.
	ErrPoolQuitting = errors.New("pool: quitting")
	// ErrUnknownInstance is returned by Release for an instance the pool
	// does not recognize.
	ErrUnknownInstance = errors.New("pool: unknown instance")
	// ErrAlreadyReleased is reported (and returned) by Release for an
	// instance that is not currently claimed.
	ErrAlreadyReleased = errors.New("pool: instance already released")
)

const (
	defaultMinInstances    = 1
	defaultMaxInstances    = 16
	defaultScaleDownAt     = 0.4
	defaultScaleUpAt       = 0.8
	defaultScaleInterval   = time.Second
	defaultResponsiveScale = true
	defaultAutoScale       = true
)

// Options configures a Pool.
type Options struct {
	MinInstances int
	MaxInstances int

	ScaleDownAt float64
	ScaleUpAt   float64

	ScaleInterval time.Duration

	ResponsiveScale bool
	AutoScale       bool

	// explicit overrides so zero-value Options still distinguishes
	// "not set, use default" from "set to false/zero" for the two bool
	// fields and the two float fields, all of which have meaningful
	// Go zero values.
	responsiveScaleSet bool
	autoScaleSet       bool
	scaleDownAtSet     bool
	scaleUpAtSet       bool
}

// WithResponsiveScale explicitly sets ResponsiveScale, distinguishing
// "false" from "unset".
func (o Options) WithResponsiveScale(v bool) Options {
	o.ResponsiveScale = v
	o.responsiveScaleSet = true
	return o
}

// WithAutoScale explicitly sets AutoScale, distinguishing "false" from
// "unset".
func (o Options) WithAutoScale(v bool) Options {
	o.AutoScale = v
	o.autoScaleSet = true
	return o
}

// WithScaleDownAt explicitly sets ScaleDownAt, distinguishing "0" from
// "unset".
func (o Options) WithScaleDownAt(v float64) Options {
	o.ScaleDownAt = v
	o.scaleDownAtSet = true
	return o
}

// WithScaleUpAt explicitly sets ScaleUpAt, distinguishing "0" from
// "unset".
func (o Options) WithScaleUpAt(v float64) Options {
	o.ScaleUpAt = v
	o.scaleUpAtSet = true
	return o
}

func (o Options) withDefaults() Options {
	if o.MinInstances <= 0 {
		o.MinInstances = defaultMinInstances
	}
	if o.MaxInstances <= 0 {
		o.MaxInstances = defaultMaxInstances
	}
	if o.MaxInstances < o.MinInstances {
		o.MaxInstances = o.MinInstances
	}
	if !o.scaleDownAtSet && o.ScaleDownAt == 0 {
		o.ScaleDownAt = defaultScaleDownAt
	}
	if !o.scaleUpAtSet && o.ScaleUpAt == 0 {
		o.ScaleUpAt = defaultScaleUpAt
	}
	if o.ScaleInterval <= 0 {
		o.ScaleInterval = defaultScaleInterval
	}
	if !o.responsiveScaleSet {
		o.ResponsiveScale = defaultResponsiveScale
	}
	if !o.autoScaleSet {
		o.AutoScale = defaultAutoScale
	}
	if !o.AutoScale {
		o.ResponsiveScale = false
	}
	return o
}

// wrapper is the pool-internal bookkeeping record for one runner
// instance: its claim state and, once marked for removal, a flag that
// keeps it from being offered to future claimants.
type wrapper[R Instance] struct {
	id        uuid.UUID
	instance  R
	claimed   bool
	claimedAt time.Time
	quitting  bool
}

// Pool is an elastic pool of Instance-constrained runners.
type Pool[R Instance] struct {
	mu          sync.Mutex
	scaleCond   *sync.Cond
	releaseCond *sync.Cond

	opts    Options
	factory Factory[R]

	wrappers      []*wrapper[R]
	pendingClaims []chan *wrapper[R]

	scaling  bool
	quitting bool
	quitted  bool

	usageAccum time.Duration

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       *errgroup.Group

	availableListeners []chan AvailableEvent[R]
	releasedListeners  []chan ReleasedEvent[R]
	scaleListeners     []chan ScaleEvent
	usageListeners     []chan UsageEvent
	errorListeners     []chan ErrorEvent
}

// New constructs a Pool and eagerly populates it to MinInstances before
// returning. An error from the factory while reaching the floor is
// returned to the caller rather than merely reported as an ErrorEvent,
// since at construction time there is no listener yet to observe it.
func New[R Instance](ctx context.Context, factory Factory[R], opts Options) (*Pool[R], error) {
	opts = opts.withDefaults()
	if opts.ScaleDownAt >= opts.ScaleUpAt {
		return nil, fmt.Errorf("pool: scaleDownAt (%v) must be less than scaleUpAt (%v)", opts.ScaleDownAt, opts.ScaleUpAt)
	}

	p := &Pool[R]{
		opts:    opts,
		factory: factory,
	}
	p.scaleCond = sync.NewCond(&p.mu)
	p.releaseCond = sync.NewCond(&p.mu)

	for i := 0; i < opts.MinInstances; i++ {
		if err := p.ScaleUp(ctx); err != nil {
			return nil, fmt.Errorf("pool: failed to reach minimum instances: %w", err)
		}
	}

	p.bgCtx, p.bgCancel = context.WithCancel(context.Background())
	g, _ := errgroup.WithContext(p.bgCtx)
	p.bg = g
	p.bg.Go(func() error {
		p.tickerLoop()
		return nil
	})

	return p, nil
}

func (p *Pool[R]) handleWrapperFreeLocked(w *wrapper[R]) {
	if w.quitting {
		return
	}
	if len(p.pendingClaims) > 0 {
		ch := p.pendingClaims[0]
		p.pendingClaims = p.pendingClaims[1:]
		w.claimed = true
		w.claimedAt = time.Now()
		ch <- w
	}
}

// Claim reserves an available instance, blocking in FIFO order with any
// other pending claims if none is immediately available. A claim miss
// below MaxInstances triggers a responsive scale-up when enabled.
func (p *Pool[R]) Claim(ctx context.Context) (R, error) {
	p.mu.Lock()

	if p.quitting {
		p.mu.Unlock()
		var zero R
		return zero, ErrPoolQuitting
	}

	for _, w := range p.wrappers {
		if !w.claimed && !w.quitting {
			w.claimed = true
			w.claimedAt = time.Now()
			inst := w.instance
			p.mu.Unlock()
			return inst, nil
		}
	}

	ch := make(chan *wrapper[R], 1)
	p.pendingClaims = append(p.pendingClaims, ch)
	shouldScale := p.opts.ResponsiveScale && p.opts.AutoScale && len(p.wrappers) < p.opts.MaxInstances
	p.mu.Unlock()

	if shouldScale {
		p.bg.Go(func() error {
			_ = p.ScaleUp(p.bgCtx)
			return nil
		})
	}

	select {
	case w, ok := <-ch:
		if !ok || w == nil {
			var zero R
			return zero, ErrPoolQuitting
		}
		return w.instance, nil
	case <-ctx.Done():
		p.mu.Lock()
		for i, c := range p.pendingClaims {
			if c == ch {
				p.pendingClaims = append(p.pendingClaims[:i], p.pendingClaims[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		select {
		case w, ok := <-ch:
			if ok && w != nil {
				return w.instance, nil
			}
		default:
		}
		var zero R
		return zero, ctx.Err()
	}
}

// Release marks instance available again. Releasing an unknown instance
// is fatal to the caller (ErrUnknownInstance); releasing an
// already-released instance is reported as an ErrorEvent and also
// returned, since local recovery is possible but the caller likely has a
// bug.
func (p *Pool[R]) Release(instance R) error {
	p.mu.Lock()

	var w *wrapper[R]
	for _, cand := range p.wrappers {
		if cand.instance == instance {
			w = cand
			break
		}
	}
	if w == nil {
		p.mu.Unlock()
		return ErrUnknownInstance
	}
	if !w.claimed {
		p.mu.Unlock()
		p.notifyError(ErrorEvent{Err: ErrAlreadyReleased})
		return ErrAlreadyReleased
	}

	p.usageAccum += time.Since(w.claimedAt)
	w.claimed = false
	w.claimedAt = time.Time{}
	p.handleWrapperFreeLocked(w)
	p.releaseCond.Broadcast()

	quitting := p.quitting
	wQuitting := w.quitting
	p.mu.Unlock()

	p.notifyReleased(ReleasedEvent[R]{Instance: instance})
	if !quitting && !wQuitting {
		p.notifyAvailable(AvailableEvent[R]{Instance: instance})
	}
	return nil
}

// Run claims an instance, invokes fn, and releases the instance on every
// exit path, surfacing fn's result or error. Run is a free function
// because Go methods cannot introduce additional type parameters beyond
// the receiver's.
func Run[R Instance, V any](ctx context.Context, p *Pool[R], fn func(R) (V, error)) (V, error) {
	instance, err := p.Claim(ctx)
	if err != nil {
		var zero V
		return zero, err
	}
	defer func() { _ = p.Release(instance) }()
	return fn(instance)
}

// ScaleUp creates a new instance via the factory, serialized against any
// other in-flight scale operation. A factory error is reported as an
// ErrorEvent and the pool does not grow. ScaleUp emits a ScaleEvent
// whenever it invoked the factory, whether or not that succeeded; at
// MaxInstances or while quitting it returns without invoking the factory
// and emits no event.
func (p *Pool[R]) ScaleUp(ctx context.Context) error {
	p.mu.Lock()
	for p.scaling {
		p.scaleCond.Wait()
	}
	if p.quitting {
		p.mu.Unlock()
		return ErrPoolQuitting
	}
	if len(p.wrappers) >= p.opts.MaxInstances {
		p.mu.Unlock()
		return nil
	}
	p.scaling = true
	p.mu.Unlock()

	instance, err := p.factory(ctx)

	p.mu.Lock()
	if err != nil {
		count := len(p.wrappers)
		p.scaling = false
		p.scaleCond.Broadcast()
		p.mu.Unlock()

		wrapped := fmt.Errorf("pool: factory failed: %w", err)
		p.notifyError(ErrorEvent{Err: wrapped})
		p.notifyScale(ScaleEvent{InstanceCount: count})
		return wrapped
	}

	w := &wrapper[R]{id: uuid.New(), instance: instance}
	p.wrappers = append(p.wrappers, w)
	p.handleWrapperFreeLocked(w)
	count := len(p.wrappers)
	p.scaling = false
	p.scaleCond.Broadcast()
	p.mu.Unlock()

	p.notifyScale(ScaleEvent{InstanceCount: count})
	p.notifyAvailable(AvailableEvent[R]{Instance: instance})
	return nil
}

// ScaleDown picks a target via KillRunner (preferring instance when
// hasInstance is true), waits for it to become unclaimed, removes it from
// the pool, and quits it. A no-op at MinInstances.
func (p *Pool[R]) ScaleDown(ctx context.Context, instance R, hasInstance bool) error {
	p.mu.Lock()
	for p.scaling {
		p.scaleCond.Wait()
	}

	target, ok := p.killRunnerLocked(instance, hasInstance)
	if !ok {
		p.mu.Unlock()
		return nil
	}
	p.scaling = true

	var tw *wrapper[R]
	for _, w := range p.wrappers {
		if w.instance == target {
			tw = w
			break
		}
	}
	for tw.claimed {
		p.releaseCond.Wait()
	}
	idx := -1
	for i, w := range p.wrappers {
		if w == tw {
			idx = i
			break
		}
	}
	p.wrappers = append(p.wrappers[:idx], p.wrappers[idx+1:]...)
	p.mu.Unlock()

	quitErr := tw.instance.Quit(ctx)

	p.mu.Lock()
	if quitErr != nil {
		p.notifyError(ErrorEvent{Err: fmt.Errorf("pool: runner quit failed: %w", quitErr)})
	}
	count := len(p.wrappers)
	p.scaling = false
	p.scaleCond.Broadcast()
	p.mu.Unlock()

	p.notifyScale(ScaleEvent{InstanceCount: count})
	return nil
}

func (p *Pool[R]) killRunnerLocked(preferred R, hasPreferred bool) (R, bool) {
	if len(p.wrappers) <= p.opts.MinInstances {
		var zero R
		return zero, false
	}

	var target *wrapper[R]
	if hasPreferred {
		for _, w := range p.wrappers {
			if w.instance == preferred {
				target = w
				break
			}
		}
	}
	if target == nil {
		for _, w := range p.wrappers {
			if !w.claimed && !w.quitting {
				target = w
				break
			}
		}
	}
	if target == nil {
		for _, w := range p.wrappers {
			if !w.quitting {
				target = w
				break
			}
		}
	}
	if target == nil {
		var zero R
		return zero, false
	}
	target.quitting = true
	return target.instance, true
}

// KillRunner marks an instance terminal without removing it: it will not
// be offered to future claimants or emit an available event when
// released, and the next ScaleDown call will remove it. It returns
// false if the pool is already at MinInstances.
func (p *Pool[R]) KillRunner(preferred R, hasPreferred bool) (R, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killRunnerLocked(preferred, hasPreferred)
}

// Quit gracefully shuts the pool down: new claims fail synchronously,
// auto-scaling stops, any in-flight scale operation is awaited, and then
// unclaimed instances are removed and quit one at a time until none
// remain. Quit is idempotent.
func (p *Pool[R]) Quit(ctx context.Context) error {
	p.mu.Lock()
	if p.quitted {
		p.mu.Unlock()
		return nil
	}
	if p.quitting {
		// a concurrent call is already driving shutdown to completion.
		p.mu.Unlock()
		return nil
	}
	p.quitting = true
	p.mu.Unlock()

	if p.bgCancel != nil {
		p.bgCancel()
	}
	_ = p.bg.Wait()

	p.mu.Lock()
	for p.scaling {
		p.scaleCond.Wait()
	}
	p.mu.Unlock()

	for {
		p.mu.Lock()
		if len(p.wrappers) == 0 {
			p.mu.Unlock()
			break
		}
		var target *wrapper[R]
		idx := -1
		for i, w := range p.wrappers {
			if !w.claimed {
				target = w
				idx = i
				break
			}
		}
		if target == nil {
			p.releaseCond.Wait()
			p.mu.Unlock()
			continue
		}
		p.wrappers = append(p.wrappers[:idx], p.wrappers[idx+1:]...)
		p.mu.Unlock()

		if err := target.instance.Quit(ctx); err != nil {
			p.mu.Lock()
			p.notifyError(ErrorEvent{Err: fmt.Errorf("pool: runner quit failed: %w", err)})
			p.mu.Unlock()
		}
	}

	p.mu.Lock()
	p.quitted = true
	pending := p.pendingClaims
	p.pendingClaims = nil
	p.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	return nil
}

// GetInstanceCount returns the current number of pool-owned instances.
func (p *Pool[R]) GetInstanceCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.wrappers)
}

// GetClaimedCount returns the number of currently claimed instances.
func (p *Pool[R]) GetClaimedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.wrappers {
		if w.claimed {
			n++
		}
	}
	return n
}

// GetMinInstances returns the configured floor.
func (p *Pool[R]) GetMinInstances() int {
	return p.opts.MinInstances
}

// GetMaxInstances returns the configured ceiling.
func (p *Pool[R]) GetMaxInstances() int {
	return p.opts.MaxInstances
}

// IsScaling reports whether a scale-up or scale-down is currently
// in-flight.
func (p *Pool[R]) IsScaling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scaling
}

// GetPendingClaimCount returns the number of claims currently queued
// waiting for an instance.
func (p *Pool[R]) GetPendingClaimCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pendingClaims)
}

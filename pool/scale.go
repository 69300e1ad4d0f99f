package pool

import "time"

// tickerLoop drives the periodic auto-scaler. A pool below MinInstances
// already converges once at startup via New's own eager ScaleUp loop, so
// when AutoScale is false no periodic tick fires at all — New never lets
// the pool start below the floor in the first place, so there is nothing
// for a disabled ticker to do.
func (p *Pool[R]) tickerLoop() {
	if !p.opts.AutoScale {
		return
	}

	ticker := time.NewTicker(p.opts.ScaleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.bgCtx.Done():
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

// tick computes utilization for the elapsed interval and applies the
// scaling policy. When the pool is below MinInstances it re-ticks
// immediately after a successful scale-up so the pool converges without
// waiting for the next interval.
func (p *Pool[R]) tick() {
	for {
		p.mu.Lock()
		if p.scaling || p.quitting {
			p.mu.Unlock()
			return
		}

		utilization := p.computeUtilizationLocked()
		count := len(p.wrappers)
		belowMin := count < p.opts.MinInstances
		p.mu.Unlock()

		p.notifyUsage(UsageEvent{Utilization: utilization, InstanceCount: count})

		switch {
		case belowMin:
			if err := p.ScaleUp(p.bgCtx); err != nil {
				// factory is failing; stop the hot re-tick loop and let
				// the next periodic tick retry instead of spinning.
				return
			}
			continue
		case utilization > p.opts.ScaleUpAt && count < p.opts.MaxInstances:
			_ = p.ScaleUp(p.bgCtx)
		case utilization < p.opts.ScaleDownAt && count > p.opts.MinInstances:
			var zero R
			_ = p.ScaleDown(p.bgCtx, zero, false)
		}
		return
	}
}

// computeUtilizationLocked returns claimed-time-during-interval /
// (ScaleInterval * instanceCount) and resets the accumulator. Must be
// called with p.mu held.
func (p *Pool[R]) computeUtilizationLocked() float64 {
	now := time.Now()
	total := p.usageAccum
	for _, w := range p.wrappers {
		if w.claimed {
			total += now.Sub(w.claimedAt)
			w.claimedAt = now
		}
	}
	p.usageAccum = 0

	count := len(p.wrappers)
	if count == 0 {
		return 0
	}
	denom := float64(p.opts.ScaleInterval) * float64(count)
	if denom <= 0 {
		return 0
	}
	return float64(total) / denom
}

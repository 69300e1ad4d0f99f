package pool

import "context"

// Runner is the capability a pool-managed instance must expose: a way to
// release whatever resources it holds when the pool destroys it.
type Runner interface {
	Quit(ctx context.Context) error
}

// Instance is the type constraint satisfied by a pool's managed runner
// type. Runners must be comparable so the pool can locate the wrapper for
// a given instance on Release/KillRunner without maintaining a side
// table; in practice this means runners are pointers or small value
// types.
type Instance interface {
	comparable
	Runner
}

// Factory creates a new runner instance on scale-up. A returned error is
// reported as an ErrorEvent (and returned by ScaleUp) and the pool does
// not grow.
type Factory[R Instance] func(ctx context.Context) (R, error)

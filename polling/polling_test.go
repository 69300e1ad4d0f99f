package polling_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvandermerwe/flowkit/buffer"
	"github.com/lvandermerwe/flowkit/pool"
	"github.com/lvandermerwe/flowkit/polling"
)

type fakeFetcher struct {
	id int

	mu    sync.Mutex
	fetch func() ([]int, error)
}

func (f *fakeFetcher) Quit(ctx context.Context) error { return nil }

func (f *fakeFetcher) Fetch(ctx context.Context) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetch()
}

func awaitCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestPollingAsyncBuffer_FetchesAndPushesBatches(t *testing.T) {
	var fetched int32
	factory := func(ctx context.Context) (*fakeFetcher, error) {
		f := &fakeFetcher{}
		f.fetch = func() ([]int, error) {
			n := atomic.AddInt32(&fetched, 1)
			if n > 1 {
				return nil, nil
			}
			return []int{1, 2, 3}, nil
		}
		return f, nil
	}

	pb, err := polling.New[*fakeFetcher, int](
		context.Background(), factory,
		pool.Options{MinInstances: 1, MaxInstances: 1},
		buffer.Options{MaxSize: 10},
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pb.Quit(context.Background()) })

	var got []int
	for i := 0; i < 3; i++ {
		v, ok, err := pb.Pop(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
		got = append(got, v)
	}
	assert.ElementsMatch(t, []int{1, 2, 3}, got)
}

func TestPollingAsyncBuffer_ScalesUpOnSustainedSuccess(t *testing.T) {
	factory := func(ctx context.Context) (*fakeFetcher, error) {
		f := &fakeFetcher{}
		f.fetch = func() ([]int, error) { return []int{1}, nil }
		return f, nil
	}

	pb, err := polling.New[*fakeFetcher, int](
		context.Background(), factory,
		pool.Options{MinInstances: 1, MaxInstances: 4},
		buffer.Options{MaxSize: 1000},
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pb.Quit(context.Background()) })

	scaleCh := make(chan polling.ScaleEvent, 16)
	pb.OnScale(scaleCh)

	go func() {
		for {
			_, ok, err := pb.Pop(context.Background())
			if err != nil || !ok {
				return
			}
		}
	}()

	select {
	case evt := <-scaleCh:
		assert.Greater(t, evt.InstanceCount, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a scale-up event from sustained successful polling")
	}
}

func TestPollingAsyncBuffer_ReapsIdleInstancesOnEmptyBatch(t *testing.T) {
	var productive atomic.Bool
	productive.Store(true)

	factory := func(ctx context.Context) (*fakeFetcher, error) {
		f := &fakeFetcher{}
		f.fetch = func() ([]int, error) {
			if productive.Load() {
				return []int{1}, nil
			}
			return nil, nil
		}
		return f, nil
	}

	pb, err := polling.New[*fakeFetcher, int](
		context.Background(), factory,
		pool.Options{MinInstances: 1, MaxInstances: 4},
		buffer.Options{MaxSize: 1000},
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pb.Quit(context.Background()) })

	drain := make(chan struct{})
	go func() {
		defer close(drain)
		for {
			_, ok, err := pb.Pop(context.Background())
			if err != nil || !ok {
				return
			}
		}
	}()

	instanceCount := func() int { return pb.InstanceCount() }

	awaitCondition(t, 2*time.Second, func() bool { return instanceCount() > 1 })

	productive.Store(false)

	awaitCondition(t, 2*time.Second, func() bool { return instanceCount() == 1 })

	_ = pb.Quit(context.Background())
	<-drain
}

func TestPollingAsyncBuffer_QuitIsIdempotentAndTerminatesPop(t *testing.T) {
	factory := func(ctx context.Context) (*fakeFetcher, error) {
		f := &fakeFetcher{}
		f.fetch = func() ([]int, error) { return nil, nil }
		return f, nil
	}

	pb, err := polling.New[*fakeFetcher, int](
		context.Background(), factory,
		pool.Options{MinInstances: 1, MaxInstances: 1},
		buffer.Options{MaxSize: 10},
	)
	require.NoError(t, err)

	require.NoError(t, pb.Quit(context.Background()))
	require.NoError(t, pb.Quit(context.Background()))

	_, ok, err := pb.Pop(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

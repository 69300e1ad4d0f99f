package buffer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvandermerwe/flowkit/buffer"
)

func TestAsyncBuffer_PushPopFIFO(t *testing.T) {
	ctx := context.Background()
	b := buffer.New[int](buffer.Options{MaxSize: 4})

	for i := 1; i <= 3; i++ {
		require.NoError(t, b.Push(ctx, i))
	}
	assert.Equal(t, 3, b.Length())

	for i := 1; i <= 3; i++ {
		v, ok, err := b.Pop(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
}

func TestAsyncBuffer_PushBlocksWhenFull(t *testing.T) {
	ctx := context.Background()
	b := buffer.New[int](buffer.Options{MaxSize: 1})
	require.NoError(t, b.Push(ctx, 1))

	pushed := make(chan struct{})
	go func() {
		_ = b.Push(ctx, 2)
		close(pushed)
	}()

	select {
	case <-pushed:
		t.Fatal("push should have blocked while buffer is full")
	case <-time.After(30 * time.Millisecond):
	}

	_, _, err := b.Pop(ctx)
	require.NoError(t, err)

	select {
	case <-pushed:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("push should have unblocked after a pop freed space")
	}
}

func TestAsyncBuffer_PopBlocksWhenEmpty(t *testing.T) {
	ctx := context.Background()
	b := buffer.New[int](buffer.Options{MaxSize: 4})

	var got int
	done := make(chan struct{})
	go func() {
		v, ok, err := b.Pop(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		got = v
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("pop should have blocked on empty buffer")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, b.Push(ctx, 99))

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("pop should have unblocked after a push")
	}
	assert.Equal(t, 99, got)
}

func TestAsyncBuffer_QuitDrainsThenSignalsTerminal(t *testing.T) {
	ctx := context.Background()
	b := buffer.New[int](buffer.Options{MaxSize: 4})
	require.NoError(t, b.Push(ctx, 1))
	require.NoError(t, b.Push(ctx, 2))

	quitDone := make(chan struct{})
	go func() {
		require.NoError(t, b.Quit(ctx))
		close(quitDone)
	}()

	// Quit must not resolve until the two buffered items have been popped.
	select {
	case <-quitDone:
		t.Fatal("quit resolved before buffer drained")
	case <-time.After(20 * time.Millisecond):
	}

	v1, ok, err := b.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, v1)

	v2, ok, err := b.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, v2)

	select {
	case <-quitDone:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("quit should resolve once drained")
	}

	_, ok, err = b.Pop(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	err = b.Push(ctx, 3)
	assert.ErrorIs(t, err, buffer.ErrQuit)
}

func TestAsyncBuffer_QuitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := buffer.New[int](buffer.Options{MaxSize: 1})
	require.NoError(t, b.Quit(ctx))
	require.NoError(t, b.Quit(ctx))
}

func TestAsyncBuffer_PendingPopsResolveOnQuitWithEmptyBuffer(t *testing.T) {
	ctx := context.Background()
	b := buffer.New[int](buffer.Options{MaxSize: 4})

	var wg sync.WaitGroup
	results := make([]bool, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := b.Pop(ctx)
			require.NoError(t, err)
			results[i] = ok
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Quit(ctx))
	wg.Wait()

	for _, ok := range results {
		assert.False(t, ok)
	}
}

func TestAsyncBuffer_Iterate(t *testing.T) {
	ctx := context.Background()
	b := buffer.New[int](buffer.Options{MaxSize: 10})
	for i := 1; i <= 5; i++ {
		require.NoError(t, b.Push(ctx, i))
	}

	go func() {
		require.NoError(t, b.Quit(ctx))
	}()

	var got []int
	for v := range b.Iterate(ctx) {
		got = append(got, v)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, got)
}

func TestAsyncBuffer_ContextCancellationUnblocksPop(t *testing.T) {
	b := buffer.New[int](buffer.Options{MaxSize: 4})
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, _, err := b.Pop(ctx)
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("pop should have returned after context cancellation")
	}
}

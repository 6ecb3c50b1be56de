package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_BoundedConcurrency(t *testing.T) {
	pool := NewWorkerPool(2)
	ctx := context.Background()

	var current, peak int64
	var mu sync.Mutex

	for i := 0; i < 6; i++ {
		err := pool.Submit(ctx, func(ctx context.Context) error {
			n := atomic.AddInt64(&current, 1)
			mu.Lock()
			if n > peak {
				peak = n
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		})
		require.NoError(t, err)
	}
	pool.Wait()

	assert.LessOrEqual(t, peak, int64(2))
	assert.Equal(t, int64(6), pool.Metrics().Completed)
}

func TestWorkerPool_ParkedReleasesSlot(t *testing.T) {
	pool := NewWorkerPool(1)
	ctx := context.Background()

	require.NoError(t, pool.Submit(ctx, func(ctx context.Context) error {
		return ErrResultPending
	}))
	pool.Wait()

	// The single slot must be free again after the park.
	done := make(chan struct{})
	require.NoError(t, pool.Submit(ctx, func(ctx context.Context) error {
		close(done)
		return nil
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("slot was not released after parked handler returned")
	}
	pool.Wait()

	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Parked)
	assert.Equal(t, int64(1), m.Completed)
	assert.Equal(t, int64(0), m.Failed)
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Shutdown()

	err := pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestWorkerPool_SubmitRespectsContext(t *testing.T) {
	pool := NewWorkerPool(1)

	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
	pool.Shutdown()
}

func TestWorkerPool_RecoversPanics(t *testing.T) {
	pool := NewWorkerPool(1)

	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		panic("boom")
	}))
	pool.Wait()

	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(1), m.Failed)
}

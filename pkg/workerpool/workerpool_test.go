package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsEveryJob(t *testing.T) {
	p := NewPool[int](4, 100)
	defer p.Stop()

	var sum int64
	var cleaned int32
	for i := 1; i <= 100; i++ {
		err := p.Submit(Job[int]{
			Payload: i,
			Ctx:     context.Background(),
			Fn: func(_ context.Context, n int) error {
				atomic.AddInt64(&sum, int64(n))
				return nil
			},
			CleanupFunc: func() { atomic.AddInt32(&cleaned, 1) },
		})
		require.NoError(t, err)
	}
	p.Wait()
	assert.Equal(t, int64(5050), atomic.LoadInt64(&sum))
	assert.Equal(t, int32(100), atomic.LoadInt32(&cleaned))
	assert.Equal(t, int32(0), p.ActiveWorkers())
}

func TestPoolBoundsConcurrency(t *testing.T) {
	const k = 3
	p := NewPool[int](k, 20)
	defer p.Stop()

	var running, peak int32
	var mu sync.Mutex
	for i := 0; i < 20; i++ {
		require.NoError(t, p.Submit(Job[int]{
			Payload: i,
			Ctx:     context.Background(),
			Fn: func(context.Context, int) error {
				n := atomic.AddInt32(&running, 1)
				mu.Lock()
				if n > peak {
					peak = n
				}
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			},
		}))
	}
	p.Wait()
	assert.LessOrEqual(t, peak, int32(k))
	assert.Positive(t, peak)
}

func TestSubmitDoesNotWaitForCompletion(t *testing.T) {
	p := NewPool[int](1, 10)
	defer p.Stop()

	release := make(chan struct{})
	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(Job[int]{
			Payload: i,
			Ctx:     context.Background(),
			Fn: func(context.Context, int) error {
				<-release
				return nil
			},
		}))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	close(release)
	p.Wait()
}

func TestSubmitAfterClose(t *testing.T) {
	p := NewPool[int](2, 2)
	p.Stop()
	err := p.Submit(Job[int]{Payload: 1, Fn: func(context.Context, int) error { return nil }})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestCanceledJobIsSkippedButCleanedUp(t *testing.T) {
	p := NewPool[int](1, 2)
	defer p.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var ran, cleaned bool
	// queue has room, so Submit succeeds even with a done context
	err := p.Submit(Job[int]{
		Payload:     1,
		Ctx:         ctx,
		Fn:          func(context.Context, int) error { ran = true; return nil },
		CleanupFunc: func() { cleaned = true },
	})
	if err != nil {
		// select picked the done context, nothing was queued
		assert.ErrorIs(t, err, context.Canceled)
		return
	}
	p.Wait()
	assert.False(t, ran)
	assert.True(t, cleaned)
}

func TestJobErrorDoesNotStopPool(t *testing.T) {
	p := NewPool[int](1, 4)
	defer p.Stop()

	var done int32
	for i := 0; i < 4; i++ {
		require.NoError(t, p.Submit(Job[int]{
			Payload: i,
			Ctx:     context.Background(),
			Fn: func(_ context.Context, n int) error {
				atomic.AddInt32(&done, 1)
				if n%2 == 0 {
					return errors.New("device failed")
				}
				return nil
			},
		}))
	}
	p.Wait()
	assert.Equal(t, int32(4), atomic.LoadInt32(&done))
}

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

func TestPoolBoundsConcurrency(t *testing.T) {
	const limit, jobs = 3, 20
	p := NewPool[int](limit)
	defer p.Stop()

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	wg.Add(jobs)
	for i := 0; i < jobs; i++ {
		err := p.Submit(Job[int]{
			Payload: i,
			Ctx:     context.Background(),
			Fn: func(context.Context, int) error {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return nil
			},
			Done: func(err error) {
				assert.NoError(t, err)
				wg.Done()
			},
		})
		require.NoError(t, err)
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(limit))
	assert.Equal(t, limit, p.MaxWorkers())
}

func TestPoolCancelledJobDoesNotRun(t *testing.T) {
	p := NewPool[string](2)
	defer p.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Bool
	done := make(chan error, 1)
	require.NoError(t, p.Submit(Job[string]{
		Payload: "host",
		Ctx:     ctx,
		Fn:      func(context.Context, string) error { ran.Store(true); return nil },
		Done:    func(err error) { done <- err },
	}))

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.False(t, ran.Load())
}

func TestPoolRetriesFailingJob(t *testing.T) {
	p := NewPool[int](1, WithAttempts(3, time.Millisecond))
	defer p.Stop()

	var calls atomic.Int32
	boom := errors.New("boom")
	done := make(chan error, 1)
	require.NoError(t, p.Submit(Job[int]{
		Ctx: context.Background(),
		Fn: func(context.Context, int) error {
			if calls.Add(1) < 3 {
				return boom
			}
			return nil
		},
		Done: func(err error) { done <- err },
	}))
	assert.NoError(t, <-done)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPoolSingleAttemptByDefault(t *testing.T) {
	p := NewPool[int](1)
	defer p.Stop()

	var calls atomic.Int32
	boom := errors.New("boom")
	done := make(chan error, 1)
	require.NoError(t, p.Submit(Job[int]{
		Ctx:  context.Background(),
		Fn:   func(context.Context, int) error { calls.Add(1); return boom },
		Done: func(err error) { done <- err },
	}))
	assert.ErrorIs(t, <-done, boom)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPoolStopFinishesEveryJob(t *testing.T) {
	p := NewPool[int](1)

	release := make(chan struct{})
	started := make(chan struct{})
	var finished atomic.Int32
	var cleaned atomic.Int32
	var stopped atomic.Int32

	submit := func(fn JobFunc[int]) {
		require.NoError(t, p.Submit(Job[int]{
			Ctx: context.Background(),
			Fn:  fn,
			Done: func(err error) {
				finished.Add(1)
				if errors.Is(err, ErrPoolStopped) {
					stopped.Add(1)
				}
			},
			CleanupFunc: func() { cleaned.Add(1) },
		}))
	}
	submit(func(context.Context, int) error {
		close(started)
		<-release
		return nil
	})
	<-started
	submit(func(context.Context, int) error { return nil })

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	p.Stop()

	assert.Equal(t, int32(2), finished.Load())
	assert.Equal(t, int32(2), cleaned.Load())
	assert.LessOrEqual(t, stopped.Load(), int32(1))
	assert.Equal(t, int32(0), p.ActiveWorkers())

	var late error
	err := p.Submit(Job[int]{Fn: func(context.Context, int) error { return nil }, Done: func(err error) { late = err }})
	assert.ErrorIs(t, err, ErrPoolStopped)
	assert.ErrorIs(t, late, ErrPoolStopped)

	p.Stop()
}

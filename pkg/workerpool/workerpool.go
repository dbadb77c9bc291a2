package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andrej220/fleetbridge/internal/lg"
)

const (
	TotalMaxWorkers = 10
	defaultAttempts = 1
)

var ErrPoolStopped = errors.New("worker pool stopped")

type JobFunc[T any] func(context.Context, T) error

// Job is one unit of work. Done, when set, is called exactly once for every
// submitted job with its final error: nil on success, the context error if
// the job was cancelled before it started, ErrPoolStopped if it never ran.
type Job[T any] struct {
	Payload     T
	Fn          JobFunc[T]
	Ctx         context.Context
	Done        func(error)
	CleanupFunc func()
}

func (j Job[T]) finish(err error) {
	if j.Done != nil {
		j.Done(err)
	}
	if j.CleanupFunc != nil {
		j.CleanupFunc()
	}
}

type Option func(*options)

type options struct {
	attempts   int
	retryDelay time.Duration
}

// WithAttempts runs a failing job up to n times, waiting attempt*delay
// between tries.
func WithAttempts(n int, delay time.Duration) Option {
	return func(o *options) {
		if n > 0 {
			o.attempts = n
		}
		o.retryDelay = delay
	}
}

// Pool runs at most maxWorkers jobs at once.
type Pool[T any] struct {
	Jobs          chan Job[T]
	activeWorkers int32
	wg            sync.WaitGroup
	quit          chan struct{}
	dispatchDone  chan struct{}
	slots         chan struct{}
	maxWorkers    int
	opts          options

	mu       sync.RWMutex
	stopped  bool
	stopOnce sync.Once
}

func NewPool[T any](maxWorkers int, opts ...Option) *Pool[T] {
	if maxWorkers <= 0 {
		maxWorkers = TotalMaxWorkers
	}
	o := options{attempts: defaultAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	pool := &Pool[T]{
		Jobs:         make(chan Job[T], maxWorkers),
		quit:         make(chan struct{}),
		dispatchDone: make(chan struct{}),
		slots:        make(chan struct{}, maxWorkers),
		maxWorkers:   maxWorkers,
		opts:         o,
	}
	go pool.dispatch()
	return pool
}

// Stop waits for running jobs and finishes every queued one with
// ErrPoolStopped. It is safe to call more than once.
func (p *Pool[T]) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()

		<-p.dispatchDone
		p.wg.Wait()
		for {
			select {
			case job := <-p.Jobs:
				job.finish(ErrPoolStopped)
			default:
				return
			}
		}
	})
}

func (p *Pool[T]) Submit(job Job[T]) error {
	if job.Ctx == nil {
		job.Ctx = context.Background()
	}
	logger := lg.FromContext(job.Ctx)

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		job.finish(ErrPoolStopped)
		return ErrPoolStopped
	}
	select {
	case p.Jobs <- job:
		logger.Debug("Job submitted", lg.Any("job", job.Payload))
		return nil
	case <-p.quit:
		logger.Info("Worker pool is shutting down, job rejected")
		job.finish(ErrPoolStopped)
		return ErrPoolStopped
	}
}

func (p *Pool[T]) dispatch() {
	defer close(p.dispatchDone)
	for {
		select {
		case job := <-p.Jobs:
			select {
			case p.slots <- struct{}{}:
			case <-p.quit:
				job.finish(ErrPoolStopped)
				return
			}
			p.wg.Add(1)
			atomic.AddInt32(&p.activeWorkers, 1)
			go p.worker(job)
		case <-p.quit:
			return
		}
	}
}

func (p *Pool[T]) worker(job Job[T]) {
	defer p.wg.Done()
	defer func() { <-p.slots }()
	defer atomic.AddInt32(&p.activeWorkers, -1)

	logger := lg.FromContext(job.Ctx).With(lg.Any("job", job.Payload))
	if err := job.Ctx.Err(); err != nil {
		logger.Info("Job canceled before start", lg.Err(err))
		job.finish(err)
		return
	}
	logger.Debug("Worker started", lg.Int32("workers", atomic.LoadInt32(&p.activeWorkers)))

	err := p.run(job)
	if err != nil {
		logger.Warn("Worker error", lg.Err(err))
	} else {
		logger.Debug("Worker finished", lg.Int32("workers", atomic.LoadInt32(&p.activeWorkers)))
	}
	job.finish(err)
}

func (p *Pool[T]) run(job Job[T]) error {
	var err error
	for attempt := 1; attempt <= p.opts.attempts; attempt++ {
		if err = job.Fn(job.Ctx, job.Payload); err == nil {
			return nil
		}
		if attempt == p.opts.attempts {
			break
		}
		select {
		case <-job.Ctx.Done():
			return err
		case <-time.After(time.Duration(attempt) * p.opts.retryDelay):
		}
	}
	if p.opts.attempts > 1 {
		return fmt.Errorf("failed after %d attempts: %w", p.opts.attempts, err)
	}
	return err
}

func (p *Pool[T]) ActiveWorkers() int32 {
	return atomic.LoadInt32(&p.activeWorkers)
}

func (p *Pool[T]) MaxWorkers() int { return p.maxWorkers }

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IliaW/nsfw-gate/config"
	"github.com/IliaW/nsfw-gate/internal/telemetry"
	"golang.org/x/time/rate"
)

var (
	PoolBusyError   = errors.New("worker pool is busy")
	PoolClosedError = errors.New("worker pool is closed")
	JobPanicError   = errors.New("job panicked")
)

// Pool runs CPU and process bound jobs on a fixed number of goroutines so that
// request handlers only wait for results. The queue is bounded: a submission
// that cannot be queued within the queue timeout fails with PoolBusyError.
type Pool struct {
	jobs         chan func()
	size         int
	queueTimeout time.Duration
	jobTimeout   time.Duration
	metrics      *telemetry.PoolMetrics
	busyLog      rate.Sometimes
	mu           sync.RWMutex
	closed       bool
	inFlight     atomic.Int64
	wg           sync.WaitGroup
}

func NewPool(cfg *config.WorkerConfig, metrics *telemetry.PoolMetrics) *Pool {
	size := parallelWorkers(cfg.WorkersNum)
	p := &Pool{
		jobs:         make(chan func(), cfg.QueueSize),
		size:         size,
		queueTimeout: cfg.QueueTimeout,
		jobTimeout:   cfg.JobTimeout,
		metrics:      metrics,
		busyLog:      rate.Sometimes{Interval: time.Minute},
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.run()
	}
	slog.Info("worker pool started.", slog.Int("workers", size), slog.Int("queue_size", cfg.QueueSize))

	return p
}

// Set -1 to use all available CPUs
func parallelWorkers(workersNum int) int {
	if workersNum <= 0 {
		return runtime.NumCPU()
	}
	return workersNum
}

func (p *Pool) Size() int {
	return p.size
}

// InFlight returns the number of jobs queued or running.
func (p *Pool) InFlight() int64 {
	return p.inFlight.Load()
}

func (p *Pool) run() {
	defer p.wg.Done()
	for job := range p.jobs {
		job()
	}
}

// Submit queues fn on the pool and waits for its result. fn receives a context
// derived from ctx and bounded by the job timeout. When ctx ends first, Submit
// returns ctx.Err() and the result of fn is discarded.
func Submit[T any](ctx context.Context, p *Pool, fn func(ctx context.Context) (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	var zero T
	done := make(chan result, 1)

	job := func() {
		defer p.inFlight.Add(-1)
		if err := ctx.Err(); err != nil {
			done <- result{err: err}
			return
		}
		jobCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.jobTimeout > 0 {
			jobCtx, cancel = context.WithTimeout(ctx, p.jobTimeout)
		}
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in pool job.", slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())))
				p.metrics.PanickedJobCnt(1)
				done <- result{err: fmt.Errorf("%w: %v", JobPanicError, r)}
			}
		}()
		val, err := fn(jobCtx)
		done <- result{val: val, err: err}
	}

	if err := p.enqueue(ctx, job); err != nil {
		return zero, err
	}

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (p *Pool) enqueue(ctx context.Context, job func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return PoolClosedError
	}

	p.inFlight.Add(1)
	select {
	case p.jobs <- job:
		return nil
	default:
	}

	var timeout <-chan time.Time
	if p.queueTimeout > 0 {
		t := time.NewTimer(p.queueTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case p.jobs <- job:
		return nil
	case <-timeout:
		p.inFlight.Add(-1)
		p.metrics.RejectedJobCnt(1)
		p.busyLog.Do(func() {
			slog.Warn("worker pool is saturated. Rejecting jobs.", slog.Int("workers", p.size),
				slog.Int("queue_size", cap(p.jobs)))
		})
		return PoolBusyError
	case <-ctx.Done():
		p.inFlight.Add(-1)
		return ctx.Err()
	}
}

// Close stops accepting jobs, lets the queued ones finish and waits for the
// workers to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	slog.Info("draining worker pool.", slog.Int64("in_flight", p.inFlight.Load()))
	p.wg.Wait()
	slog.Info("worker pool stopped.")
}

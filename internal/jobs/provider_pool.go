package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/tanoshi/narration/internal/providers"
	"github.com/tanoshi/narration/internal/types"
)

// Handler performs one provider call for a task.
type Handler[T, R any] func(ctx context.Context, task T) (R, error)

// Callback receives the outcome of an enqueued task.
type Callback[R any] func(result R, err error)

// PoolConfig configures a new pool.
type PoolConfig[T, R any] struct {
	Name   string
	Type   PoolType
	Logger *slog.Logger

	// Handler is invoked once per attempt.
	Handler Handler[T, R]

	// Workers is the maximum number of in-flight calls.
	Workers int

	// Less orders the queue. Nil means FIFO.
	Less Less[T]

	// Cancelled reports tasks that should be dropped instead of dispatched.
	Cancelled func(T) bool

	Retry RetryConfig

	// CallTimeout bounds a single attempt. Zero means no per-call timeout.
	CallTimeout time.Duration

	// RateLimiter throttles dispatch (optional).
	RateLimiter *providers.RateLimiter
}

type request[T, R any] struct {
	task T
	ctx  context.Context
	cb   Callback[R]
}

// Pool runs a handler over queued tasks with bounded concurrency.
// A single dispatcher goroutine takes a slot, pops the highest priority
// task, waits for the rate limiter and hands the task to one of N workers.
// Tasks cancelled while queued are dropped without taking a slot.
type Pool[T, R any] struct {
	name        string
	poolType    PoolType
	handler     Handler[T, R]
	cancelled   func(T) bool
	retry       RetryConfig
	callTimeout time.Duration
	rateLimiter *providers.RateLimiter
	logger      *slog.Logger

	queue   *PriorityQueue[*request[T, R]]
	slots   chan struct{}
	work    chan *request[T, R]
	workers int

	inFlight  atomic.Int32
	peak      atomic.Int32
	completed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	retries   atomic.Int64
}

// NewPool creates a pool. Start must be called before work is processed.
func NewPool[T, R any](cfg PoolConfig[T, R]) (*Pool[T, R], error) {
	if cfg.Handler == nil {
		return nil, fmt.Errorf("pool %s: handler is required", cfg.Name)
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("pool %s: workers must be positive", cfg.Name)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rc := cfg.Retry
	if rc.Attempts == 0 {
		rc = DefaultRetryConfig()
	}

	var less Less[*request[T, R]]
	if cfg.Less != nil {
		less = func(a, b *request[T, R]) bool { return cfg.Less(a.task, b.task) }
	}

	return &Pool[T, R]{
		name:        cfg.Name,
		poolType:    cfg.Type,
		handler:     cfg.Handler,
		cancelled:   cfg.Cancelled,
		retry:       rc,
		callTimeout: cfg.CallTimeout,
		rateLimiter: cfg.RateLimiter,
		logger:      logger.With("pool", cfg.Name, "type", cfg.Type, "workers", cfg.Workers),
		queue:       NewPriorityQueue(less),
		slots:       make(chan struct{}, cfg.Workers),
		work:        make(chan *request[T, R]),
		workers:     cfg.Workers,
	}, nil
}

// Name returns the pool name.
func (p *Pool[T, R]) Name() string {
	return p.name
}

// Start begins processing. Blocks until ctx is cancelled, then fails any
// task still queued with ErrPoolStopped.
func (p *Pool[T, R]) Start(ctx context.Context) {
	p.logger.Debug("pool started")

	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		p.dispatcher(ctx)
	}()

	for i := 0; i < p.workers; i++ {
		go p.worker(ctx)
	}

	<-ctx.Done()
	<-dispatcherDone
	for _, req := range p.queue.Remove(func(*request[T, R]) bool { return true }) {
		var zero R
		req.cb(zero, ErrPoolStopped)
	}
	p.logger.Debug("pool stopped")
}

// Submit queues a task and waits for its result.
func (p *Pool[T, R]) Submit(ctx context.Context, task T) (R, error) {
	type outcome struct {
		result R
		err    error
	}
	ch := make(chan outcome, 1)
	p.enqueue(ctx, task, func(r R, err error) { ch <- outcome{r, err} })

	select {
	case o := <-ch:
		return o.result, o.err
	case <-ctx.Done():
		// The dispatcher drops the request once it sees the dead context.
		var zero R
		return zero, ctx.Err()
	}
}

// Enqueue queues a task and calls cb with its outcome from a worker goroutine.
func (p *Pool[T, R]) Enqueue(task T, cb Callback[R]) {
	if cb == nil {
		cb = func(R, error) {}
	}
	p.enqueue(context.Background(), task, cb)
}

func (p *Pool[T, R]) enqueue(ctx context.Context, task T, cb Callback[R]) {
	p.queue.Push(&request[T, R]{task: task, ctx: ctx, cb: cb})
}

// Reprioritize reorders queued tasks after their priority inputs changed.
func (p *Pool[T, R]) Reprioritize() {
	p.queue.Reprioritize()
}

// Purge drops every queued task matching pred and returns how many.
func (p *Pool[T, R]) Purge(pred func(T) bool) int {
	removed := p.queue.Remove(func(r *request[T, R]) bool { return pred(r.task) })
	for _, req := range removed {
		p.drop(req)
	}
	return len(removed)
}

func (p *Pool[T, R]) drop(req *request[T, R]) {
	p.dropped.Add(1)
	var zero R
	req.cb(zero, ErrTaskDropped)
}

func (p *Pool[T, R]) isCancelled(req *request[T, R]) bool {
	if req.ctx.Err() != nil {
		return true
	}
	return p.cancelled != nil && p.cancelled(req.task)
}

// dispatcher owns slot acquisition and the rate limiter.
func (p *Pool[T, R]) dispatcher(ctx context.Context) {
	done := ctx.Done()
	for {
		select {
		case p.slots <- struct{}{}:
		case <-done:
			return
		}

		req, ok := p.next(done)
		if !ok {
			<-p.slots
			return
		}

		if p.rateLimiter != nil {
			if err := p.rateLimiter.Wait(ctx); err != nil {
				<-p.slots
				var zero R
				req.cb(zero, fmt.Errorf("rate limit wait cancelled: %w", err))
				return
			}
		}

		n := p.inFlight.Add(1)
		for {
			peak := p.peak.Load()
			if n <= peak || p.peak.CompareAndSwap(peak, n) {
				break
			}
		}

		select {
		case p.work <- req:
		case <-done:
			p.inFlight.Add(-1)
			<-p.slots
			var zero R
			req.cb(zero, ErrPoolStopped)
			return
		}
	}
}

// next pops until it finds a task that is still wanted.
func (p *Pool[T, R]) next(done <-chan struct{}) (*request[T, R], bool) {
	for {
		req, ok := p.queue.Pop(done)
		if !ok {
			return nil, false
		}
		if p.isCancelled(req) {
			p.drop(req)
			continue
		}
		return req, true
	}
}

func (p *Pool[T, R]) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-p.work:
			result, err := p.process(ctx, req)
			p.inFlight.Add(-1)
			<-p.slots
			if err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}
			req.cb(result, err)
		}
	}
}

// process runs the handler with retries on transient failures.
func (p *Pool[T, R]) process(ctx context.Context, req *request[T, R]) (R, error) {
	callCtx, cancel := mergeCancel(ctx, req.ctx)
	defer cancel()

	result, err := retry.DoWithData(
		func() (R, error) {
			attemptCtx, cancel := p.withCallTimeout(callCtx)
			defer cancel()
			return p.handler(attemptCtx, req.task)
		},
		retry.Context(callCtx),
		retry.Attempts(p.retry.Attempts),
		retry.Delay(p.retry.Delay),
		retry.MaxDelay(p.retry.MaxDelay),
		retry.MaxJitter(p.retry.MaxJitter),
		retry.DelayType(p.delay),
		retry.RetryIf(func(err error) bool { return callCtx.Err() == nil && IsRetriable(err) }),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			p.retries.Add(1)
			p.logger.Debug("call failed, retrying",
				"attempt", n+1,
				"max_attempts", p.retry.Attempts,
				"error", err)
		}),
	)
	if err != nil {
		p.logger.Warn("task failed", "error", err)
	}
	return result, err
}

func (p *Pool[T, R]) withCallTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.callTimeout)
}

// delay honours Retry-After from rate-limited providers and otherwise backs
// off exponentially with jitter.
func (p *Pool[T, R]) delay(n uint, err error, config *retry.Config) time.Duration {
	if rle, ok := providers.IsRateLimitError(err); ok && rle.RetryAfter > 0 {
		if p.rateLimiter != nil {
			p.rateLimiter.Record429(rle.RetryAfter)
		}
		p.logger.Debug("sleeping for Retry-After duration", "delay", rle.RetryAfter)
		return rle.RetryAfter
	}
	return retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)(n, err, config)
}

// IsRetriable reports whether a provider error is worth another attempt.
func IsRetriable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if types.IsValidation(err) {
		return false
	}
	if types.IsTransient(err) {
		return true
	}
	if _, ok := providers.IsRateLimitError(err); ok {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// mergeCancel returns a context cancelled when either parent is done.
// Values and deadline come from a.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Status returns the current pool state.
func (p *Pool[T, R]) Status() PoolStatus {
	s := PoolStatus{
		Name:         p.name,
		Type:         string(p.poolType),
		Workers:      p.workers,
		InFlight:     int(p.inFlight.Load()),
		PeakInFlight: int(p.peak.Load()),
		QueueDepth:   p.queue.Len(),
		Completed:    p.completed.Load(),
		Failed:       p.failed.Load(),
		Dropped:      p.dropped.Load(),
		Retries:      p.retries.Load(),
	}
	if p.rateLimiter != nil {
		rl := p.rateLimiter.Status()
		s.RateLimiter = &rl
	}
	return s
}

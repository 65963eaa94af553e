package extract

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxInflight is the default cap on concurrently admitted
	// extractions, queued and running combined.
	DefaultMaxInflight = DefaultQueueDepth

	// DefaultTimeout is the default per-extraction deadline.
	DefaultTimeout = 5 * time.Second
)

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// MaxInflight caps the number of admitted extractions that have not
	// settled yet. Values above the pool queue capacity are clamped to
	// it so that admission never blocks.
	MaxInflight int

	// Timeout is the per-extraction deadline. A request that reaches it
	// settles with ErrExtractionTimeout and frees its slot immediately.
	Timeout time.Duration

	// RateLimit throttles admissions per second on top of the in-flight
	// cap. Zero means no rate limit.
	RateLimit rate.Limit

	// RateBurst is the burst size for RateLimit.
	RateBurst int
}

// DefaultDispatcherOptions holds the default Dispatcher options.
var DefaultDispatcherOptions = DispatcherOptions{
	MaxInflight: DefaultMaxInflight,
	Timeout:     DefaultTimeout,
}

// DispatcherStats is a point-in-time snapshot of dispatcher counters.
type DispatcherStats struct {
	InFlight  int64
	Submitted int64
	Rejected  int64
	Timeouts  int64
	Restarts  int64
}

// Dispatcher admits extraction requests against a hard in-flight cap and
// hands them to a Pool. Admission never blocks: a request either gets a
// slot immediately or fails with ErrCapacityExceeded.
type Dispatcher struct {
	pool    *Pool
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	timeout time.Duration

	inflight  atomic.Int64
	submitted atomic.Int64
	rejected  atomic.Int64
	timeouts  atomic.Int64
}

// NewDispatcher wraps a Pool with admission control.
func NewDispatcher(pool *Pool, optFns ...func(o *DispatcherOptions)) *Dispatcher {
	opts := DefaultDispatcherOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.MaxInflight <= 0 || opts.MaxInflight > pool.QueueCap() {
		opts.MaxInflight = pool.QueueCap()
	}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	d := &Dispatcher{
		pool:    pool,
		sem:     semaphore.NewWeighted(int64(opts.MaxInflight)),
		timeout: opts.Timeout,
	}

	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = opts.MaxInflight
		}

		d.limiter = rate.NewLimiter(opts.RateLimit, burst)
	}

	return d
}

// Submit admits one extraction and returns a Future for its outcome. It
// fails with ErrCapacityExceeded when the in-flight cap or admission rate
// is exhausted, without blocking.
func (d *Dispatcher) Submit(ctx context.Context, img []byte) (*Future, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if d.limiter != nil && !d.limiter.Allow() {
		d.rejected.Add(1)
		return nil, ErrCapacityExceeded
	}

	if !d.sem.TryAcquire(1) {
		d.rejected.Add(1)
		return nil, ErrCapacityExceeded
	}

	d.inflight.Add(1)

	f := newFuture()

	// The slot is freed exactly once, on the first settle. A worker still
	// chewing on a timed-out request keeps running; its result is dropped
	// when it tries to settle again.
	f.onSettle(func() {
		d.inflight.Add(-1)
		d.sem.Release(1)
	})

	tctx, cancel := context.WithCancel(ctx)
	f.onSettle(func() { cancel() })

	timer := time.AfterFunc(d.timeout, func() {
		if f.settle(Result{}, ErrExtractionTimeout) {
			d.timeouts.Add(1)
		}
	})

	f.onSettle(func() { timer.Stop() })

	if err := d.pool.submit(&task{ctx: tctx, img: img, future: f}); err != nil {
		f.settle(Result{}, err)

		if errors.Is(err, ErrCapacityExceeded) {
			d.rejected.Add(1)
		}

		return nil, err
	}

	d.submitted.Add(1)

	return f, nil
}

// Extract submits an extraction and waits for it to settle.
func (d *Dispatcher) Extract(ctx context.Context, img []byte) (Result, error) {
	f, err := d.Submit(ctx, img)
	if err != nil {
		return Result{}, err
	}

	return f.Wait(ctx)
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		InFlight:  d.inflight.Load(),
		Submitted: d.submitted.Load(),
		Rejected:  d.rejected.Load(),
		Timeouts:  d.timeouts.Load(),
		Restarts:  d.pool.Restarts(),
	}
}

// Close shuts down the underlying pool. In-flight requests settle before
// Close returns.
func (d *Dispatcher) Close() error {
	return d.pool.Close()
}

// Future is the pending outcome of a submitted extraction. It settles
// exactly once, with either a result or an error.
type Future struct {
	done chan struct{}

	mu      sync.Mutex
	settled bool
	res     Result
	err     error
	cleanup []func()
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Done is closed when the extraction has settled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Settled reports whether the extraction has settled.
func (f *Future) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the extraction settles or ctx is canceled.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// onSettle registers fn to run when the future settles. If it already has,
// fn runs immediately.
func (f *Future) onSettle(fn func()) {
	f.mu.Lock()

	if !f.settled {
		f.cleanup = append(f.cleanup, fn)
		f.mu.Unlock()

		return
	}

	f.mu.Unlock()
	fn()
}

// settle records the outcome on the first call and reports whether this
// call was the one that settled the future. Cleanup hooks run before the
// done channel closes, so a freed slot is visible as soon as Wait returns.
func (f *Future) settle(res Result, err error) bool {
	f.mu.Lock()

	if f.settled {
		f.mu.Unlock()
		return false
	}

	f.settled = true
	f.res = res
	f.err = err
	cleanup := f.cleanup
	f.cleanup = nil
	f.mu.Unlock()

	for _, fn := range cleanup {
		fn()
	}

	close(f.done)

	return true
}

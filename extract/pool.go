package extract

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultWorkers is the default number of extraction workers.
	DefaultWorkers = 4

	// DefaultQueueDepth is the default task queue capacity.
	DefaultQueueDepth = DefaultWorkers + 5

	// DefaultRebuildDelay is the minimum pause between attempts to rebuild
	// a crashed worker context.
	DefaultRebuildDelay = 100 * time.Millisecond
)

// PoolOptions configures a Pool.
type PoolOptions struct {
	// Workers is the number of workers. Each worker owns a private
	// Extractor instance and serves one request at a time.
	Workers int

	// QueueDepth is the capacity of the task queue shared by all workers.
	QueueDepth int

	// RebuildDelay is the minimum pause between attempts to rebuild a
	// crashed worker context. Requests arriving within the pause fail
	// with ErrWorkerFailure instead of hammering the factory.
	RebuildDelay time.Duration

	// OnRebuild, if set, is called after a worker context crashed and
	// before it is rebuilt.
	OnRebuild func(worker int, cause error)
}

// DefaultPoolOptions holds the default Pool options.
var DefaultPoolOptions = PoolOptions{
	Workers:      DefaultWorkers,
	QueueDepth:   DefaultQueueDepth,
	RebuildDelay: DefaultRebuildDelay,
}

type task struct {
	ctx    context.Context
	img    []byte
	future *Future
}

// Pool owns a fixed set of workers, each holding its own model state. A
// worker that panics fails only the request it was serving; its state is
// torn down and rebuilt before it serves again.
//
// A worker running an extractor that ignores context cancellation stays
// occupied until the call returns. The pool never kills a running worker.
type Pool struct {
	factory      Factory
	size         int
	rebuildDelay time.Duration
	onRebuild    func(worker int, cause error)

	tasks chan *task

	mu     sync.RWMutex
	closed bool

	wg       sync.WaitGroup
	restarts atomic.Int64
}

// NewPool starts a pool of workers. Every worker builds its Extractor up
// front; if any build fails, the ones already built are closed and the
// error is returned.
func NewPool(ctx context.Context, factory Factory, optFns ...func(o *PoolOptions)) (*Pool, error) {
	opts := DefaultPoolOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	if factory == nil {
		return nil, fmt.Errorf("factory must not be nil")
	}

	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}

	if opts.QueueDepth < opts.Workers {
		opts.QueueDepth = opts.Workers
	}

	if opts.RebuildDelay <= 0 {
		opts.RebuildDelay = DefaultRebuildDelay
	}

	extractors := make([]Extractor, opts.Workers)

	g, gctx := errgroup.WithContext(ctx)

	for i := range extractors {
		i := i

		g.Go(func() error {
			ext, err := factory(gctx)
			if err != nil {
				return fmt.Errorf("build worker %d: %w", i, err)
			}

			extractors[i] = ext

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, ext := range extractors {
			if ext != nil {
				closeExtractor(ext)
			}
		}

		return nil, err
	}

	p := &Pool{
		factory:      factory,
		size:         opts.Workers,
		rebuildDelay: opts.RebuildDelay,
		onRebuild:    opts.OnRebuild,
		tasks:        make(chan *task, opts.QueueDepth),
	}

	p.wg.Add(opts.Workers)

	for i, ext := range extractors {
		go p.worker(i, ext)
	}

	return p, nil
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// QueueCap returns the capacity of the task queue.
func (p *Pool) QueueCap() int {
	return cap(p.tasks)
}

// Restarts returns the number of worker context rebuilds since start.
func (p *Pool) Restarts() int64 {
	return p.restarts.Load()
}

// submit enqueues a task without blocking. It reports ErrPoolClosed after
// Close and ErrCapacityExceeded when the queue is full.
func (p *Pool) submit(t *task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.tasks <- t:
		return nil
	default:
		return ErrCapacityExceeded
	}
}

// Close stops accepting tasks, drains the queue and waits for the workers
// to finish their current requests.
func (p *Pool) Close() error {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil
	}

	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()

	return nil
}

func (p *Pool) worker(id int, ext Extractor) {
	defer p.wg.Done()

	defer func() {
		if ext != nil {
			closeExtractor(ext)
		}
	}()

	var lastBuildFailure time.Time

	for t := range p.tasks {
		// Settled tasks timed out or were canceled while queued.
		if t.future.Settled() {
			continue
		}

		if ext == nil {
			if !lastBuildFailure.IsZero() && time.Since(lastBuildFailure) < p.rebuildDelay {
				t.future.settle(Result{}, &ErrWorkerFailure{cause: fmt.Errorf("worker %d rebuilding", id)})
				continue
			}

			// Rebuilding is worker state, not request work, so it is
			// not bound to the request deadline.
			rebuilt, err := p.factory(context.Background())
			if err != nil {
				lastBuildFailure = time.Now()
				t.future.settle(Result{}, &ErrWorkerFailure{cause: fmt.Errorf("rebuild worker %d: %w", id, err)})

				continue
			}

			lastBuildFailure = time.Time{}
			ext = rebuilt
		}

		res, err := p.runExtract(ext, t)
		if err != nil {
			if isWorkerFailure(err) {
				closeExtractor(ext)
				ext = nil

				p.restarts.Add(1)

				if p.onRebuild != nil {
					p.onRebuild(id, err)
				}
			}

			t.future.settle(Result{}, err)

			continue
		}

		t.future.settle(res, nil)
	}
}

// runExtract turns a panicking extractor into an ErrWorkerFailure instead
// of taking the process down.
func (p *Pool) runExtract(ext Extractor, t *task) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ErrWorkerFailure{cause: fmt.Errorf("panic: %v", r)}
		}
	}()

	return ext.Extract(t.ctx, t.img)
}

func isWorkerFailure(err error) bool {
	var wf *ErrWorkerFailure

	return errors.As(err, &wf)
}

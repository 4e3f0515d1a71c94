package worker

import (
	"context"
	"runtime"
	"sync"

	"nodestore/internal/logger"
)

var log = logger.Component("worker")

// Job is a unit of work executed by a pool worker.
type Job func()

// PoolConfig configures a worker pool.
type PoolConfig struct {
	NumWorkers  int // number of workers (0 means runtime.NumCPU())
	QueueFactor int // queue size = NumWorkers * QueueFactor
}

// DefaultPoolConfig returns the pool's default configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		NumWorkers:  0,   // CPU count
		QueueFactor: 100, // default multiplier
	}
}

// Pool manages a fixed set of worker goroutines draining a shared job
// queue. The store runtime uses it for deferred reclamation sweeps and
// for workload fan-out; jobs must not assume which goroutine runs them.
type Pool struct {
	numWorkers int
	jobs       chan Job

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewPool creates a worker pool with numWorkers workers. numWorkers <= 0
// uses runtime.NumCPU().
func NewPool(numWorkers int) *Pool {
	config := DefaultPoolConfig()
	config.NumWorkers = numWorkers
	return NewPoolWithConfig(config)
}

// NewPoolWithConfig creates a worker pool with an explicit configuration.
func NewPoolWithConfig(config PoolConfig) *Pool {
	numWorkers := config.NumWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	queueFactor := config.QueueFactor
	if queueFactor <= 0 {
		queueFactor = 100
	}
	return &Pool{
		numWorkers: numWorkers,
		jobs:       make(chan Job, numWorkers*queueFactor),
	}
}

// Start launches the pool's worker goroutines. A second Start on a
// running pool is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.started = true

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.run(p.ctx)
	}

	log.Info("worker pool started with %d workers", p.numWorkers)
}

// run drains jobs until the pool context ends.
func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			job()
		}
	}
}

// poolContext returns the running pool's context, or nil if the pool is
// not started.
func (p *Pool) poolContext() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil
	}
	return p.ctx
}

// Submit enqueues job without blocking. It returns false if the pool is
// not running or the queue is full.
func (p *Pool) Submit(job Job) bool {
	ctx := p.poolContext()
	if ctx == nil || ctx.Err() != nil {
		return false
	}

	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// SubmitWait enqueues job, blocking until the queue has room or the pool
// shuts down. It returns false in the latter case.
func (p *Pool) SubmitWait(job Job) bool {
	ctx := p.poolContext()
	if ctx == nil || ctx.Err() != nil {
		return false
	}

	select {
	case <-ctx.Done():
		return false
	case p.jobs <- job:
		return true
	}
}

// Stop cancels the pool's context and waits for every worker to finish
// its in-flight job. Queued jobs that no worker has picked up yet are
// discarded. A second Stop is a no-op.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()

	log.Info("worker pool stopped")
}

// NumWorkers returns the number of workers in the pool.
func (p *Pool) NumWorkers() int {
	return p.numWorkers
}

// QueueSize returns the number of jobs currently queued.
func (p *Pool) QueueSize() int {
	return len(p.jobs)
}

// Package worker provides the bounded goroutine pool the node-store
// runtime schedules background work on.
//
// The store's reclamation sweeper and the exercise workload both submit
// through one shared Pool, so deferred finalization keeps running between
// workload batches instead of queueing behind them:
//
//	pool := worker.NewPool(4)
//	pool.Start(ctx)
//	defer pool.Stop()
//
//	pool.Submit(store.Sweep)            // drop if the queue is full
//	pool.SubmitWait(func() { ... })     // block until the queue has room
//
// Submit never blocks and reports false when the pool is stopped or the
// queue is full; periodic jobs like the sweep prefer it, since a missed
// tick is retried on the next one. SubmitWait is for work that must not
// be dropped.
//
// # Configuration
//
// NewPoolWithConfig sizes the pool and its queue explicitly:
//
//	pool := worker.NewPoolWithConfig(worker.PoolConfig{
//	    NumWorkers:  8,
//	    QueueFactor: 200, // queue size = 8 * 200 = 1600
//	})
//
// Zero values fall back to the CPU count and the default factor.
//
// # Shutdown
//
// Stop cancels the pool's context and waits for in-flight jobs to finish;
// jobs still queued are discarded. Jobs must therefore not hold store
// borrows across submission boundaries.
package worker

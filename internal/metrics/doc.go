// Package metrics collects per-operation statistics for the node store:
// how many Insert/Replace/Remove/Get calls ran, how they fared, and how
// long they took.
//
// The workload driver records one outcome per store operation; the
// inspection server reads the counters back out through Snapshot:
//
//	m := metrics.New()
//
//	start := time.Now()
//	_, status := s.Insert(node, false)
//	if status.IsGood() {
//	    m.RecordSuccess(time.Since(start))
//	} else {
//	    m.RecordFailure(time.Since(start))
//	}
//
//	snap := m.Snapshot() // totals, RPS, average/P99 latency, error rate
//
// A rejected operation (BadNodeIdExists on a duplicate insert, say) is a
// "failure" only in the counter sense; the error rate therefore reflects
// workload composition, not store health.
//
// # Configuration
//
// The P99 estimate sorts a bounded sample buffer. NewWithConfig resizes
// it when the default 1000 samples is too coarse:
//
//	m := metrics.NewWithConfig(metrics.Config{MaxLatencySamples: 5000})
//
// # Thread Safety
//
// Counters are atomics and the sample buffer is mutex-guarded; recording
// from concurrent workload goroutines needs no external locking.
package metrics

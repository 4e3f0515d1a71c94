// Package main is the entry point for the nodestore runtime: it wires the
// address-space store to its configuration, logging, metrics, event bus,
// worker pool, and the optional HTTP inspection server.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"nodestore/internal/api"
	"nodestore/internal/config"
	"nodestore/internal/events"
	"nodestore/internal/logger"
	"nodestore/internal/metrics"
	"nodestore/internal/store"
	"nodestore/internal/ua"
	"nodestore/internal/worker"
)

var version = "dev"

var log = logger.Component("nodestore")

func main() {
	var (
		configFile  = flag.String("config", "", "config file path (YAML/JSON)")
		serverMode  = flag.Bool("server", false, "start the HTTP inspection server")
		serverAddr  = flag.String("addr", "", "inspection server address (e.g. :8080)")
		seedNodes   = flag.Int("seed", 0, "pre-populate the store with this many variable nodes")
		exercise    = flag.Duration("exercise", 10*time.Second, "duration of the self-exercise workload (0 to skip)")
		workers     = flag.Int("workers", 0, "worker pool size (0 = CPU count)")
		logLevel    = flag.String("log-level", "", "log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "print the version and exit")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `nodestore - concurrent OPC UA address-space store

Usage:
  nodestore [options]

Options:
`)
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  # Run the default self-exercise workload and print a report
  nodestore

  # Run from a config file
  nodestore --config nodestore.yaml

  # Serve store contents for inspection while exercising it
  nodestore --server --addr :8080 --seed 500 --exercise 5m
`)
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("nodestore version %s\n", version)
		return
	}

	rt, err := buildRuntime(*configFile, *serverMode, *serverAddr, *seedNodes, *workers, *logLevel)
	if err != nil {
		log.Error("configuration error: %v", err)
		os.Exit(1)
	}

	if err := run(rt, *exercise); err != nil {
		log.Error("runtime error: %v", err)
		os.Exit(1)
	}
}

// buildRuntime merges the config file (if any) with command-line overrides.
func buildRuntime(configFile string, serverMode bool, serverAddr string, seedNodes, workers int, logLevel string) (config.Runtime, error) {
	fileCfg := &config.FileConfig{}
	if configFile != "" {
		loaded, err := config.LoadFile(configFile)
		if err != nil {
			return config.Runtime{}, err
		}
		if err := loaded.Validate(); err != nil {
			return config.Runtime{}, err
		}
		fileCfg = loaded
	}

	if logLevel != "" {
		fileCfg.Log.Level = logLevel
	}
	if serverMode {
		fileCfg.Server.Enabled = true
	}
	if serverAddr != "" {
		fileCfg.Server.Addr = serverAddr
	}
	if seedNodes > 0 {
		fileCfg.Store.SeedNodes = seedNodes
	}
	if workers > 0 {
		fileCfg.Worker.Workers = workers
	}

	return fileCfg.ToRuntime()
}

func run(rt config.Runtime, exercise time.Duration) error {
	logger.Default.SetLevel(rt.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal")
		cancel()
	}()

	bus := events.NewBus()
	defer bus.Close()

	s := store.New(rt.Store, store.Hooks{
		Inserted:  func(id ua.NodeId) { bus.Publish(events.NewInsertedEvent(id.String())) },
		Replaced:  func(id ua.NodeId) { bus.Publish(events.NewReplacedEvent(id.String())) },
		Removed:   func(id ua.NodeId) { bus.Publish(events.NewRemovedEvent(id.String())) },
		Finalized: func(id ua.NodeId) { bus.Publish(events.NewFinalizedEvent(id.String())) },
	})
	defer s.Close()

	pool := worker.NewPoolWithConfig(rt.Pool)
	pool.Start(ctx)
	defer pool.Stop()

	// Periodic reclamation sweeps keep grace periods closing even when
	// the store is otherwise idle.
	go sweepLoop(ctx, s, pool, rt.SweepInterval)

	if rt.SeedNodes > 0 {
		seed(s, rt.SeedNodes)
		log.Info("seeded %d nodes", rt.SeedNodes)
	}

	m := metrics.New()

	var wg sync.WaitGroup
	if exercise > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exerciseStore(ctx, s, m, pool, exercise)
			if !rt.ServerEnabled {
				cancel()
			}
		}()
	}

	var serverErr error
	if rt.ServerEnabled {
		serverErr = api.NewServer(rt.ServerAddr, s, m, bus).Start(ctx)
	} else {
		<-ctx.Done()
	}

	wg.Wait()
	printReport(m, s)
	return serverErr
}

// sweepLoop submits a reclamation sweep to the pool on a fixed interval.
func sweepLoop(ctx context.Context, s *store.Store, pool *worker.Pool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pool.Submit(s.Sweep)
		}
	}
}

// seed pre-populates the store with numbered variable nodes.
func seed(s *store.Store, n int) {
	for i := 0; i < n; i++ {
		node := &ua.VariableNode{
			NodeHeader: ua.NodeHeader{
				NodeId:     ua.NumericId(2, uint32(i+1)),
				BrowseName: fmt.Sprintf("Seed%d", i+1),
			},
			Value: ua.Variant{Type: ua.VariantInt64, Scalar: int64(i)},
		}
		if _, status := s.Insert(node, false); status != store.Good {
			log.Warn("seed insert %d: %v", i+1, status)
		}
	}
}

// exerciseStore drives a mixed read/write workload against the store for
// the given duration, recording per-operation metrics. It stands in for
// the server threads that would normally hammer the store while client
// requests are serviced. Work is submitted in short batches so the pool
// stays shared with the reclamation sweeper.
func exerciseStore(ctx context.Context, s *store.Store, m *metrics.Metrics, pool *worker.Pool, d time.Duration) {
	log.Info("exercising store for %v with %d workers", d, pool.NumWorkers())

	deadline, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	const keySpace = 1024
	const batchOps = 256

	var wg sync.WaitGroup
	for i := int64(0); deadline.Err() == nil; i++ {
		wg.Add(1)
		batchSeed := i + 1
		submitted := pool.SubmitWait(func() {
			defer wg.Done()
			rng := rand.New(rand.NewSource(batchSeed))
			for op := 0; op < batchOps && deadline.Err() == nil; op++ {
				runOp(s, m, rng, keySpace)
			}
		})
		if !submitted {
			wg.Done()
			break
		}
	}
	wg.Wait()
}

// runOp performs one randomized store operation and records its outcome.
func runOp(s *store.Store, m *metrics.Metrics, rng *rand.Rand, keySpace uint32) {
	id := ua.NumericId(2, rng.Uint32()%keySpace)
	node := &ua.VariableNode{
		NodeHeader: ua.NodeHeader{NodeId: id, BrowseName: "Exercise"},
		Value:      ua.Variant{Type: ua.VariantInt64, Scalar: rng.Int63()},
	}

	start := time.Now()
	var status store.Status
	switch rng.Intn(10) {
	case 0, 1, 2:
		_, status = s.Insert(node, false)
	case 3:
		_, status = s.Replace(node, false)
	case 4:
		status = s.Remove(id)
	default:
		// Reads dominate a live address space.
		if h := s.Get(id); h != nil {
			_ = h.Node().Header().BrowseName
			s.Release(h)
		}
		status = store.Good
	}

	latency := time.Since(start)
	if status.IsGood() {
		m.RecordSuccess(latency)
	} else {
		m.RecordFailure(latency)
	}
}

// printReport writes a final metrics summary to stdout.
func printReport(m *metrics.Metrics, s *store.Store) {
	snap := m.Snapshot()
	fmt.Println()
	fmt.Println("nodestore report")
	fmt.Println("================")
	fmt.Printf("Operations:   %d (%d ok, %d failed)\n", snap.TotalRequests, snap.SuccessRequests, snap.FailedRequests)
	fmt.Printf("Throughput:   %.0f ops/s\n", snap.OverallRPS)
	fmt.Printf("Latency:      avg %v, p99 %v\n", snap.AverageLatency, snap.P99Latency)
	fmt.Printf("Error rate:   %.2f%%\n", snap.ErrorRate*100)
	fmt.Printf("Stored nodes: %d\n", s.Len())
}

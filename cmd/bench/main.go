// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main provides throughput benchmarks for the lock-free
// containers.
//
// This command-line tool measures container performance under different
// workloads and concurrency levels. It is useful for capacity planning
// and for comparing growth-policy configurations.
//
// # Benchmark Categories
//
// The suite includes:
//   - Single-threaded dictionary operations (baseline)
//   - Concurrent reads (scalability)
//   - Concurrent writes through migrations (contention plus growth)
//   - Mixed workloads (80/20 read/write)
//   - View snapshots (consistency overhead)
//   - Hot key access (help-commit pressure)
//   - Queue throughput, single and multi producer/consumer
//   - Stack throughput
//   - Reclamation statistics dump
//
// # Usage
//
// Run all benchmarks:
//
//	go run cmd/bench/main.go
//
// # Interpreting Results
//
// Results are system-dependent. The interesting signals are how
// throughput scales with goroutine count, and how little the migration
// benchmarks diverge from the steady-state ones: migration cost is
// spread over every thread, so doubling the store should never produce
// a latency cliff.
package main

import (
	"fmt"
	"sync"
	"time"

	hatrack "github.com/viega/hatrack-sub002"
)

func main() {
	fmt.Println("Lock-Free Container Benchmarks")
	fmt.Println("==============================")

	benchmarkSingleThreaded()
	benchmarkConcurrentReads()
	benchmarkConcurrentWrites()
	benchmarkMixedWorkload()
	benchmarkViews()
	benchmarkHotKey()
	benchmarkQueue()
	benchmarkStack()
	benchmarkReclamation()
}

func rate(ops int, d time.Duration) string {
	return fmt.Sprintf("%d ops in %v (%.0f ops/sec)", ops, d, float64(ops)/d.Seconds())
}

func benchmarkSingleThreaded() {
	fmt.Println("\n1. Single-threaded dictionary operations")
	d := hatrack.NewDict[string]()
	defer d.Close()

	const numKeys = 100000
	start := time.Now()
	for i := 0; i < numKeys; i++ {
		d.Put(fmt.Sprintf("key%d", i), fmt.Sprintf("value%d", i))
	}
	fmt.Printf("   Put: %s\n", rate(numKeys, time.Since(start)))

	start = time.Now()
	for i := 0; i < numKeys; i++ {
		d.Get(fmt.Sprintf("key%d", i))
	}
	fmt.Printf("   Get: %s\n", rate(numKeys, time.Since(start)))
}

func benchmarkConcurrentReads() {
	fmt.Println("\n2. Concurrent reads")
	d := hatrack.NewDict[string]()
	defer d.Close()

	const numKeys = 10000
	for i := 0; i < numKeys; i++ {
		d.Put(fmt.Sprintf("key%d", i), fmt.Sprintf("value%d", i))
	}

	for _, numGoroutines := range []int{1, 2, 4, 8, 16, 32} {
		var wg sync.WaitGroup
		const opsPerGoroutine = 10000
		start := time.Now()

		for i := 0; i < numGoroutines; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < opsPerGoroutine; j++ {
					d.Get(fmt.Sprintf("key%d", j%numKeys))
				}
			}()
		}

		wg.Wait()
		fmt.Printf("   %d goroutines: %s\n",
			numGoroutines, rate(numGoroutines*opsPerGoroutine, time.Since(start)))
	}
}

func benchmarkConcurrentWrites() {
	fmt.Println("\n3. Concurrent writes through migrations")

	for _, numGoroutines := range []int{1, 2, 4, 8, 16, 32} {
		// Small initial capacity so the run is dominated by growth.
		cfg := hatrack.DefaultConfig()
		cfg.Capacity = 16
		d := hatrack.NewDictWithConfig[string](cfg, nil)

		var wg sync.WaitGroup
		const opsPerGoroutine = 5000
		start := time.Now()

		for i := 0; i < numGoroutines; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				for j := 0; j < opsPerGoroutine; j++ {
					d.Put(fmt.Sprintf("key%d_%d", id, j), "value")
				}
			}(i)
		}

		wg.Wait()
		fmt.Printf("   %d goroutines: %s\n",
			numGoroutines, rate(numGoroutines*opsPerGoroutine, time.Since(start)))
		d.Close()
	}
}

func benchmarkMixedWorkload() {
	fmt.Println("\n4. Mixed workload (80% reads, 20% writes)")
	d := hatrack.NewDict[string]()
	defer d.Close()

	const numKeys = 1000
	for i := 0; i < numKeys; i++ {
		d.Put(fmt.Sprintf("key%d", i), fmt.Sprintf("value%d", i))
	}

	for _, numGoroutines := range []int{1, 2, 4, 8, 16, 32} {
		var wg sync.WaitGroup
		const opsPerGoroutine = 10000
		start := time.Now()

		for i := 0; i < numGoroutines; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				for j := 0; j < opsPerGoroutine; j++ {
					if j%5 < 4 {
						d.Get(fmt.Sprintf("key%d", j%numKeys))
					} else {
						d.Put(fmt.Sprintf("key%d", j%numKeys), "updated")
					}
				}
			}(i)
		}

		wg.Wait()
		fmt.Printf("   %d goroutines: %s\n",
			numGoroutines, rate(numGoroutines*opsPerGoroutine, time.Since(start)))
	}
}

func benchmarkViews() {
	fmt.Println("\n5. View snapshots")
	d := hatrack.NewDict[string]()
	defer d.Close()

	const numKeys = 1000
	for i := 0; i < numKeys; i++ {
		d.Put(fmt.Sprintf("key%d", i), fmt.Sprintf("value%d", i))
	}

	const numViews = 1000
	start := time.Now()
	for i := 0; i < numViews; i++ {
		if items := d.Items(i%2 == 0); len(items) != numKeys {
			panic("short view")
		}
	}
	duration := time.Since(start)
	fmt.Printf("   %d views of %d keys: %v (%.0f views/sec)\n",
		numViews, numKeys, duration, float64(numViews)/duration.Seconds())
}

func benchmarkHotKey() {
	fmt.Println("\n6. Hot key access")
	d := hatrack.NewDict[string]()
	defer d.Close()

	d.Put("hot", "value")

	const hotOps = 100000
	start := time.Now()
	for i := 0; i < hotOps; i++ {
		d.Get("hot")
	}
	fmt.Printf("   Reads: %s\n", rate(hotOps, time.Since(start)))

	start = time.Now()
	for i := 0; i < hotOps; i++ {
		d.Put("hot", "value")
	}
	fmt.Printf("   Overwrites: %s\n", rate(hotOps, time.Since(start)))
}

func benchmarkQueue() {
	fmt.Println("\n7. Queue throughput")

	const total = 500000

	q := hatrack.NewQueue[int]()
	start := time.Now()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			q.Enqueue(i)
		}
	}()
	consumed := 0
	for consumed < total {
		if _, ok := q.Dequeue(); ok {
			consumed++
		}
	}
	<-done
	fmt.Printf("   SPSC: %s\n", rate(total, time.Since(start)))
	q.Close()

	q = hatrack.NewQueue[int]()
	const workers = 4
	var wg sync.WaitGroup
	var taken sync.WaitGroup
	start = time.Now()
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < total/workers; i++ {
				q.Enqueue(i)
			}
		}(w)
	}
	var mu sync.Mutex
	got := 0
	for w := 0; w < workers; w++ {
		taken.Add(1)
		go func() {
			defer taken.Done()
			for {
				mu.Lock()
				if got >= total {
					mu.Unlock()
					return
				}
				mu.Unlock()
				if _, ok := q.Dequeue(); ok {
					mu.Lock()
					got++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	taken.Wait()
	fmt.Printf("   MPMC (%dx%d): %s\n", workers, workers, rate(total, time.Since(start)))
	q.Close()
}

func benchmarkStack() {
	fmt.Println("\n8. Stack throughput")
	s := hatrack.NewStack[int]()
	defer s.Close()

	const total = 500000
	start := time.Now()
	for i := 0; i < total; i++ {
		s.Push(i)
	}
	fmt.Printf("   Push: %s\n", rate(total, time.Since(start)))

	start = time.Now()
	for i := 0; i < total; i++ {
		s.Pop()
	}
	fmt.Printf("   Pop: %s\n", rate(total, time.Since(start)))
}

func benchmarkReclamation() {
	fmt.Println("\n9. Reclamation statistics")
	cfg := hatrack.DefaultConfig()
	cfg.Metrics = true
	d := hatrack.NewDictWithConfig[string](cfg, nil)
	defer d.Close()

	const numKeys = 50000
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("key%d", i%1000)
		d.Put(key, "value")
		if i%3 == 0 {
			d.Delete(key)
		}
	}

	stats := d.Stats()
	fmt.Printf("   Migrations: %d\n", stats.Migrations.Count)
	fmt.Printf("   Retired: %d, freed: %d, unused: %d\n",
		stats.Reclaim.Retired, stats.Reclaim.Freed, stats.Reclaim.Unused)
	fmt.Printf("   Helped commits: %d\n", stats.Reclaim.HelpedOps)
}

// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package metrics provides performance monitoring for the lock-free
// containers.
//
// Collection is thread-safe and off the hot path: operations push events
// onto a buffered channel that a background goroutine folds into
// counters and latency ring buffers. When the channel is full the event
// is dropped rather than blocking the container operation.
//
// # Key Features
//
//   - Non-blocking event recording with background processing
//   - Operation counts (get, put, delete, view, enqueue, dequeue, push, pop)
//   - Latency percentiles from bounded ring buffers
//   - Migration counts and durations
//   - Reclamation activity (retired, freed, unused, helped commits)
//
// # Usage Examples
//
//	m := metrics.NewMetrics()
//	defer m.Close()
//
//	start := time.Now()
//	// ... container operation ...
//	m.RecordOp(metrics.OpGet, time.Since(start))
//
//	snap := m.GetStats()
//	fmt.Printf("gets: %d, p99: %v\n", snap.Operations.Get, snap.Latency.Get.P99)
//
// # Dangers and Warnings
//
//   - **Background Goroutine**: always Close() a metrics instance, or the
//     processor goroutine leaks.
//   - **Event Loss**: a full buffer drops events, so counts are lower
//     bounds under extreme load.
//   - **Stats Latency**: GetStats may trail the most recent events by a
//     scheduling quantum.
//
// # Thread Safety
//
// All methods are safe for concurrent use from any number of goroutines.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Op identifies a container operation class.
type Op string

const (
	OpGet     Op = "get"
	OpPut     Op = "put"
	OpDelete  Op = "delete"
	OpView    Op = "view"
	OpEnqueue Op = "enqueue"
	OpDequeue Op = "dequeue"
	OpPush    Op = "push"
	OpPop     Op = "pop"
)

// LatencyStats summarizes recent latencies for one operation class.
type LatencyStats struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	P999  time.Duration `json:"p999"`
}

// OperationCounts tracks totals per operation class.
type OperationCounts struct {
	Get     uint64 `json:"get"`
	Put     uint64 `json:"put"`
	Delete  uint64 `json:"delete"`
	View    uint64 `json:"view"`
	Enqueue uint64 `json:"enqueue"`
	Dequeue uint64 `json:"dequeue"`
	Push    uint64 `json:"push"`
	Pop     uint64 `json:"pop"`
}

// MigrationMetrics tracks store migrations.
type MigrationMetrics struct {
	Count    uint64       `json:"count"`
	Duration LatencyStats `json:"duration"`
}

// ReclaimMetrics mirrors the reclamation engine's counters at snapshot
// time. The container layer feeds these in via SetReclaim.
type ReclaimMetrics struct {
	Retired   uint64 `json:"retired"`
	Freed     uint64 `json:"freed"`
	Unused    uint64 `json:"unused"`
	HelpedOps uint64 `json:"helped_ops"`
}

// LatencyMetrics holds the per-class latency summaries.
type LatencyMetrics struct {
	Get     LatencyStats `json:"get"`
	Put     LatencyStats `json:"put"`
	Delete  LatencyStats `json:"delete"`
	View    LatencyStats `json:"view"`
	Enqueue LatencyStats `json:"enqueue"`
	Dequeue LatencyStats `json:"dequeue"`
}

// MetricsSnapshot is a complete point-in-time view of all metrics.
type MetricsSnapshot struct {
	Operations    OperationCounts  `json:"operations"`
	Migrations    MigrationMetrics `json:"migrations"`
	Reclaim       ReclaimMetrics   `json:"reclaim"`
	Latency       LatencyMetrics   `json:"latency"`
	Configuration MetricsConfig    `json:"config"`
}

// MetricEvent is one recorded sample.
type MetricEvent struct {
	Op        Op
	Duration  time.Duration
	Timestamp time.Time
}

// DurationRingBuffer is a thread-safe bounded ring of duration samples.
type DurationRingBuffer struct {
	buffer []time.Duration
	head   int
	tail   int
	size   int
	count  int
	mu     sync.RWMutex
}

// NewDurationRingBuffer creates a ring buffer with the given capacity.
func NewDurationRingBuffer(capacity int) *DurationRingBuffer {
	return &DurationRingBuffer{
		buffer: make([]time.Duration, capacity),
		size:   capacity,
	}
}

// Push appends a sample, evicting the oldest once full.
func (rb *DurationRingBuffer) Push(item time.Duration) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buffer[rb.tail] = item
	rb.tail = (rb.tail + 1) % rb.size

	if rb.count < rb.size {
		rb.count++
	} else {
		rb.head = (rb.head + 1) % rb.size
	}
}

// GetAverage returns the mean of the buffered samples.
func (rb *DurationRingBuffer) GetAverage() time.Duration {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.count == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < rb.count; i++ {
		total += rb.buffer[(rb.head+i)%rb.size]
	}
	return total / time.Duration(rb.count)
}

// GetStats computes count, min/max/mean and percentiles over the
// buffered samples.
func (rb *DurationRingBuffer) GetStats() LatencyStats {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.count == 0 {
		return LatencyStats{}
	}

	// Copy out so the sort does not run under the lock.
	values := make([]time.Duration, rb.count)
	for i := 0; i < rb.count; i++ {
		values[i] = rb.buffer[(rb.head+i)%rb.size]
	}

	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	var total time.Duration
	for _, v := range values {
		total += v
	}

	return LatencyStats{
		Count: uint64(rb.count),
		Min:   values[0],
		Max:   values[len(values)-1],
		Mean:  total / time.Duration(len(values)),
		P50:   percentile(values, 0.50),
		P95:   percentile(values, 0.95),
		P99:   percentile(values, 0.99),
		P999:  percentile(values, 0.999),
	}
}

// percentile reads the pth percentile from sorted values.
func percentile(values []time.Duration, p float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	index := int(float64(len(values)-1) * p)
	if index >= len(values) {
		index = len(values) - 1
	}
	return values[index]
}

// MetricsConfig configures collection.
type MetricsConfig struct {
	BufferSize     int        // size of the event channel
	LatencyBuffers map[Op]int // per-class ring buffer sizes
	MigrationRing  int        // migration duration ring size
	SamplingRate   float64    // 0.0 to 1.0, 1.0 records everything
}

// DefaultMetricsConfig returns the standard configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		BufferSize: 10000,
		LatencyBuffers: map[Op]int{
			OpGet:     1000,
			OpPut:     1000,
			OpDelete:  1000,
			OpView:    100,
			OpEnqueue: 1000,
			OpDequeue: 1000,
		},
		MigrationRing: 100,
		SamplingRate:  1.0,
	}
}

// Metrics folds recorded events into counters and ring buffers on a
// background goroutine.
type Metrics struct {
	config MetricsConfig

	eventChan chan MetricEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu sync.RWMutex

	counts  map[Op]uint64
	latency map[Op]*DurationRingBuffer

	migrations        uint64
	migrationDuration *DurationRingBuffer

	reclaim ReclaimMetrics
}

// NewMetrics creates a metrics instance with the default configuration.
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(DefaultMetricsConfig())
}

// NewMetricsWithConfig creates a metrics instance with a custom
// configuration.
func NewMetricsWithConfig(config MetricsConfig) *Metrics {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Metrics{
		config:            config,
		eventChan:         make(chan MetricEvent, config.BufferSize),
		ctx:               ctx,
		cancel:            cancel,
		counts:            make(map[Op]uint64),
		latency:           make(map[Op]*DurationRingBuffer),
		migrationDuration: NewDurationRingBuffer(config.MigrationRing),
	}
	for op, size := range config.LatencyBuffers {
		m.latency[op] = NewDurationRingBuffer(size)
	}

	m.wg.Add(1)
	go m.processEvents()

	return m
}

// processEvents folds events until the instance closes.
func (m *Metrics) processEvents() {
	defer m.wg.Done()

	for {
		select {
		case event := <-m.eventChan:
			m.processEvent(event)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Metrics) processEvent(event MetricEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counts[event.Op]++
	if rb, ok := m.latency[event.Op]; ok {
		rb.Push(event.Duration)
	}
}

// RecordOp records one operation of the given class. It never blocks:
// when the buffer is full the sample is dropped.
func (m *Metrics) RecordOp(op Op, duration time.Duration) {
	select {
	case m.eventChan <- MetricEvent{Op: op, Duration: duration, Timestamp: time.Now()}:
	default:
	}
}

// RecordMigration records one completed store migration.
func (m *Metrics) RecordMigration(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.migrations++
	m.migrationDuration.Push(duration)
}

// SetMigrations overwrites the migration count with a fresh total from
// the container. Used by layers that observe migrations only as a
// counter, not as individual timed events.
func (m *Metrics) SetMigrations(count uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.migrations = count
}

// SetReclaim overwrites the reclamation counters with a fresh snapshot
// from the engine.
func (m *Metrics) SetReclaim(r ReclaimMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reclaim = r
}

// GetStats returns a snapshot of current metrics.
func (m *Metrics) GetStats() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MetricsSnapshot{
		Operations: OperationCounts{
			Get:     m.counts[OpGet],
			Put:     m.counts[OpPut],
			Delete:  m.counts[OpDelete],
			View:    m.counts[OpView],
			Enqueue: m.counts[OpEnqueue],
			Dequeue: m.counts[OpDequeue],
			Push:    m.counts[OpPush],
			Pop:     m.counts[OpPop],
		},
		Migrations: MigrationMetrics{
			Count:    m.migrations,
			Duration: m.migrationDuration.GetStats(),
		},
		Reclaim:       m.reclaim,
		Configuration: m.config,
	}
	if rb, ok := m.latency[OpGet]; ok {
		snap.Latency.Get = rb.GetStats()
	}
	if rb, ok := m.latency[OpPut]; ok {
		snap.Latency.Put = rb.GetStats()
	}
	if rb, ok := m.latency[OpDelete]; ok {
		snap.Latency.Delete = rb.GetStats()
	}
	if rb, ok := m.latency[OpView]; ok {
		snap.Latency.View = rb.GetStats()
	}
	if rb, ok := m.latency[OpEnqueue]; ok {
		snap.Latency.Enqueue = rb.GetStats()
	}
	if rb, ok := m.latency[OpDequeue]; ok {
		snap.Latency.Dequeue = rb.GetStats()
	}
	return snap
}

// ExportPrometheus renders the snapshot in Prometheus text format.
func (m *Metrics) ExportPrometheus() string {
	stats := m.GetStats()
	var result string

	result += "# HELP container_operations_total Total number of operations\n"
	result += "# TYPE container_operations_total counter\n"
	result += fmt.Sprintf("container_operations_total{operation=\"get\"} %d\n", stats.Operations.Get)
	result += fmt.Sprintf("container_operations_total{operation=\"put\"} %d\n", stats.Operations.Put)
	result += fmt.Sprintf("container_operations_total{operation=\"delete\"} %d\n", stats.Operations.Delete)
	result += fmt.Sprintf("container_operations_total{operation=\"view\"} %d\n", stats.Operations.View)
	result += fmt.Sprintf("container_operations_total{operation=\"enqueue\"} %d\n", stats.Operations.Enqueue)
	result += fmt.Sprintf("container_operations_total{operation=\"dequeue\"} %d\n", stats.Operations.Dequeue)
	result += fmt.Sprintf("container_operations_total{operation=\"push\"} %d\n", stats.Operations.Push)
	result += fmt.Sprintf("container_operations_total{operation=\"pop\"} %d\n", stats.Operations.Pop)

	result += "# HELP container_latency_nanoseconds Average latency for operations\n"
	result += "# TYPE container_latency_nanoseconds gauge\n"
	result += fmt.Sprintf("container_latency_nanoseconds{operation=\"get\"} %d\n", stats.Latency.Get.Mean.Nanoseconds())
	result += fmt.Sprintf("container_latency_nanoseconds{operation=\"put\"} %d\n", stats.Latency.Put.Mean.Nanoseconds())
	result += fmt.Sprintf("container_latency_nanoseconds{operation=\"delete\"} %d\n", stats.Latency.Delete.Mean.Nanoseconds())
	result += fmt.Sprintf("container_latency_nanoseconds{operation=\"enqueue\"} %d\n", stats.Latency.Enqueue.Mean.Nanoseconds())
	result += fmt.Sprintf("container_latency_nanoseconds{operation=\"dequeue\"} %d\n", stats.Latency.Dequeue.Mean.Nanoseconds())

	result += "# HELP container_migrations_total Completed store migrations\n"
	result += "# TYPE container_migrations_total counter\n"
	result += fmt.Sprintf("container_migrations_total %d\n", stats.Migrations.Count)

	result += "# HELP container_reclaim_retired_total Records handed to the reclaimer\n"
	result += "# TYPE container_reclaim_retired_total counter\n"
	result += fmt.Sprintf("container_reclaim_retired_total %d\n", stats.Reclaim.Retired)

	result += "# HELP container_reclaim_freed_total Records whose cleanup has run\n"
	result += "# TYPE container_reclaim_freed_total counter\n"
	result += fmt.Sprintf("container_reclaim_freed_total %d\n", stats.Reclaim.Freed)

	result += "# HELP container_reclaim_helped_total Commits performed for stalled writers\n"
	result += "# TYPE container_reclaim_helped_total counter\n"
	result += fmt.Sprintf("container_reclaim_helped_total %d\n", stats.Reclaim.HelpedOps)

	return result
}

// ExportJSON renders the snapshot as indented JSON.
func (m *Metrics) ExportJSON() []byte {
	stats := m.GetStats()
	jsonData, _ := json.MarshalIndent(stats, "", "  ")
	return jsonData
}

// Close shuts down the background processor.
func (m *Metrics) Close() {
	m.cancel()
	m.wg.Wait()
	close(m.eventChan)
}

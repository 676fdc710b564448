// Licensed under the MIT License. See LICENSE file in the project root for details.

package metrics

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("NewMetrics() returned nil")
	}
	defer m.Close()
}

func TestNewMetricsWithConfig(t *testing.T) {
	config := DefaultMetricsConfig()
	config.BufferSize = 5000
	config.LatencyBuffers[OpGet] = 500

	m := NewMetricsWithConfig(config)
	if m == nil {
		t.Fatal("NewMetricsWithConfig() returned nil")
	}
	defer m.Close()

	if got := m.GetStats().Configuration.BufferSize; got != 5000 {
		t.Errorf("Expected BufferSize 5000, got %d", got)
	}
}

func TestRecordOp(t *testing.T) {
	m := NewMetrics()
	defer m.Close()

	duration := 100 * time.Microsecond
	m.RecordOp(OpGet, duration)

	// Give some time for background processing
	time.Sleep(10 * time.Millisecond)

	stats := m.GetStats()
	if stats.Operations.Get != 1 {
		t.Errorf("Expected Get count 1, got %d", stats.Operations.Get)
	}
	if stats.Latency.Get.Mean != duration {
		t.Errorf("Expected Get mean %v, got %v", duration, stats.Latency.Get.Mean)
	}
}

func TestRecordOpAllClasses(t *testing.T) {
	m := NewMetrics()
	defer m.Close()

	for _, op := range []Op{OpGet, OpPut, OpDelete, OpView, OpEnqueue, OpDequeue, OpPush, OpPop} {
		m.RecordOp(op, time.Microsecond)
	}
	time.Sleep(10 * time.Millisecond)

	stats := m.GetStats()
	counts := []uint64{
		stats.Operations.Get, stats.Operations.Put, stats.Operations.Delete,
		stats.Operations.View, stats.Operations.Enqueue, stats.Operations.Dequeue,
		stats.Operations.Push, stats.Operations.Pop,
	}
	for i, c := range counts {
		if c != 1 {
			t.Errorf("class %d: expected count 1, got %d", i, c)
		}
	}
}

func TestRecordMigration(t *testing.T) {
	m := NewMetrics()
	defer m.Close()

	m.RecordMigration(time.Millisecond)
	m.RecordMigration(3 * time.Millisecond)

	stats := m.GetStats()
	if stats.Migrations.Count != 2 {
		t.Errorf("Expected 2 migrations, got %d", stats.Migrations.Count)
	}
	if stats.Migrations.Duration.Mean != 2*time.Millisecond {
		t.Errorf("Expected mean 2ms, got %v", stats.Migrations.Duration.Mean)
	}
}

func TestSetReclaim(t *testing.T) {
	m := NewMetrics()
	defer m.Close()

	m.SetReclaim(ReclaimMetrics{Retired: 10, Freed: 7, Unused: 2, HelpedOps: 1})

	stats := m.GetStats()
	if stats.Reclaim.Retired != 10 || stats.Reclaim.Freed != 7 {
		t.Errorf("Reclaim snapshot not carried through: %+v", stats.Reclaim)
	}
}

func TestRingBufferStats(t *testing.T) {
	rb := NewDurationRingBuffer(100)
	for i := 1; i <= 100; i++ {
		rb.Push(time.Duration(i) * time.Microsecond)
	}

	stats := rb.GetStats()
	if stats.Count != 100 {
		t.Errorf("Expected 100 samples, got %d", stats.Count)
	}
	if stats.Min != time.Microsecond {
		t.Errorf("Expected min 1us, got %v", stats.Min)
	}
	if stats.Max != 100*time.Microsecond {
		t.Errorf("Expected max 100us, got %v", stats.Max)
	}
	if stats.P50 < 49*time.Microsecond || stats.P50 > 51*time.Microsecond {
		t.Errorf("Unexpected p50 %v", stats.P50)
	}
}

func TestRingBufferEviction(t *testing.T) {
	rb := NewDurationRingBuffer(4)
	for i := 1; i <= 10; i++ {
		rb.Push(time.Duration(i))
	}

	stats := rb.GetStats()
	if stats.Count != 4 {
		t.Errorf("Expected 4 samples, got %d", stats.Count)
	}
	if stats.Min != 7 {
		t.Errorf("Expected oldest surviving sample 7, got %d", stats.Min)
	}
}

func TestConcurrentRecording(t *testing.T) {
	m := NewMetrics()
	defer m.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				m.RecordOp(OpPut, time.Microsecond)
			}
		}()
	}
	wg.Wait()
	time.Sleep(50 * time.Millisecond)

	// Drops are allowed under pressure, but nothing should be double
	// counted.
	if got := m.GetStats().Operations.Put; got > 800 {
		t.Errorf("Put count %d exceeds recorded events", got)
	}
}

func TestExportPrometheus(t *testing.T) {
	m := NewMetrics()
	defer m.Close()

	m.RecordOp(OpGet, time.Microsecond)
	m.RecordMigration(time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	out := m.ExportPrometheus()
	for _, want := range []string{
		"container_operations_total{operation=\"get\"} 1",
		"container_migrations_total 1",
		"# TYPE container_operations_total counter",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Prometheus export missing %q", want)
		}
	}
}

func TestExportJSON(t *testing.T) {
	m := NewMetrics()
	defer m.Close()

	m.RecordOp(OpPut, time.Microsecond)
	time.Sleep(10 * time.Millisecond)

	var snap MetricsSnapshot
	if err := json.Unmarshal(m.ExportJSON(), &snap); err != nil {
		t.Fatalf("Export is not valid JSON: %v", err)
	}
	if snap.Operations.Put != 1 {
		t.Errorf("Expected Put count 1 in JSON export, got %d", snap.Operations.Put)
	}
}

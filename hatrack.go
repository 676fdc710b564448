// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package hatrack provides fast, lock-free concurrent data structures
// (dictionaries, sets, queues, stacks) backed by epoch-based memory
// reclamation.
//
// This is the main public API for the library. Every container is safe
// for any number of concurrent readers and writers, and every operation
// is linearizable: reads never block writes, writes never block reads,
// and whole-container views capture a single consistent moment in time.
//
// # Quick Start
//
//	import "github.com/viega/hatrack-sub002"
//
//	d := hatrack.NewDict[string]()
//	defer d.Close()
//
//	d.Put("key", "value")
//	value, ok := d.Get("key")
//
//	q := hatrack.NewQueue[int]()
//	defer q.Close()
//
//	q.Enqueue(42)
//	v, ok := q.Dequeue()
//
// # Key Features
//
//   - Lock-free algorithms for maximum concurrency
//   - Epoch-based reclamation for safe memory management without GC pauses
//   - Cooperative store migration: containers grow and shrink while
//     readers and writers keep running at full speed
//   - Linearizable whole-container views, optionally in insertion order
//   - 128-bit key hashing (xxh3) with a 64-bit profile for small tables
//   - Free-handler callbacks for values displaced or dropped
//   - Optional operation metrics with Prometheus and JSON export
//
// # Usage Examples
//
// Dictionaries map string keys to values of any type:
//
//	d := hatrack.NewDict[int]()
//	defer d.Close()
//
//	d.Put("counter", 1)
//	old, had := d.Put("counter", 2) // old == 1, had == true
//	v, ok := d.Get("counter")       // v == 2
//	d.Delete("counter")
//
// Insertion-ordered views:
//
//	for _, it := range d.Items(true) {
//	    fmt.Println(it.Key, it.Value)
//	}
//
// Sets track membership:
//
//	s := hatrack.NewSet()
//	s.Add("alice")
//	if s.Contains("alice") { ... }
//
// Free handlers run when a value leaves the container for good:
//
//	d := hatrack.NewDictWithConfig[*Conn](hatrack.DefaultConfig(),
//	    func(key string, c *Conn) { c.Release() })
//
// # Configuration
//
// Config controls initial capacity, the growth policy, the number of
// concurrent operation slots, and metrics collection. The zero value of
// every field selects a sensible default; invalid combinations panic at
// construction time, never at operation time.
//
// # Thread Safety
//
// All container operations are safe for concurrent use. Close is the
// one exception: it requires that no operation is in flight.
package hatrack

import (
	"time"

	"github.com/zeebo/xxh3"

	"github.com/viega/hatrack-sub002/internal/concurrency/reclaim"
	"github.com/viega/hatrack-sub002/internal/monitoring/metrics"
	"github.com/viega/hatrack-sub002/internal/storage/fifo"
	"github.com/viega/hatrack-sub002/internal/storage/stack"
	"github.com/viega/hatrack-sub002/internal/storage/store"
	"github.com/viega/hatrack-sub002/internal/storage/table"
)

// Stats is a point-in-time snapshot of a container's metrics.
type Stats = metrics.MetricsSnapshot

// Config holds construction-time knobs shared by all containers. Zero
// fields select defaults.
type Config struct {
	// Capacity is the initial store capacity (power of two).
	Capacity uint64
	// Slots bounds how many operations can be in flight at once.
	Slots int
	// ReclaimCadence is how many operation exits pass between
	// reclamation sweeps of a slot's retire list.
	ReclaimCadence uint32

	// Growth policy. See the defaults in DefaultConfig.
	GrowThreshold   float64
	GrowLiveRatio   float64
	ShrinkLiveRatio float64
	MinCapacity     uint64

	// Hash64 selects the 64-bit hash profile. Cheaper on very small
	// tables; the default 128-bit profile makes hash collisions a
	// non-concern.
	Hash64 bool
	// Metrics enables operation metrics collection.
	Metrics bool
}

// DefaultConfig returns the configuration the plain constructors use.
func DefaultConfig() Config {
	return Config{
		Capacity:        64,
		Slots:           1024,
		ReclaimCadence:  reclaim.DefaultReclaimCadence,
		GrowThreshold:   0.75,
		GrowLiveRatio:   0.50,
		ShrinkLiveRatio: 0.25,
		MinCapacity:     8,
	}
}

func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.Capacity == 0 {
		c.Capacity = d.Capacity
	}
	if c.Slots == 0 {
		c.Slots = d.Slots
	}
	if c.ReclaimCadence == 0 {
		c.ReclaimCadence = d.ReclaimCadence
	}
	return c
}

func (c Config) policy() store.Policy {
	return store.Policy{
		GrowThreshold:   c.GrowThreshold,
		GrowLiveRatio:   c.GrowLiveRatio,
		ShrinkLiveRatio: c.ShrinkLiveRatio,
		MinCapacity:     c.MinCapacity,
	}
}

// hashKey dispatches to the configured xxh3 profile.
func hashKey(key string, hash64 bool) table.Hash {
	if hash64 {
		return table.Hash{Lo: xxh3.HashString(key)}
	}
	h := xxh3.HashString128(key)
	return table.Hash{Hi: h.Hi, Lo: h.Lo}
}

// Item is one key/value pair from a dictionary view.
type Item[V any] struct {
	Key   string
	Value V
}

// entry is what the dictionary stores: the key rides along so views can
// return it.
type entry[V any] struct {
	key string
	val V
}

// Dict is a lock-free dictionary with string keys.
type Dict[V any] struct {
	cfg Config
	m   *reclaim.Manager
	t   *table.Table[entry[V]]
	mx  *metrics.Metrics
}

// NewDict creates a dictionary with the default configuration.
func NewDict[V any]() *Dict[V] {
	return NewDictWithConfig[V](DefaultConfig(), nil)
}

// NewDictWithConfig creates a dictionary with an explicit configuration.
// free, if non-nil, runs for every value that leaves the dictionary for
// good: overwritten, deleted, or still present at Close. It runs at
// reclamation time, once no concurrent reader can still observe the
// value.
func NewDictWithConfig[V any](cfg Config, free func(key string, val V)) *Dict[V] {
	cfg = cfg.normalize()
	d := &Dict[V]{cfg: cfg, m: reclaim.NewManager(cfg.Slots, cfg.ReclaimCadence)}
	var eject func(entry[V])
	if free != nil {
		eject = func(e entry[V]) { free(e.key, e.val) }
	}
	d.t = table.New[entry[V]](d.m, cfg.Capacity, cfg.policy(), eject)
	if cfg.Metrics {
		d.mx = metrics.NewMetrics()
	}
	return d
}

func (d *Dict[V]) begin() time.Time {
	if d.mx == nil {
		return time.Time{}
	}
	return time.Now()
}

func (d *Dict[V]) done(op metrics.Op, start time.Time) {
	if d.mx != nil {
		d.mx.RecordOp(op, time.Since(start))
	}
}

// Get returns the value for key, or ok == false if absent.
func (d *Dict[V]) Get(key string) (V, bool) {
	start := d.begin()
	tok := d.m.Enter()
	e, ok := d.t.Get(tok, hashKey(key, d.cfg.Hash64))
	d.m.Exit(tok)
	d.done(metrics.OpGet, start)
	if !ok {
		var zero V
		return zero, false
	}
	return e.val, true
}

// Put stores val under key and returns the displaced value, if any.
func (d *Dict[V]) Put(key string, val V) (V, bool) {
	start := d.begin()
	tok := d.m.Enter()
	old, had := d.t.Put(tok, hashKey(key, d.cfg.Hash64), entry[V]{key: key, val: val})
	d.m.Exit(tok)
	d.done(metrics.OpPut, start)
	if !had {
		var zero V
		return zero, false
	}
	return old.val, true
}

// Add stores val under key only if the key is absent.
func (d *Dict[V]) Add(key string, val V) bool {
	start := d.begin()
	tok := d.m.Enter()
	ok := d.t.Add(tok, hashKey(key, d.cfg.Hash64), entry[V]{key: key, val: val})
	d.m.Exit(tok)
	d.done(metrics.OpPut, start)
	return ok
}

// Replace stores val under key only if the key is present, returning
// the displaced value.
func (d *Dict[V]) Replace(key string, val V) (V, bool) {
	start := d.begin()
	tok := d.m.Enter()
	old, ok := d.t.Replace(tok, hashKey(key, d.cfg.Hash64), entry[V]{key: key, val: val})
	d.m.Exit(tok)
	d.done(metrics.OpPut, start)
	if !ok {
		var zero V
		return zero, false
	}
	return old.val, true
}

// Delete removes key and returns the removed value, if any.
func (d *Dict[V]) Delete(key string) (V, bool) {
	start := d.begin()
	tok := d.m.Enter()
	old, ok := d.t.Remove(tok, hashKey(key, d.cfg.Hash64))
	d.m.Exit(tok)
	d.done(metrics.OpDelete, start)
	if !ok {
		var zero V
		return zero, false
	}
	return old.val, true
}

// Len returns the number of live keys.
func (d *Dict[V]) Len() int {
	return d.t.Len()
}

// Items returns a linearizable snapshot of the dictionary. With sorted
// set, items come back in insertion order; otherwise the order is
// arbitrary but the snapshot is still consistent.
func (d *Dict[V]) Items(sorted bool) []Item[V] {
	start := d.begin()
	tok := d.m.Enter()
	view := d.t.View(tok, sorted)
	d.m.Exit(tok)
	d.done(metrics.OpView, start)

	items := make([]Item[V], len(view))
	for i, it := range view {
		items[i] = Item[V]{Key: it.Val.key, Value: it.Val.val}
	}
	return items
}

// Stats returns a metrics snapshot. The dictionary must have been
// created with Config.Metrics set; otherwise the snapshot is empty.
func (d *Dict[V]) Stats() Stats {
	if d.mx == nil {
		return Stats{}
	}
	r := d.m.Snapshot()
	d.mx.SetReclaim(metrics.ReclaimMetrics{
		Retired:   r.Retired,
		Freed:     r.Freed,
		Unused:    r.Unused,
		HelpedOps: r.HelpedOps,
	})
	d.mx.SetMigrations(d.t.Migrations())
	return d.mx.GetStats()
}

// ExportPrometheus renders the metrics snapshot in Prometheus text
// format. Empty without Config.Metrics.
func (d *Dict[V]) ExportPrometheus() string {
	if d.mx == nil {
		return ""
	}
	d.Stats()
	return d.mx.ExportPrometheus()
}

// Close releases the dictionary. No operation may be in flight. Live
// values are handed to the free handler.
func (d *Dict[V]) Close() {
	d.t.Close()
	if d.mx != nil {
		d.mx.Close()
	}
}

// Set is a lock-free set of strings.
type Set struct {
	d *Dict[struct{}]
}

// NewSet creates a set with the default configuration.
func NewSet() *Set {
	return NewSetWithConfig(DefaultConfig())
}

// NewSetWithConfig creates a set with an explicit configuration.
func NewSetWithConfig(cfg Config) *Set {
	return &Set{d: NewDictWithConfig[struct{}](cfg, nil)}
}

// Add inserts key, reporting whether it was absent.
func (s *Set) Add(key string) bool {
	return s.d.Add(key, struct{}{})
}

// Remove deletes key, reporting whether it was present.
func (s *Set) Remove(key string) bool {
	_, ok := s.d.Delete(key)
	return ok
}

// Contains reports membership.
func (s *Set) Contains(key string) bool {
	_, ok := s.d.Get(key)
	return ok
}

// Len returns the number of members.
func (s *Set) Len() int {
	return s.d.Len()
}

// Items returns a linearizable snapshot of the members, in insertion
// order when sorted is set.
func (s *Set) Items(sorted bool) []string {
	items := s.d.Items(sorted)
	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.Key
	}
	return keys
}

// Close releases the set. No operation may be in flight.
func (s *Set) Close() {
	s.d.Close()
}

// Queue is a lock-free FIFO queue.
type Queue[T any] struct {
	m  *reclaim.Manager
	q  *fifo.Queue[T]
	mx *metrics.Metrics
}

// NewQueue creates a queue with the default configuration.
func NewQueue[T any]() *Queue[T] {
	return NewQueueWithConfig[T](DefaultConfig(), nil)
}

// NewQueueWithConfig creates a queue with an explicit configuration.
// free, if non-nil, runs for values still enqueued at Close.
func NewQueueWithConfig[T any](cfg Config, free func(T)) *Queue[T] {
	cfg = cfg.normalize()
	q := &Queue[T]{m: reclaim.NewManager(cfg.Slots, cfg.ReclaimCadence)}
	q.q = fifo.New[T](q.m, cfg.Capacity, cfg.policy(), free)
	if cfg.Metrics {
		q.mx = metrics.NewMetrics()
	}
	return q
}

// Enqueue appends v.
func (q *Queue[T]) Enqueue(v T) {
	var start time.Time
	if q.mx != nil {
		start = time.Now()
	}
	tok := q.m.Enter()
	q.q.Enqueue(tok, v)
	q.m.Exit(tok)
	if q.mx != nil {
		q.mx.RecordOp(metrics.OpEnqueue, time.Since(start))
	}
}

// Dequeue removes and returns the oldest value, or ok == false when the
// queue is empty.
func (q *Queue[T]) Dequeue() (T, bool) {
	var start time.Time
	if q.mx != nil {
		start = time.Now()
	}
	tok := q.m.Enter()
	v, ok := q.q.Dequeue(tok)
	q.m.Exit(tok)
	if q.mx != nil {
		q.mx.RecordOp(metrics.OpDequeue, time.Since(start))
	}
	return v, ok
}

// Len estimates the number of enqueued values.
func (q *Queue[T]) Len() int {
	return q.q.Len()
}

// Stats returns a metrics snapshot. Empty without Config.Metrics.
func (q *Queue[T]) Stats() Stats {
	if q.mx == nil {
		return Stats{}
	}
	r := q.m.Snapshot()
	q.mx.SetReclaim(metrics.ReclaimMetrics{
		Retired:   r.Retired,
		Freed:     r.Freed,
		Unused:    r.Unused,
		HelpedOps: r.HelpedOps,
	})
	q.mx.SetMigrations(q.q.Migrations())
	return q.mx.GetStats()
}

// Close releases the queue. No operation may be in flight.
func (q *Queue[T]) Close() {
	q.q.Close()
	if q.mx != nil {
		q.mx.Close()
	}
}

// Stack is a lock-free LIFO stack.
type Stack[T any] struct {
	m  *reclaim.Manager
	s  *stack.Stack[T]
	mx *metrics.Metrics
}

// NewStack creates a stack with the default configuration.
func NewStack[T any]() *Stack[T] {
	return NewStackWithConfig[T](DefaultConfig(), nil)
}

// NewStackWithConfig creates a stack with an explicit configuration.
// free, if non-nil, runs for values still on the stack at Close.
func NewStackWithConfig[T any](cfg Config, free func(T)) *Stack[T] {
	cfg = cfg.normalize()
	st := &Stack[T]{m: reclaim.NewManager(cfg.Slots, cfg.ReclaimCadence)}
	st.s = stack.New[T](st.m, free)
	if cfg.Metrics {
		st.mx = metrics.NewMetrics()
	}
	return st
}

// Push places v on top of the stack.
func (s *Stack[T]) Push(v T) {
	var start time.Time
	if s.mx != nil {
		start = time.Now()
	}
	tok := s.m.Enter()
	s.s.Push(tok, v)
	s.m.Exit(tok)
	if s.mx != nil {
		s.mx.RecordOp(metrics.OpPush, time.Since(start))
	}
}

// Pop removes and returns the top value, or ok == false when empty.
func (s *Stack[T]) Pop() (T, bool) {
	var start time.Time
	if s.mx != nil {
		start = time.Now()
	}
	tok := s.m.Enter()
	v, ok := s.s.Pop(tok)
	s.m.Exit(tok)
	if s.mx != nil {
		s.mx.RecordOp(metrics.OpPop, time.Since(start))
	}
	return v, ok
}

// Peek returns the top value without removing it.
func (s *Stack[T]) Peek() (T, bool) {
	tok := s.m.Enter()
	v, ok := s.s.Peek(tok)
	s.m.Exit(tok)
	return v, ok
}

// Len returns the number of values on the stack.
func (s *Stack[T]) Len() int {
	return s.s.Len()
}

// Close releases the stack. No operation may be in flight.
func (s *Stack[T]) Close() {
	s.s.Close()
	if s.mx != nil {
		s.mx.Close()
	}
}

// Licensed under the MIT License. See LICENSE file in the project root for details.

package hatrack

import (
	"fmt"
	"sync"
	"testing"
)

func TestPublicAPI(t *testing.T) {
	d := NewDict[string]()
	defer d.Close()

	// Basic operations
	d.Put("key1", "value1")
	value, ok := d.Get("key1")
	if !ok || value != "value1" {
		t.Errorf("Expected value1, got %s, ok: %t", value, ok)
	}

	old, had := d.Put("key1", "value2")
	if !had || old != "value1" {
		t.Errorf("Expected displaced value1, got %s, had: %t", old, had)
	}

	// Add only succeeds on absent keys
	if d.Add("key1", "nope") {
		t.Error("Add succeeded on a live key")
	}
	if !d.Add("key2", "value2") {
		t.Error("Add failed on an absent key")
	}

	// Replace only succeeds on live keys
	if _, ok := d.Replace("missing", "x"); ok {
		t.Error("Replace succeeded on an absent key")
	}

	// Delete
	removed, ok := d.Delete("key1")
	if !ok || removed != "value2" {
		t.Errorf("Expected removed value2, got %s, ok: %t", removed, ok)
	}
	if _, ok := d.Get("key1"); ok {
		t.Error("Get found a deleted key")
	}

	if d.Len() != 1 {
		t.Errorf("Expected 1 key, got %d", d.Len())
	}
}

func TestDictItemsInsertionOrder(t *testing.T) {
	d := NewDict[int]()
	defer d.Close()

	for i, key := range []string{"c", "a", "b"} {
		d.Put(key, i)
	}

	items := d.Items(true)
	if len(items) != 3 {
		t.Fatalf("Expected 3 items, got %d", len(items))
	}
	for i, want := range []string{"c", "a", "b"} {
		if items[i].Key != want {
			t.Errorf("Position %d: expected %s, got %s", i, want, items[i].Key)
		}
	}
}

func TestDictFreeHandler(t *testing.T) {
	freed := map[string]bool{}
	d := NewDictWithConfig[int](DefaultConfig(), func(key string, val int) {
		freed[key] = true
	})

	d.Put("a", 1)
	d.Put("b", 2)
	d.Delete("a")
	d.Close()

	if !freed["a"] || !freed["b"] {
		t.Errorf("Free handler missed values: %v", freed)
	}
}

func TestHash64ProfileShape(t *testing.T) {
	h := hashKey("some-key", true)
	if h.Hi != 0 {
		t.Fatalf("64-bit profile set Hi to %#x, want 0", h.Hi)
	}
	if h.Lo == 0 {
		t.Fatal("64-bit profile produced a zero hash")
	}
	full := hashKey("some-key", false)
	if full == h {
		t.Fatal("128-bit profile collapsed to the 64-bit hash")
	}
}

func TestDictHash64Profile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Hash64 = true
	d := NewDictWithConfig[int](cfg, nil)
	defer d.Close()

	for i := 0; i < 100; i++ {
		d.Put(fmt.Sprintf("key-%d", i), i)
	}
	for i := 0; i < 100; i++ {
		v, ok := d.Get(fmt.Sprintf("key-%d", i))
		if !ok || v != i {
			t.Fatalf("key-%d: got (%d, %v)", i, v, ok)
		}
	}
}

func TestDictConcurrent(t *testing.T) {
	d := NewDict[int]()
	defer d.Close()

	const (
		writers = 8
		perW    = 1000
	)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perW; i++ {
				d.Put(fmt.Sprintf("w%d-%d", w, i), i)
			}
		}(w)
	}
	wg.Wait()

	if d.Len() != writers*perW {
		t.Errorf("Expected %d keys, got %d", writers*perW, d.Len())
	}
}

func TestDictMetrics(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics = true
	d := NewDictWithConfig[int](cfg, nil)
	defer d.Close()

	d.Put("a", 1)
	d.Get("a")
	d.Delete("a")

	// Counters fold in the background, so only the structural parts of
	// the snapshot are asserted here.
	stats := d.Stats()
	if stats.Configuration.BufferSize == 0 {
		t.Error("Stats snapshot missing configuration")
	}
	if out := d.ExportPrometheus(); out == "" {
		t.Error("Prometheus export is empty with metrics enabled")
	}
}

func TestSet(t *testing.T) {
	s := NewSet()
	defer s.Close()

	if !s.Add("alice") {
		t.Error("Add failed on a new member")
	}
	if s.Add("alice") {
		t.Error("Add succeeded on an existing member")
	}
	if !s.Contains("alice") {
		t.Error("Contains missed a member")
	}
	s.Add("bob")
	if s.Len() != 2 {
		t.Errorf("Expected 2 members, got %d", s.Len())
	}

	members := s.Items(true)
	if len(members) != 2 || members[0] != "alice" || members[1] != "bob" {
		t.Errorf("Unexpected members %v", members)
	}

	if !s.Remove("alice") {
		t.Error("Remove failed on a member")
	}
	if s.Contains("alice") {
		t.Error("Contains found a removed member")
	}
}

func TestQueueFacade(t *testing.T) {
	q := NewQueue[int]()
	defer q.Close()

	if _, ok := q.Dequeue(); ok {
		t.Error("Dequeue succeeded on an empty queue")
	}

	for i := 1; i <= 100; i++ {
		q.Enqueue(i)
	}
	for want := 1; want <= 100; want++ {
		v, ok := q.Dequeue()
		if !ok || v != want {
			t.Fatalf("Expected %d, got (%d, %v)", want, v, ok)
		}
	}
}

func TestStackFacade(t *testing.T) {
	s := NewStack[string]()
	defer s.Close()

	s.Push("a")
	s.Push("b")

	if v, ok := s.Peek(); !ok || v != "b" {
		t.Errorf("Peek: got (%s, %v)", v, ok)
	}
	if v, ok := s.Pop(); !ok || v != "b" {
		t.Errorf("Pop: got (%s, %v)", v, ok)
	}
	if v, ok := s.Pop(); !ok || v != "a" {
		t.Errorf("Pop: got (%s, %v)", v, ok)
	}
	if _, ok := s.Pop(); ok {
		t.Error("Pop succeeded on an empty stack")
	}
}

func TestInvalidConfigPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for non-power-of-two capacity")
		}
	}()
	cfg := DefaultConfig()
	cfg.Capacity = 12
	NewDictWithConfig[int](cfg, nil)
}

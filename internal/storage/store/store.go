// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package store provides the generic, cooperative store-migration protocol
// shared by every growable lock-free container.
//
// A growable container keeps its entries in a fixed-capacity backing store.
// When a writer saturates the store, the store is migrated: it is frozen
// slot by slot, a successor store is installed exactly once, live entries
// are cooperatively copied by every thread that touches the old store, and
// finally the container's top-level pointer is swung to the successor. The
// old store is then retired through the reclamation engine so that readers
// still scanning it remain safe.
//
// The per-store state machine is
//
//	ACTIVE -> FREEZING -> COPYING -> RETIRED
//
// and every transition of an individual slot is a single pointer
// compare-and-swap on an immutable cell value, which is what makes each
// transition exactly-once under any number of concurrent helpers.
//
// # Slot State
//
// A slot holds an atomic pointer to an immutable Cell. The cell carries the
// record pointer, a container-defined tag, and the MOVING/MOVED migration
// flags. Storing the flags beside the pointer in an immutable value (rather
// than stealing pointer bits) keeps the set of representable states and the
// CAS-based exactly-once transitions while staying within the language's
// memory model.
//
// Once a cell carries the MOVING flag, ordinary writes to the slot are
// impossible: any mutation CAS takes the pre-freeze cell as its expected
// value and therefore fails. Only the migration protocol resolves a MOVING
// slot, by copying its record (if live) and marking it MOVED.
//
// # Protocol Outline
//
//  1. Trigger: a writer crosses the saturation threshold or lands on a
//     MOVING slot.
//  2. Freeze: sweep every slot, CASing the MOVING flag on. Idempotent and
//     safe to run from any number of threads; the sweep counts live records
//     to size the successor.
//  3. Install: exactly one thread CASes the store's next pointer from nil.
//     Losers release their candidate store through the reclamation engine's
//     unused path.
//  4. Copy: every thread touching the old store copies live, not-yet-moved
//     records into the successor with CAS, then marks the source slot
//     MOVED. Dead slots are marked MOVED without copying.
//  5. Publish: exactly one thread CASes the container's top-level store
//     pointer; losers simply proceed.
//  6. Retire: the publish winner retires the old store.
//
// Steps 2-4 are generic and provided here; placement into the successor
// (hash probing, ticket offsets) is container-specific, so containers drive
// the copy loop themselves using the slot primitives.
package store

import (
	"fmt"
	"sync/atomic"
)

// Cell is the immutable state of one slot. A nil cell pointer means the
// slot is empty and not yet frozen. Cells are never mutated after they are
// published; all slot transitions swap whole cells.
type Cell[R any] struct {
	Rec    *R
	Tag    uint8 // container-defined marker (e.g. queue cell states)
	Moving bool
	Moved  bool
}

// Slot is one backing-array position.
type Slot[R any] struct {
	p atomic.Pointer[Cell[R]]
}

// Load returns the slot's current cell, which may be nil (empty, active).
func (s *Slot[R]) Load() *Cell[R] {
	return s.p.Load()
}

// CompareAndSwap publishes next if the slot still holds old. This is the
// only mutation primitive; every state transition goes through it.
func (s *Slot[R]) CompareAndSwap(old, next *Cell[R]) bool {
	return s.p.CompareAndSwap(old, next)
}

// Freeze ensures the slot carries the MOVING flag and returns the frozen
// cell. It preserves the record, tag and MOVED flag. Any number of threads
// may race here; exactly one CAS per slot succeeds and the rest observe the
// flag already set.
func (s *Slot[R]) Freeze() *Cell[R] {
	for {
		c := s.p.Load()
		if c != nil && c.Moving {
			return c
		}
		n := &Cell[R]{Moving: true}
		if c != nil {
			n.Rec = c.Rec
			n.Tag = c.Tag
			n.Moved = c.Moved
		}
		if s.p.CompareAndSwap(c, n) {
			return n
		}
	}
}

// MarkMoved stamps the MOVED flag onto a frozen slot and returns the final
// cell. Idempotent.
func (s *Slot[R]) MarkMoved() *Cell[R] {
	for {
		c := s.p.Load()
		if c != nil && c.Moved {
			return c
		}
		n := &Cell[R]{Moving: true, Moved: true}
		if c != nil {
			n.Rec = c.Rec
			n.Tag = c.Tag
		}
		if s.p.CompareAndSwap(c, n) {
			return n
		}
	}
}

// FreezeAll sweeps n slots, freezing each, and returns how many hold a live
// record according to the container's predicate. The count sizes the
// successor store.
func FreezeAll[R any](n int, at func(int) *Slot[R], live func(*R) bool) int {
	count := 0
	for i := 0; i < n; i++ {
		c := at(i).Freeze()
		if c.Rec != nil && live(c.Rec) {
			count++
		}
	}
	return count
}

// Policy holds the growth heuristics for a container. The thresholds are
// tuning knobs, not contract values.
type Policy struct {
	// GrowThreshold is the fraction of claimed slots at which a writer
	// triggers migration.
	GrowThreshold float64
	// GrowLiveRatio: at or above this live fraction the successor doubles.
	GrowLiveRatio float64
	// ShrinkLiveRatio: at or below this live fraction the successor halves.
	ShrinkLiveRatio float64
	// MinCapacity is the floor below which stores never shrink.
	MinCapacity uint64
}

// DefaultPolicy returns the standard 75% trigger with 50%/25% grow/shrink
// cutoffs and a floor of 8 slots.
func DefaultPolicy() Policy {
	return Policy{
		GrowThreshold:   0.75,
		GrowLiveRatio:   0.50,
		ShrinkLiveRatio: 0.25,
		MinCapacity:     8,
	}
}

// Normalize fills zero fields with defaults and validates the rest. It
// panics on nonsensical configurations (programmer error).
func (p Policy) Normalize() Policy {
	d := DefaultPolicy()
	if p.GrowThreshold == 0 {
		p.GrowThreshold = d.GrowThreshold
	}
	if p.GrowLiveRatio == 0 {
		p.GrowLiveRatio = d.GrowLiveRatio
	}
	if p.ShrinkLiveRatio == 0 {
		p.ShrinkLiveRatio = d.ShrinkLiveRatio
	}
	if p.MinCapacity == 0 {
		p.MinCapacity = d.MinCapacity
	}
	if p.GrowThreshold <= 0 || p.GrowThreshold > 1 {
		panic(fmt.Sprintf("store: grow threshold %v out of (0, 1]", p.GrowThreshold))
	}
	if p.ShrinkLiveRatio >= p.GrowLiveRatio {
		panic(fmt.Sprintf("store: shrink ratio %v must be below grow ratio %v",
			p.ShrinkLiveRatio, p.GrowLiveRatio))
	}
	if p.MinCapacity&(p.MinCapacity-1) != 0 {
		panic(fmt.Sprintf("store: minimum capacity %d must be a power of 2", p.MinCapacity))
	}
	return p
}

// SaturationPoint returns the claimed-slot count at which a store of the
// given capacity triggers migration.
func (p Policy) SaturationPoint(capacity uint64) uint64 {
	return uint64(float64(capacity) * p.GrowThreshold)
}

// NextCapacity sizes the successor store: double when the old store was at
// or above the grow ratio of live entries, halve (to the floor) when at or
// below the shrink ratio, otherwise keep the same size.
func (p Policy) NextCapacity(capacity uint64, liveCount int) uint64 {
	live := float64(liveCount)
	switch {
	case live >= p.GrowLiveRatio*float64(capacity):
		return capacity * 2
	case live <= p.ShrinkLiveRatio*float64(capacity) && capacity/2 >= p.MinCapacity:
		return capacity / 2
	default:
		return capacity
	}
}

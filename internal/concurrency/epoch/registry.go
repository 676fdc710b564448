// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package epoch provides the epoch registry underpinning memory reclamation
// for the lock-free containers.
//
// This package implements a fixed-capacity table of per-thread reservation
// slots together with a global commit epoch. Container operations announce
// themselves to the registry when they begin touching shared state and clear
// the announcement when they finish; writers linearize by advancing the
// global commit epoch. The reclamation engine uses the minimum announced
// reservation to decide which retired objects can no longer be observed.
//
// # Key Features
//
//   - Fixed-size, cache-line-padded reservation slot table
//   - Allocation-free critical-section enter/exit on the hot path
//   - Global commit epoch advanced by fetch-and-add for write linearization
//   - O(capacity) minimum-reservation scan using only atomic loads
//   - Lock-free slot acquisition via a tagged free list (no ABA)
//
// # Usage Examples
//
// Entering and exiting a critical section:
//
//	reg := epoch.NewRegistry(epoch.DefaultSlots)
//
//	slot := reg.Acquire()
//	reg.Reserve(slot)
//	// ... read/mutate shared lock-free state ...
//	reg.Unreserve(slot)
//	reg.Release(slot)
//
// Linearizing a write:
//
//	e := reg.LinearizeWrite() // unique, monotonically increasing
//
// Deciding what is safe to reclaim:
//
//	min := reg.MinReservation()
//	// Anything retired at an epoch strictly below min is unreachable.
//
// # Dangers and Warnings
//
//   - **Slot Exhaustion**: Acquire panics when more slots are requested than
//     the registry was sized for. Size the registry at startup; this is a
//     documented hard limit, not a recoverable error.
//   - **Unbalanced Calls**: Every Acquire must be paired with Release and
//     every Reserve with Unreserve. A leaked reservation pins all retired
//     memory forever.
//   - **Reservation Before Reads**: A thread must Reserve before loading any
//     shared pointer. Pointers loaded outside a reservation may be reclaimed
//     at any time.
//
// # Thread Safety
//
// All registry operations are safe for concurrent use. Each slot's
// reservation word is written only by the slot's current holder; the
// minimum-reservation scan reads all slots with atomic loads.
package epoch

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

const (
	// NoReservation is the reservation value of an inactive slot. It also
	// serves as the "infinity" result of MinReservation when no critical
	// section is active.
	NoReservation = ^uint64(0)

	// DefaultSlots is the default reservation-table capacity. It bounds the
	// number of goroutines that may be inside container operations at once.
	DefaultSlots = 1024

	// MaxSlots is the largest registry capacity supported.
	MaxSlots = 1 << 16

	noSlot = ^uint32(0)
)

// slot is one thread reservation record. Slots are padded so that the
// per-thread reservation word never shares a cache line with a neighbor.
type slot struct {
	_           cpu.CacheLinePad
	reservation atomic.Uint64
	nextFree    atomic.Uint32
}

// Registry is a fixed-capacity table of thread reservation slots plus the
// global commit epoch.
type Registry struct {
	global atomic.Uint64

	// freeHead packs a slot index (low 32 bits) with a version tag (high 32
	// bits) so that popping from the free list is not subject to ABA.
	freeHead atomic.Uint64

	slots []slot
}

// NewRegistry creates a registry with the given number of reservation slots.
// The capacity is a hard limit on concurrent critical sections; it panics if
// capacity is not in (0, MaxSlots].
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 || capacity > MaxSlots {
		panic(fmt.Sprintf("epoch: registry capacity %d out of range (0, %d]", capacity, MaxSlots))
	}

	r := &Registry{
		slots: make([]slot, capacity),
	}
	for i := range r.slots {
		r.slots[i].reservation.Store(NoReservation)
		if i+1 < capacity {
			r.slots[i].nextFree.Store(uint32(i + 1))
		} else {
			r.slots[i].nextFree.Store(noSlot)
		}
	}
	r.freeHead.Store(packHead(0, 0))

	// Epoch 0 is reserved as the "never committed" sentinel.
	r.global.Store(1)
	return r
}

func packHead(idx uint32, tag uint32) uint64 {
	return uint64(tag)<<32 | uint64(idx)
}

func unpackHead(h uint64) (idx uint32, tag uint32) {
	return uint32(h), uint32(h >> 32)
}

// Capacity returns the number of reservation slots.
func (r *Registry) Capacity() int {
	return len(r.slots)
}

// Acquire claims a reservation slot and returns its index. The slot starts
// without a reservation. Acquire panics when every slot is claimed; the
// registry must be sized for the peak number of concurrent operations.
func (r *Registry) Acquire() int {
	for {
		head := r.freeHead.Load()
		idx, tag := unpackHead(head)
		if idx == noSlot {
			panic("epoch: reservation slots exhausted; raise the registry capacity")
		}
		next := r.slots[idx].nextFree.Load()
		if r.freeHead.CompareAndSwap(head, packHead(next, tag+1)) {
			return int(idx)
		}
	}
}

// Release returns a slot to the free list. The slot must not hold a
// reservation.
func (r *Registry) Release(slot int) {
	s := &r.slots[slot]
	for {
		head := r.freeHead.Load()
		idx, tag := unpackHead(head)
		s.nextFree.Store(idx)
		if r.freeHead.CompareAndSwap(head, packHead(uint32(slot), tag+1)) {
			return
		}
	}
}

// Reserve announces that the slot's holder is entering a critical section,
// recording the current commit epoch as its reservation. It returns the
// reserved epoch. Reserve never blocks and never fails.
//
// The commit epoch is re-read after the store: a reservation only protects
// the caller once it is visible to MinReservation scans, so the loop runs
// until the epoch observed after publishing the reservation is the one
// reserved.
func (r *Registry) Reserve(slot int) uint64 {
	res := &r.slots[slot].reservation
	e := r.global.Load()
	for {
		res.Store(e)
		cur := r.global.Load()
		if cur == e {
			return e
		}
		e = cur
	}
}

// Unreserve clears the slot's reservation, announcing that its holder no
// longer references shared state.
func (r *Registry) Unreserve(slot int) {
	r.slots[slot].reservation.Store(NoReservation)
}

// Reservation returns the slot's current reservation, or NoReservation.
func (r *Registry) Reservation(slot int) uint64 {
	return r.slots[slot].reservation.Load()
}

// LinearizeWrite atomically advances the global commit epoch and returns the
// new value. Each logical write that needs a place in the container's total
// order calls this exactly once.
func (r *Registry) LinearizeWrite() uint64 {
	return r.global.Add(1)
}

// Current returns the current global commit epoch without advancing it.
func (r *Registry) Current() uint64 {
	return r.global.Load()
}

// MinReservation scans every slot and returns the minimum active
// reservation, or NoReservation when no critical section is active. The scan
// uses only atomic loads.
func (r *Registry) MinReservation() uint64 {
	min := uint64(NoReservation)
	for i := range r.slots {
		if res := r.slots[i].reservation.Load(); res < min {
			min = res
		}
	}
	return min
}

// ActiveCount returns the number of slots currently holding a reservation.
// It is intended for metrics and tests, not for reclamation decisions.
func (r *Registry) ActiveCount() int {
	n := 0
	for i := range r.slots {
		if r.slots[i].reservation.Load() != NoReservation {
			n++
		}
	}
	return n
}

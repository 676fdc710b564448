// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package reclaim provides epoch-based deferred memory reclamation for the
// lock-free containers.
//
// Containers never destroy a record the moment it is unlinked from shared
// state: a concurrent reader inside a critical section may still hold a
// pointer to it. Instead the record is retired, stamped with the commit
// epoch of its unlinking, and queued on a per-slot retire list. A retired
// record is destroyed (its cleanup invoked) only once every active
// reservation in the epoch registry is strictly newer than the record's
// retirement epoch, at which point no reader can still observe it.
//
// # Key Features
//
//   - Critical-section tokens bound to epoch registry slots
//   - Per-slot sharded retire lists (no cross-thread contention)
//   - Grace-period deferred free against the minimum active reservation
//   - Commit/help-commit protocol for linearizable creation epochs
//   - Fast-path retirement for records that were never published
//
// # Usage Examples
//
// A container operation:
//
//	tok := mgr.Enter()
//	defer mgr.Exit(tok)
//	// ... CAS a record out of shared state ...
//	mgr.Retire(tok, &rec.Header, func() { /* destroy rec */ })
//
// Committing a freshly published record:
//
//	if cell.CompareAndSwap(old, new) {
//	    mgr.CommitWrite(&new.Header)
//	}
//
// A reader that finds an uncommitted record helps the stalled writer:
//
//	mgr.HelpCommit(&rec.Header)
//
// # Dangers and Warnings
//
//   - **At-Most-Once Retirement**: Retiring the same record twice is a
//     caller contract violation. Only the CAS winner that unlinked the
//     record may retire it.
//   - **Retire Inside a Critical Section**: Retire must be called while
//     holding the token for the current operation.
//   - **Drain Requires Quiescence**: Drain destroys every pending record
//     unconditionally and must only be called when no operation is in
//     flight (container teardown).
//
// # Thread Safety
//
// All operations are safe for concurrent use. Retire lists are owned by the
// holder of the corresponding registry slot; slot hand-off through the
// registry free list establishes the necessary ordering.
package reclaim

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/viega/hatrack-sub002/internal/concurrency/epoch"
)

// DefaultReclaimCadence is the default number of critical-section exits per
// slot between reclamation passes over that slot's retire list.
const DefaultReclaimCadence = 64

// Header is embedded at the start of every reclaimable record. The zero
// value is ready to use: epoch 0 means "not yet committed" (creation) and
// "still live" (retirement).
type Header struct {
	create atomic.Uint64
	retire atomic.Uint64
}

// CreateEpoch returns the record's commit epoch, or 0 if the record has not
// been committed yet.
func (h *Header) CreateEpoch() uint64 {
	return h.create.Load()
}

// RetireEpoch returns the epoch at which the record was retired, or 0 if it
// is still live.
func (h *Header) RetireEpoch() uint64 {
	return h.retire.Load()
}

// retired is one entry on a slot's retire list.
type retired struct {
	h       *Header
	cleanup func()
}

// shard is the retire list for one registry slot. It is accessed only by
// the slot's current holder. Retirements move from pending to grace on one
// reclamation pass and are destroyed on a later one, so a record must sit
// out a full reservation generation before its memory is reused.
type shard struct {
	_       cpu.CacheLinePad
	pending []retired
	grace   []retired
	exits   uint32
}

// Token identifies an in-progress critical section. Tokens are plain values
// so the hot path performs no allocation.
type Token struct {
	slot int32
}

// Slot returns the registry slot backing the token.
func (t Token) Slot() int {
	return int(t.slot)
}

// Stats is a point-in-time snapshot of reclamation activity.
type Stats struct {
	Retired   uint64 // records handed to Retire
	Freed     uint64 // records whose cleanup has run
	Unused    uint64 // records released through RetireUnused
	HelpedOps uint64 // commits performed on behalf of stalled writers
}

// Manager owns the retire lists and drives deferred reclamation against an
// epoch registry.
type Manager struct {
	reg     *epoch.Registry
	shards  []shard
	cadence uint32

	retired atomic.Uint64
	freed   atomic.Uint64
	unused  atomic.Uint64
	helped  atomic.Uint64
}

// NewManager creates a reclamation manager over its own registry with the
// given slot capacity. A cadence of 0 selects DefaultReclaimCadence.
func NewManager(capacity int, cadence uint32) *Manager {
	if cadence == 0 {
		cadence = DefaultReclaimCadence
	}
	reg := epoch.NewRegistry(capacity)
	return &Manager{
		reg:     reg,
		shards:  make([]shard, reg.Capacity()),
		cadence: cadence,
	}
}

// Registry exposes the underlying epoch registry.
func (m *Manager) Registry() *epoch.Registry {
	return m.reg
}

// Enter begins a critical section: it claims a registry slot and records
// the current commit epoch as the caller's reservation. It never blocks; it
// panics only on slot exhaustion (configuration error).
func (m *Manager) Enter() Token {
	s := m.reg.Acquire()
	m.reg.Reserve(s)
	return Token{slot: int32(s)}
}

// Exit ends a critical section. Every cadence-th exit on a slot runs a
// reclamation pass over that slot's retire list before the slot is handed
// back.
func (m *Manager) Exit(t Token) {
	s := int(t.slot)
	m.reg.Unreserve(s)

	sh := &m.shards[s]
	sh.exits++
	if sh.exits%m.cadence == 0 && len(sh.pending)+len(sh.grace) > 0 {
		m.reclaimShard(sh)
	}
	m.reg.Release(s)
}

// CommitWrite stamps the record with a freshly linearized commit epoch,
// making its creation visible to epoch-ordered views. It must be called by
// the thread whose CAS published the record. The CAS below loses only when
// a reader already helped, which is equally correct.
func (m *Manager) CommitWrite(h *Header) uint64 {
	e := m.reg.LinearizeWrite()
	if h.create.CompareAndSwap(0, e) {
		return e
	}
	return h.create.Load()
}

// HelpCommit idempotently commits a record on behalf of a stalled writer.
// Any thread that observes an uncommitted record must call this before
// depending on the record's epoch; readers never block on writers.
func (m *Manager) HelpCommit(h *Header) uint64 {
	if c := h.create.Load(); c != 0 {
		return c
	}
	if h.create.CompareAndSwap(0, m.reg.Current()) {
		m.helped.Add(1)
	}
	return h.create.Load()
}

// Retire logically destroys a record that has just been unlinked from
// shared state. The cleanup runs once no active reservation can still
// observe the record. Retiring a record twice is undefined behavior.
func (m *Manager) Retire(t Token, h *Header, cleanup func()) {
	h.retire.Store(m.reg.Current())
	sh := &m.shards[t.slot]
	sh.pending = append(sh.pending, retired{h: h, cleanup: cleanup})
	m.retired.Add(1)
}

// RetireUnused releases a record that was allocated but never published
// (the loser of a creation race). No reader can have observed it, so its
// cleanup runs immediately with no epoch bookkeeping.
func (m *Manager) RetireUnused(cleanup func()) {
	if cleanup != nil {
		cleanup()
	}
	m.unused.Add(1)
}

// reclaimShard frees every record on the shard whose retirement epoch is
// strictly below the minimum active reservation. Matured grace entries are
// destroyed; qualifying pending entries advance to grace and are destroyed
// no earlier than the next pass. The minimum is re-checked at destruction
// time because a newly entered reader can lower it between passes.
func (m *Manager) reclaimShard(sh *shard) {
	min := m.reg.MinReservation()

	kept := sh.grace[:0]
	for _, r := range sh.grace {
		if r.h.retire.Load() < min {
			if r.cleanup != nil {
				r.cleanup()
			}
			m.freed.Add(1)
		} else {
			kept = append(kept, r)
		}
	}
	for i := len(kept); i < len(sh.grace); i++ {
		sh.grace[i] = retired{}
	}
	sh.grace = kept

	still := sh.pending[:0]
	for _, r := range sh.pending {
		if r.h.retire.Load() < min {
			sh.grace = append(sh.grace, r)
		} else {
			still = append(still, r)
		}
	}
	// Drop moved tails so the backing array does not pin records.
	for i := len(still); i < len(sh.pending); i++ {
		sh.pending[i] = retired{}
	}
	sh.pending = still
}

// Reclaim runs an immediate reclamation pass over the token's retire list.
func (m *Manager) Reclaim(t Token) {
	m.reclaimShard(&m.shards[t.slot])
}

// Drain destroys every pending record on every shard, regardless of
// reservations. It is only safe once no operation is in flight; containers
// call it during teardown.
func (m *Manager) Drain() {
	for i := range m.shards {
		sh := &m.shards[i]
		for _, r := range sh.grace {
			if r.cleanup != nil {
				r.cleanup()
			}
			m.freed.Add(1)
		}
		for _, r := range sh.pending {
			if r.cleanup != nil {
				r.cleanup()
			}
			m.freed.Add(1)
		}
		sh.grace = nil
		sh.pending = nil
	}
}

// PendingCount reports how many retired records await reclamation. Like
// Drain it reads every shard and is meant for tests and teardown, not for
// use concurrent with live operations.
func (m *Manager) PendingCount() int {
	n := 0
	for i := range m.shards {
		n += len(m.shards[i].pending) + len(m.shards[i].grace)
	}
	return n
}

// Snapshot returns current reclamation statistics.
func (m *Manager) Snapshot() Stats {
	return Stats{
		Retired:   m.retired.Load(),
		Freed:     m.freed.Load(),
		Unused:    m.unused.Load(),
		HelpedOps: m.helped.Load(),
	}
}

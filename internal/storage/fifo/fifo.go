// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package fifo provides a lock-free multi-producer multi-consumer queue
// built on the shared store-migration protocol.
//
// A queue store is a ring-less array of cells addressed by ticket.
// Producers take enqueue tickets with a fetch-and-add on the store's
// enqueue counter and publish their item into the ticketed cell with a
// single CAS. Consumers claim dequeue tickets with a CAS loop on the
// dequeue counter and take the ticketed cell's item, again with a single
// CAS. Both counters belong to the store, not the queue, so a migration
// renumbers tickets for free: carried items are copied in ticket order
// into ranks 0..carried-1 of the successor, whose enqueue counter starts
// at the carried count.
//
// # Cell States
//
// A cell is empty (nil), holds an item, is SKIPPED, or is TAKEN, plus the
// frozen variants the migration protocol adds. A consumer that claims a
// ticket whose producer has not arrived yet spins briefly and then CASes
// the cell to SKIPPED; the producer's publish CAS then fails and it
// retries with a fresh ticket, so a stalled producer never blocks
// consumers. TAKEN marks a consumed cell so migration sweeps do not copy
// it.
//
// # Migration Boundary
//
// Migration must not reorder the queue: once a consumer has claimed
// ticket d, no item below d may reappear behind it in the successor. The
// protocol therefore seals the dequeue counter right after the freeze
// sweep, which fixes a boundary: every ticket claimed before the seal is
// below it, and its consumer takes the frozen cell in the old store
// rather than following the migration. Only cells at or above the
// boundary are copied, in ticket order, so the successor holds exactly
// the suffix no consumer had reached.
//
// # Help Escalation
//
// A producer whose tickets keep getting skipped escalates: it publishes
// an announce record in its registry slot's announce cell and waits for
// the operation to complete. Every thread that finishes a migration scans
// the announce ring and executes pending requests, claiming each with a
// CAS so the operation runs exactly once. The producer itself also races
// to claim its own request, so help is an upper bound on latency, not a
// detour on the fast path.
package fifo

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/viega/hatrack-sub002/internal/concurrency/reclaim"
	"github.com/viega/hatrack-sub002/internal/storage/store"
)

const (
	// tagSkipped marks a ticket a consumer gave up waiting on.
	tagSkipped = 1
	// tagTaken marks a consumed cell.
	tagTaken = 2

	// enqueueAttempts is how many tickets a producer burns before it
	// escalates to the announce ring.
	enqueueAttempts = 8
	// dequeueSpins is how long a consumer waits for a claimed ticket's
	// producer before skipping the cell.
	dequeueSpins = 32
)

// item is one enqueued value.
type item[T any] struct {
	reclaim.Header
	val T
}

// qstore is one backing array generation. Tickets index cells directly;
// the counters travel with the store so successors restart from rank 0.
type qstore[T any] struct {
	reclaim.Header
	capacity uint64

	_    cpu.CacheLinePad
	enq  atomic.Uint64
	_    cpu.CacheLinePad
	deq  atomic.Uint64
	_    cpu.CacheLinePad
	next atomic.Pointer[qstore[T]]

	cells []store.Slot[item[T]]
}

func newQStore[T any](capacity, startEnq uint64) *qstore[T] {
	st := &qstore[T]{
		capacity: capacity,
		cells:    make([]store.Slot[item[T]], capacity),
	}
	st.enq.Store(startEnq)
	return st
}

// seal halts ticket issuance by displacing the dequeue counter past the
// capacity. Exactly one CAS wins; the displaced value preserves the
// pre-seal counter, which becomes the migration boundary.
func (st *qstore[T]) seal() {
	for {
		d := st.deq.Load()
		if d > st.capacity {
			return
		}
		if st.deq.CompareAndSwap(d, d+st.capacity+1) {
			return
		}
	}
}

// boundary returns the dequeue position consumers have claimed up to,
// and whether the store is sealed. On a sealed store the boundary is
// final: tickets below it complete against this store, cells at or
// above it belong to the migration.
func (st *qstore[T]) boundary() (uint64, bool) {
	d := st.deq.Load()
	if d > st.capacity {
		return d - st.capacity - 1, true
	}
	return d, false
}

// Announce request states.
const (
	reqPending uint32 = iota + 1
	reqClaimed
	reqDone
)

// helpReq is a published enqueue awaiting execution by any thread.
type helpReq[T any] struct {
	val   T
	state atomic.Uint32
}

// Queue is a lock-free FIFO. All operations require a critical-section
// token from the queue's reclamation manager.
type Queue[T any] struct {
	m      *reclaim.Manager
	policy store.Policy
	eject  func(T)

	current  atomic.Pointer[qstore[T]]
	announce []atomic.Pointer[helpReq[T]]

	migrations atomic.Uint64
	helped     atomic.Uint64
}

// New creates a queue with the given initial capacity, which must be a
// power of two no smaller than the policy floor. eject, if non-nil, is
// called for values still enqueued when the queue closes.
func New[T any](m *reclaim.Manager, capacity uint64, p store.Policy, eject func(T)) *Queue[T] {
	p = p.Normalize()
	if capacity == 0 || capacity&(capacity-1) != 0 {
		panic(fmt.Sprintf("fifo: capacity %d is not a power of 2", capacity))
	}
	if capacity < p.MinCapacity {
		panic(fmt.Sprintf("fifo: capacity %d below floor %d", capacity, p.MinCapacity))
	}
	q := &Queue[T]{
		m:        m,
		policy:   p,
		eject:    eject,
		announce: make([]atomic.Pointer[helpReq[T]], m.Registry().Capacity()),
	}
	q.current.Store(newQStore[T](capacity, 0))
	return q
}

// Manager returns the reclamation manager operations enter through.
func (q *Queue[T]) Manager() *reclaim.Manager {
	return q.m
}

// Len estimates the number of enqueued items. Tickets burned by skipped
// cells inflate the estimate until the next migration squeezes them out.
func (q *Queue[T]) Len() int {
	st := q.current.Load()
	e := min(st.enq.Load(), st.capacity)
	d, _ := st.boundary()
	if d >= e {
		return 0
	}
	return int(e - d)
}

// Capacity returns the current store's cell count.
func (q *Queue[T]) Capacity() uint64 {
	return q.current.Load().capacity
}

// Migrations returns how many store migrations have completed.
func (q *Queue[T]) Migrations() uint64 {
	return q.migrations.Load()
}

// Helped returns how many announced operations were executed by a thread
// other than their owner.
func (q *Queue[T]) Helped() uint64 {
	return q.helped.Load()
}

// Enqueue appends v to the queue. It is lock-free in the fast path and
// falls back to the announce ring when consumers repeatedly outrun this
// producer, which bounds the number of wasted tickets.
func (q *Queue[T]) Enqueue(tok reclaim.Token, v T) {
	if q.enqueueItem(tok, &item[T]{val: v}, enqueueAttempts) {
		return
	}
	q.enqueueSlow(tok, v)
}

// enqueueItem runs the ticket loop. attempts < 0 means run until the
// publish succeeds; the bounded form is the escalation trigger.
func (q *Queue[T]) enqueueItem(tok reclaim.Token, it *item[T], attempts int) bool {
	cell := &store.Cell[item[T]]{Rec: it}
	for i := 0; attempts < 0 || i < attempts; i++ {
		st := q.current.Load()
		t := st.enq.Add(1) - 1
		if t >= st.capacity {
			q.migrate(tok, st)
			continue
		}
		if st.cells[t].CompareAndSwap(nil, cell) {
			q.m.CommitWrite(&it.Header)
			return true
		}
		if c := st.cells[t].Load(); c != nil && c.Moving {
			q.migrate(tok, st)
		}
		// Otherwise a consumer skipped the ticket; take a fresh one.
	}
	return false
}

// enqueueSlow publishes the operation in the announce ring and races the
// rest of the system to execute it.
func (q *Queue[T]) enqueueSlow(tok reclaim.Token, v T) {
	req := &helpReq[T]{val: v}
	req.state.Store(reqPending)
	slot := &q.announce[tok.Slot()]
	slot.Store(req)

	for {
		switch req.state.Load() {
		case reqPending:
			if req.state.CompareAndSwap(reqPending, reqClaimed) {
				q.enqueueItem(tok, &item[T]{val: v}, -1)
				req.state.Store(reqDone)
			}
		case reqClaimed:
			runtime.Gosched()
		case reqDone:
			slot.CompareAndSwap(req, nil)
			return
		}
	}
}

// helpAnnounced executes every pending announce-ring request. The claim
// CAS guarantees each request runs exactly once no matter how many
// helpers scan concurrently.
func (q *Queue[T]) helpAnnounced(tok reclaim.Token) {
	for i := range q.announce {
		req := q.announce[i].Load()
		if req == nil {
			continue
		}
		if req.state.CompareAndSwap(reqPending, reqClaimed) {
			q.enqueueItem(tok, &item[T]{val: req.val}, -1)
			req.state.Store(reqDone)
			q.helped.Add(1)
		}
	}
}

// Dequeue removes and returns the oldest item. ok is false when the
// queue is empty at the linearization point.
func (q *Queue[T]) Dequeue(tok reclaim.Token) (T, bool) {
	var zero T
outer:
	for {
		st := q.current.Load()
		d := st.deq.Load()
		if d > st.capacity {
			// Sealed: no new tickets here. Finish the migration and
			// retry against the successor.
			q.migrate(tok, st)
			continue
		}
		avail := min(st.enq.Load(), st.capacity)
		if d >= avail {
			if st.next.Load() != nil {
				q.migrate(tok, st)
				continue
			}
			return zero, false
		}
		if !st.deq.CompareAndSwap(d, d+1) {
			continue
		}
		slot := &st.cells[d]
		for spins := 0; ; spins++ {
			c := slot.Load()
			switch {
			case c != nil && c.Rec != nil:
				// Live cell, frozen or not. The ticket was claimed
				// before any seal, so the item is consumed from this
				// store; migration never copies cells below the
				// boundary, which keeps the take exactly-once.
				taken := &store.Cell[item[T]]{Tag: tagTaken, Moving: c.Moving, Moved: c.Moving}
				if slot.CompareAndSwap(c, taken) {
					it := c.Rec
					q.m.HelpCommit(&it.Header)
					v := it.val
					q.m.Retire(tok, &it.Header, func() {
						var z T
						it.val = z
					})
					return v, true
				}
			case c == nil:
				// Producer holds ticket d but has not published yet.
				if spins < dequeueSpins {
					runtime.Gosched()
					continue
				}
				if slot.CompareAndSwap(nil, &store.Cell[item[T]]{Tag: tagSkipped}) {
					continue outer
				}
			case c.Moving && c.Tag == 0:
				// Frozen empty: the ticket's producer was displaced
				// into the successor and will republish there.
				continue outer
			default:
				// Skipped cell: the ticket yields nothing.
				continue outer
			}
		}
	}
}

// Close hands still-enqueued values to the eject callback and drains the
// reclamation backlog. The queue must be quiescent.
func (q *Queue[T]) Close() {
	st := q.current.Load()
	if q.eject != nil {
		for i := range st.cells {
			if c := st.cells[i].Load(); c != nil && c.Rec != nil {
				q.eject(c.Rec.val)
			}
		}
	}
	q.m.Drain()
}

// Licensed under the MIT License. See LICENSE file in the project root for details.

package fifo

import (
	"github.com/viega/hatrack-sub002/internal/concurrency/reclaim"
	"github.com/viega/hatrack-sub002/internal/storage/store"
)

// migrate runs the cooperative migration protocol on st and returns its
// successor. Safe and productive for any number of threads to run at
// once.
//
// The freeze sweep stops producers; the seal stops consumers from
// claiming new tickets and fixes the boundary. Cells below the boundary
// belong to in-flight dequeues and are never copied; every frozen cell
// at or above it holds an immutable record set, so all copiers compute
// the same rank for every carried item: its position in ticket order.
// That keeps FIFO order across the migration and lets the destination
// CAS deduplicate concurrent copies. The successor's enqueue counter
// starts at the carried count, so new tickets land after every carried
// item.
func (q *Queue[T]) migrate(tok reclaim.Token, st *qstore[T]) *qstore[T] {
	n := int(st.capacity)
	store.FreezeAll(n,
		func(i int) *store.Slot[item[T]] { return &st.cells[i] },
		func(*item[T]) bool { return true })
	st.seal()
	b, _ := st.boundary()

	live := 0
	for i := int(b); i < n; i++ {
		if st.cells[i].Load().Rec != nil {
			live++
		}
	}

	next := st.next.Load()
	if next == nil {
		cand := newQStore[T](q.policy.NextCapacity(st.capacity, live), uint64(live))
		if st.next.CompareAndSwap(nil, cand) {
			next = cand
		} else {
			next = st.next.Load()
			q.m.RetireUnused(nil)
		}
	}

	rank := 0
	for i := int(b); i < n; i++ {
		c := st.cells[i].Load()
		if c.Rec == nil {
			st.cells[i].MarkMoved()
			continue
		}
		next.cells[rank].CompareAndSwap(nil, &store.Cell[item[T]]{Rec: c.Rec})
		st.cells[i].MarkMoved()
		rank++
	}

	if q.current.CompareAndSwap(st, next) {
		q.migrations.Add(1)
		q.m.Retire(tok, &st.Header, nil)
		q.helpAnnounced(tok)
	}
	return next
}

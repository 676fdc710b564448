// Licensed under the MIT License. See LICENSE file in the project root for details.

package table

import (
	"github.com/viega/hatrack-sub002/internal/concurrency/reclaim"
	"github.com/viega/hatrack-sub002/internal/storage/store"
)

// migrate drives the table's instantiation of the store-migration protocol
// against st. Any thread that notices saturation or a MOVING slot calls in
// here; the protocol tolerates any number of concurrent helpers and any of
// them stalling at any point.
func (t *Table[V]) migrate(tok reclaim.Token, st *tstore[V]) *tstore[V] {
	// Freeze: sweep MOVING onto every slot, counting live records to size
	// the successor. Idempotent across helpers.
	live := store.FreezeAll(int(st.capacity),
		func(i int) *store.Slot[record[V]] { return &st.buckets[i].slot },
		func(r *record[V]) bool { return !r.deleted })

	// Install the successor exactly once.
	next := st.next.Load()
	if next == nil {
		cand := newStore[V](t.policy.NextCapacity(st.capacity, live))
		if !st.next.CompareAndSwap(nil, cand) {
			t.m.RetireUnused(nil)
		}
		next = st.next.Load()
	}

	// Copy: transfer live, not-yet-moved records. The destination CAS is
	// the dedup point, so racing copiers never duplicate a record.
	for i := range st.buckets {
		b := &st.buckets[i]
		c := b.slot.Load()
		if c == nil || c.Moved {
			continue
		}
		if r := c.Rec; r != nil && !r.deleted {
			// Records cross stores with resolved epochs so views never
			// chase an uncommitted copy.
			r.resolveFirst(t.m)
			t.place(next, *b.hv.Load(), r)
		}
		b.slot.MarkMoved()
	}

	// Publish, then retire the old generation. Losers of the publish race
	// simply proceed against the already-current successor.
	if t.current.CompareAndSwap(st, next) {
		t.migrations.Add(1)
		t.m.Retire(tok, &st.Header, nil)
	}
	return next
}

// place copies one live record into dst. Placement claims the hash bucket
// the same way a writer does; the record cell is only installed into an
// empty slot, which makes racing copiers idempotent. If dst is itself
// already migrating, placement cascades into its successor.
func (t *Table[V]) place(dst *tstore[V], hv Hash, r *record[V]) {
	idx := hv.Lo & dst.mask
	for i := uint64(0); i < dst.capacity; i++ {
		b := &dst.buckets[(idx+i)&dst.mask]
		h := b.hv.Load()
		if h == nil {
			cand := hv
			if b.hv.CompareAndSwap(nil, &cand) {
				dst.claimed.Add(1)
			}
			h = b.hv.Load()
		}
		if *h != hv {
			continue
		}

		for {
			c := b.slot.Load()
			if c == nil {
				if b.slot.CompareAndSwap(nil, &store.Cell[record[V]]{Rec: r}) {
					return
				}
				continue
			}
			if c.Moving {
				// The successor saturated while we were still copying
				// into it; chase the chain.
				nn := dst.next.Load()
				if nn == nil {
					nn = t.migrateInto(dst)
				}
				t.place(nn, hv, r)
				return
			}
			// Someone already copied this record (and a writer may have
			// built on top of it since).
			return
		}
	}
	// dst filled up before this record found a bucket; push it another
	// generation forward.
	nn := dst.next.Load()
	if nn == nil {
		nn = t.migrateInto(dst)
	}
	t.place(nn, hv, r)
}

// migrateInto resolves the successor of a store that froze underneath a
// copier, installing one if needed. The full cooperative migration of dst
// proceeds through the usual path when its own writers arrive.
func (t *Table[V]) migrateInto(dst *tstore[V]) *tstore[V] {
	live := store.FreezeAll(int(dst.capacity),
		func(i int) *store.Slot[record[V]] { return &dst.buckets[i].slot },
		func(r *record[V]) bool { return !r.deleted })
	if next := dst.next.Load(); next != nil {
		return next
	}
	cand := newStore[V](t.policy.NextCapacity(dst.capacity, live))
	if !dst.next.CompareAndSwap(nil, cand) {
		t.m.RetireUnused(nil)
	}
	return dst.next.Load()
}

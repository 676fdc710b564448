// Licensed under the MIT License. See LICENSE file in the project root for details.

package table

import (
	"sort"

	"github.com/viega/hatrack-sub002/internal/concurrency/reclaim"
)

// Item is one entry of a view snapshot.
type Item[V any] struct {
	Hash  Hash
	Val   V
	Epoch uint64 // insertion epoch; orders sorted views
}

// View returns a snapshot of the table computed against a single
// linearization epoch captured when the view starts. Writes linearized
// after that epoch are invisible; writes before it are all present, even
// when a migration is in flight. With sorted set, items come back in
// insertion order.
func (t *Table[V]) View(tok reclaim.Token, sorted bool) []Item[V] {
	st := t.current.Load()
	vEpoch := t.m.Registry().LinearizeWrite()

	// Walk every generation still chained from the store we started at.
	// Frozen and moved cells keep their records, so a record that was
	// dropped from a successor (deleted, then migrated) is still reachable
	// in the generation that held it at the view epoch.
	items := make([]Item[V], 0, t.Len())
	index := make(map[Hash]int, t.Len())

	for s := st; s != nil; s = s.next.Load() {
		for i := range s.buckets {
			b := &s.buckets[i]
			h := b.hv.Load()
			if h == nil {
				continue
			}
			c := b.slot.Load()
			if c == nil || c.Rec == nil {
				continue
			}
			vis := t.resolveAt(c.Rec, vEpoch)
			if vis == nil {
				// Nothing in this chain was committed by the view epoch;
				// an earlier generation may still hold the history.
				continue
			}
			// A visible tombstone keeps Epoch 0 and is compacted away
			// below; commit epochs are always nonzero.
			it := Item[V]{Hash: *h}
			if !vis.deleted {
				it.Val = vis.val
				it.Epoch = vis.resolveFirst(t.m)
			}
			if at, ok := index[*h]; ok {
				// A later generation supersedes an earlier resolution of
				// the same key.
				items[at] = it
			} else {
				index[*h] = len(items)
				items = append(items, it)
			}
		}
	}

	// Compact away entries whose visible record was a tombstone.
	out := items[:0]
	for _, it := range items {
		if it.Epoch != 0 {
			out = append(out, it)
		}
	}

	if sorted {
		sort.Slice(out, func(i, j int) bool { return out[i].Epoch < out[j].Epoch })
	}
	return out
}

// resolveAt walks a record's history to the newest version committed at or
// before the given epoch, helping stalled writers along the way. Returns
// nil when the whole chain is newer than the epoch.
func (t *Table[V]) resolveAt(r *record[V], e uint64) *record[V] {
	for r != nil {
		if t.m.HelpCommit(&r.Header) <= e {
			return r
		}
		r = r.prev
	}
	return nil
}

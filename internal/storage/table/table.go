// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package table provides a growable, linearizable, lock-free hash table
// keyed by precomputed 128-bit hash values.
//
// The table is an instantiation of the generic store-migration protocol: a
// fixed-capacity bucket array is the backing store, writers that saturate
// it cooperate to migrate live records into a successor array, and every
// displaced record flows through the epoch-based reclamation engine so that
// concurrent readers never observe freed memory.
//
// # Key Features
//
//   - Lock-free get/put/add/replace/remove over open-addressed buckets
//   - Cooperative, exactly-once store migration with grow/shrink policy
//   - Epoch-ordered record history enabling linearizable view snapshots
//   - Help-commit on read: a reader never blocks on a stalled writer
//   - Optional eject callback for displaced values
//
// # Usage Examples
//
//	mgr := reclaim.NewManager(epoch.DefaultSlots, 0)
//	t := table.New[string](mgr, 16, store.Policy{}, nil)
//
//	tok := mgr.Enter()
//	t.Put(tok, hv, "value")
//	v, ok := t.Get(tok, hv)
//	mgr.Exit(tok)
//
// # Dangers and Warnings
//
//   - **Hash Quality**: The table stores and compares full 128-bit hashes
//     and never sees keys. Callers own collision resistance; two keys with
//     equal hashes are the same key as far as the table is concerned.
//   - **Token Discipline**: Every operation takes the caller's critical
//     section token. Calling with a token that has already exited is
//     undefined behavior.
//   - **Close**: Close drains the reclamation state it owns and hands live
//     values to the eject callback. Operations after Close are undefined.
//
// # Thread Safety
//
// All operations are safe for concurrent use from any number of
// goroutines, bounded only by the reclamation manager's slot capacity.
package table

import (
	"fmt"
	"sync/atomic"

	"github.com/viega/hatrack-sub002/internal/concurrency/reclaim"
	"github.com/viega/hatrack-sub002/internal/storage/store"
)

// Hash is a precomputed 128-bit key hash. The 64-bit profile simply leaves
// Hi at zero.
type Hash struct {
	Hi, Lo uint64
}

// record is one committed value for a hash. Records are immutable after
// publication; an overwrite publishes a fresh record whose prev pointer
// preserves the epoch-ordered history needed by view snapshots.
type record[V any] struct {
	reclaim.Header
	first   atomic.Uint64 // insertion epoch, for ordered views; 0 until resolved
	val     V
	deleted bool
	prev    *record[V]
}

// resolveFirst returns the record's insertion epoch, deriving it from the
// commit epoch the first time. Any thread may resolve; the CAS keeps the
// result stable.
func (r *record[V]) resolveFirst(m *reclaim.Manager) uint64 {
	if f := r.first.Load(); f != 0 {
		return f
	}
	e := m.HelpCommit(&r.Header)
	r.first.CompareAndSwap(0, e)
	return r.first.Load()
}

// bucket pairs a claimable hash slot with the record cell. The hash pointer
// is claimed once by CAS and immutable afterwards.
type bucket[V any] struct {
	hv   atomic.Pointer[Hash]
	slot store.Slot[record[V]]
}

// tstore is one generation of the backing bucket array.
type tstore[V any] struct {
	reclaim.Header
	capacity uint64
	mask     uint64
	claimed  atomic.Int64
	next     atomic.Pointer[tstore[V]]
	buckets  []bucket[V]
}

func newStore[V any](capacity uint64) *tstore[V] {
	return &tstore[V]{
		capacity: capacity,
		mask:     capacity - 1,
		buckets:  make([]bucket[V], capacity),
	}
}

// Table is a lock-free hash table over precomputed hashes.
type Table[V any] struct {
	m       *reclaim.Manager
	policy  store.Policy
	current atomic.Pointer[tstore[V]]
	length  atomic.Int64

	migrations atomic.Uint64

	// eject receives values whose records are destroyed: displaced by
	// overwrite or remove once no reader can see them, or still live at
	// Close. May be nil.
	eject func(V)
}

// New creates a table with the given initial capacity, which must be a
// power of two no smaller than the policy floor.
func New[V any](m *reclaim.Manager, capacity uint64, p store.Policy, eject func(V)) *Table[V] {
	p = p.Normalize()
	if capacity == 0 || capacity&(capacity-1) != 0 {
		panic(fmt.Sprintf("table: capacity %d must be a power of 2", capacity))
	}
	if capacity < p.MinCapacity {
		panic(fmt.Sprintf("table: capacity %d below policy floor %d", capacity, p.MinCapacity))
	}

	t := &Table[V]{
		m:      m,
		policy: p,
		eject:  eject,
	}
	t.current.Store(newStore[V](capacity))
	return t
}

// Manager returns the reclamation manager the table operates against.
func (t *Table[V]) Manager() *reclaim.Manager {
	return t.m
}

// Len returns the number of live keys.
func (t *Table[V]) Len() int {
	return int(t.length.Load())
}

// Capacity returns the current store's bucket count.
func (t *Table[V]) Capacity() uint64 {
	return t.current.Load().capacity
}

// Migrations returns how many store migrations have completed.
func (t *Table[V]) Migrations() uint64 {
	return t.migrations.Load()
}

// find probes for the bucket holding hv. It never claims.
func (st *tstore[V]) find(hv Hash) *bucket[V] {
	idx := hv.Lo & st.mask
	for i := uint64(0); i < st.capacity; i++ {
		b := &st.buckets[(idx+i)&st.mask]
		h := b.hv.Load()
		if h == nil {
			return nil
		}
		if *h == hv {
			return b
		}
	}
	return nil
}

// claim probes for hv, claiming an empty bucket if the hash is absent. It
// reports failure when the store is saturated or pathologically full, in
// which case the caller must migrate and retry.
func (t *Table[V]) claim(st *tstore[V], hv Hash) (*bucket[V], bool) {
	sat := int64(t.policy.SaturationPoint(st.capacity))
	idx := hv.Lo & st.mask
	for i := uint64(0); i < st.capacity; i++ {
		b := &st.buckets[(idx+i)&st.mask]
		h := b.hv.Load()
		if h == nil {
			if st.claimed.Load() >= sat {
				return nil, false
			}
			cand := hv
			if b.hv.CompareAndSwap(nil, &cand) {
				st.claimed.Add(1)
				return b, true
			}
			h = b.hv.Load()
		}
		if *h == hv {
			return b, true
		}
	}
	return nil, false
}

// Get looks up the value for hv. Reads are wait-free: they help commit a
// stalled writer's record rather than waiting for it.
func (t *Table[V]) Get(tok reclaim.Token, hv Hash) (V, bool) {
	var zero V
	st := t.current.Load()
	b := st.find(hv)
	if b == nil {
		return zero, false
	}
	c := b.slot.Load()
	if c == nil || c.Rec == nil {
		return zero, false
	}
	r := c.Rec
	t.m.HelpCommit(&r.Header)
	if r.deleted {
		return zero, false
	}
	return r.val, true
}

// Put stores a value for hv, returning the previous value if one was live.
func (t *Table[V]) Put(tok reclaim.Token, hv Hash, v V) (V, bool) {
	_, old := t.mutate(tok, hv, v, false, opPut)
	if old == nil {
		var zero V
		return zero, false
	}
	return old.val, true
}

// Add stores a value only if hv is absent (or deleted). It reports whether
// the value was stored.
func (t *Table[V]) Add(tok reclaim.Token, hv Hash, v V) bool {
	r, _ := t.mutate(tok, hv, v, false, opAdd)
	return r != nil
}

// Replace stores a value only if hv is present and live, returning the
// displaced value.
func (t *Table[V]) Replace(tok reclaim.Token, hv Hash, v V) (V, bool) {
	_, old := t.mutate(tok, hv, v, false, opReplace)
	if old == nil {
		var zero V
		return zero, false
	}
	return old.val, true
}

// Remove deletes hv, returning the removed value if it was live.
func (t *Table[V]) Remove(tok reclaim.Token, hv Hash) (V, bool) {
	var zero V
	_, old := t.mutate(tok, hv, zero, true, opRemove)
	if old == nil {
		return zero, false
	}
	return old.val, true
}

type opKind uint8

const (
	opPut opKind = iota
	opAdd
	opReplace
	opRemove
)

// mutate is the single write path. It returns the published record (nil if
// the operation declined, e.g. Add on a live key) and the displaced live
// record (nil if none).
func (t *Table[V]) mutate(tok reclaim.Token, hv Hash, v V, tombstone bool, kind opKind) (*record[V], *record[V]) {
	r := &record[V]{val: v, deleted: tombstone}

	for {
		st := t.current.Load()

		var b *bucket[V]
		if kind == opReplace || kind == opRemove {
			// A miss cannot insert, so probe without claiming; claiming
			// on absent keys would burn buckets and trigger needless
			// migrations.
			if b = st.find(hv); b == nil {
				t.m.RetireUnused(nil)
				return nil, nil
			}
		} else {
			var ok bool
			if b, ok = t.claim(st, hv); !ok {
				t.migrate(tok, st)
				continue
			}
		}

		for {
			c := b.slot.Load()
			if c != nil && c.Moving {
				t.migrate(tok, st)
				break // store changed; restart from the top
			}

			var old *record[V]
			if c != nil {
				old = c.Rec
			}
			oldLive := old != nil && !old.deleted

			switch kind {
			case opAdd:
				if oldLive {
					t.m.HelpCommit(&old.Header)
					t.m.RetireUnused(nil)
					return nil, old
				}
			case opReplace, opRemove:
				if !oldLive {
					t.m.RetireUnused(nil)
					return nil, nil
				}
			}

			if oldLive {
				// Preserve the key's insertion epoch across overwrites so
				// ordered views keep a stable order. Removals drop it: a
				// later re-insert is a fresh insertion.
				if !tombstone {
					r.first.Store(old.resolveFirst(t.m))
				}
			}
			r.prev = old

			n := &store.Cell[record[V]]{Rec: r}
			if !b.slot.CompareAndSwap(c, n) {
				// Raced with another writer on this bucket; reload and
				// retry against its record.
				r.first.Store(0)
				continue
			}

			e := t.m.CommitWrite(&r.Header)
			r.first.CompareAndSwap(0, e)

			if old != nil {
				t.m.Retire(tok, &old.Header, t.cleanup(old))
			}
			if tombstone {
				t.length.Add(-1)
			} else if !oldLive {
				t.length.Add(1)
			}

			if oldLive {
				return r, old
			}
			return r, nil
		}
	}
}

// cleanup builds the deferred destructor for a retired record: hand the
// displaced value to the eject callback and unlink the history tail.
func (t *Table[V]) cleanup(r *record[V]) func() {
	return func() {
		if t.eject != nil && !r.deleted {
			t.eject(r.val)
		}
		var zero V
		r.val = zero
		r.prev = nil
	}
}

// Close hands every live value to the eject callback and drains the
// reclamation manager. It must not race with other operations.
func (t *Table[V]) Close() {
	st := t.current.Load()
	for i := range st.buckets {
		c := st.buckets[i].slot.Load()
		if c == nil || c.Rec == nil || c.Rec.deleted {
			continue
		}
		if t.eject != nil {
			t.eject(c.Rec.val)
		}
	}
	t.m.Drain()
}

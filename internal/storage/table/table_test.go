// Licensed under the MIT License. See LICENSE file in the project root for details.

package table

import (
	"fmt"
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/goleak"

	"github.com/viega/hatrack-sub002/internal/concurrency/reclaim"
	"github.com/viega/hatrack-sub002/internal/storage/store"
)

// hashOf spreads small integers into distinct 128-bit hashes.
func hashOf(i uint64) Hash {
	return Hash{
		Hi: i*0x9e3779b97f4a7c15 + 1,
		Lo: i*0xc2b2ae3d27d4eb4f + i + 1,
	}
}

func newTestTable(capacity uint64) (*reclaim.Manager, *Table[string]) {
	m := reclaim.NewManager(64, 1)
	return m, New[string](m, capacity, store.Policy{}, nil)
}

func TestTableBasicOperations(t *testing.T) {
	Convey("Given an empty table", t, func() {
		m, tbl := newTestTable(16)
		tok := m.Enter()
		defer m.Exit(tok)

		Convey("Then lookups miss", func() {
			_, ok := tbl.Get(tok, hashOf(1))
			So(ok, ShouldBeFalse)
			So(tbl.Len(), ShouldEqual, 0)
		})

		Convey("When a value is put", func() {
			old, had := tbl.Put(tok, hashOf(1), "one")

			Convey("Then there was no previous value", func() {
				So(had, ShouldBeFalse)
				So(old, ShouldEqual, "")
			})

			Convey("And it can be read back", func() {
				v, ok := tbl.Get(tok, hashOf(1))
				So(ok, ShouldBeTrue)
				So(v, ShouldEqual, "one")
				So(tbl.Len(), ShouldEqual, 1)
			})

			Convey("And overwriting returns the displaced value", func() {
				old, had := tbl.Put(tok, hashOf(1), "uno")
				So(had, ShouldBeTrue)
				So(old, ShouldEqual, "one")
				So(tbl.Len(), ShouldEqual, 1)
			})

			Convey("And removing returns it", func() {
				v, ok := tbl.Remove(tok, hashOf(1))
				So(ok, ShouldBeTrue)
				So(v, ShouldEqual, "one")
				So(tbl.Len(), ShouldEqual, 0)

				_, ok = tbl.Get(tok, hashOf(1))
				So(ok, ShouldBeFalse)
			})

			Convey("And removing it twice fails the second time", func() {
				_, ok := tbl.Remove(tok, hashOf(1))
				So(ok, ShouldBeTrue)
				_, ok = tbl.Remove(tok, hashOf(1))
				So(ok, ShouldBeFalse)
			})
		})
	})
}

func TestTableAddAndReplace(t *testing.T) {
	Convey("Given a table with one key", t, func() {
		m, tbl := newTestTable(16)
		tok := m.Enter()
		defer m.Exit(tok)

		tbl.Put(tok, hashOf(1), "one")

		Convey("Add fails on a live key", func() {
			So(tbl.Add(tok, hashOf(1), "nope"), ShouldBeFalse)
			v, _ := tbl.Get(tok, hashOf(1))
			So(v, ShouldEqual, "one")
		})

		Convey("Add succeeds on an absent key", func() {
			So(tbl.Add(tok, hashOf(2), "two"), ShouldBeTrue)
			So(tbl.Len(), ShouldEqual, 2)
		})

		Convey("Add succeeds again after a remove", func() {
			tbl.Remove(tok, hashOf(1))
			So(tbl.Add(tok, hashOf(1), "one again"), ShouldBeTrue)
			v, _ := tbl.Get(tok, hashOf(1))
			So(v, ShouldEqual, "one again")
		})

		Convey("Replace succeeds on a live key", func() {
			old, ok := tbl.Replace(tok, hashOf(1), "uno")
			So(ok, ShouldBeTrue)
			So(old, ShouldEqual, "one")
		})

		Convey("Replace fails on an absent key", func() {
			_, ok := tbl.Replace(tok, hashOf(9), "none")
			So(ok, ShouldBeFalse)
			So(tbl.Len(), ShouldEqual, 1)
		})
	})
}

func TestTableMigrationAtThreshold(t *testing.T) {
	Convey("Given a table with initial capacity 16", t, func() {
		m, tbl := newTestTable(16)
		tok := m.Enter()
		defer m.Exit(tok)

		Convey("When 12 keys are inserted", func() {
			for i := uint64(0); i < 12; i++ {
				tbl.Put(tok, hashOf(i), fmt.Sprintf("v%d", i))
			}

			Convey("Then the store has not migrated yet", func() {
				So(tbl.Capacity(), ShouldEqual, 16)
				So(tbl.Migrations(), ShouldEqual, 0)
			})

			Convey("When the 13th insert crosses the 75% threshold", func() {
				tbl.Put(tok, hashOf(12), "v12")

				Convey("Then the capacity doubled to 32", func() {
					So(tbl.Capacity(), ShouldEqual, 32)
					So(tbl.Migrations(), ShouldEqual, 1)
				})

				Convey("And all 13 keys remain retrievable", func() {
					So(tbl.Len(), ShouldEqual, 13)
					for i := uint64(0); i < 13; i++ {
						v, ok := tbl.Get(tok, hashOf(i))
						So(ok, ShouldBeTrue)
						So(v, ShouldEqual, fmt.Sprintf("v%d", i))
					}
				})
			})
		})
	})
}

func TestTableShrinkMigration(t *testing.T) {
	Convey("Given a table grown to 32 and then mostly emptied", t, func() {
		m, tbl := newTestTable(16)
		tok := m.Enter()
		defer m.Exit(tok)

		for i := uint64(0); i < 13; i++ {
			tbl.Put(tok, hashOf(i), "v")
		}
		So(tbl.Capacity(), ShouldEqual, 32)

		for i := uint64(0); i < 12; i++ {
			tbl.Remove(tok, hashOf(i))
		}

		Convey("When enough churn triggers the next migration", func() {
			// Tombstones keep their claimed buckets until migration, so
			// re-adding and removing keys saturates the claim count.
			for i := uint64(100); tbl.Migrations() < 2; i++ {
				tbl.Put(tok, hashOf(i), "churn")
				tbl.Remove(tok, hashOf(i))
			}

			Convey("Then the store shrank", func() {
				So(tbl.Capacity(), ShouldBeLessThan, 32)
			})

			Convey("And the surviving key is intact", func() {
				v, ok := tbl.Get(tok, hashOf(12))
				So(ok, ShouldBeTrue)
				So(v, ShouldEqual, "v")
			})
		})
	})
}

func TestPausedReaderSurvivesMigrationAndReclaim(t *testing.T) {
	Convey("Given a reader paused inside a critical section", t, func() {
		ejected := make(map[string]bool)
		m := reclaim.NewManager(64, 1)
		tbl := New[string](m, 16, store.Policy{}, func(v string) { ejected[v] = true })

		w := m.Enter()
		tbl.Put(w, hashOf(0), "pinned")
		m.Exit(w)

		reader := m.Enter() // begins a get, then is descheduled

		Convey("When a migration and an overwrite happen while it is paused", func() {
			w = m.Enter()
			for i := uint64(1); i < 14; i++ {
				tbl.Put(w, hashOf(i), fmt.Sprintf("v%d", i))
			}
			So(tbl.Migrations(), ShouldBeGreaterThan, 0)
			tbl.Put(w, hashOf(0), "replacement")
			m.Exit(w)

			// Churn so reclaim passes run.
			for i := 0; i < 10; i++ {
				w = m.Enter()
				tbl.Get(w, hashOf(1))
				m.Exit(w)
			}

			Convey("Then the displaced value is not freed under the reader", func() {
				So(ejected["pinned"], ShouldBeFalse)

				Convey("And the paused reader still completes safely", func() {
					v, ok := tbl.Get(reader, hashOf(0))
					So(ok, ShouldBeTrue)
					So(v, ShouldEqual, "replacement")
					m.Exit(reader)
				})
			})

			Convey("When the reader finally exits", func() {
				m.Exit(reader)
				m.Registry().LinearizeWrite()
				// Hold two tokens per pass so the shard that owns the
				// retirement reclaims no matter which slot it is on.
				for i := 0; i < 10; i++ {
					a := m.Enter()
					b := m.Enter()
					tbl.Get(a, hashOf(1))
					m.Exit(b)
					m.Exit(a)
				}

				Convey("Then the displaced value is freed", func() {
					So(ejected["pinned"], ShouldBeTrue)
				})
			})
		})
	})
}

func TestNoLostUpdatesUnderConcurrentMigration(t *testing.T) {
	defer goleak.VerifyNone(t)

	const (
		writers = 8
		perW    = 500
	)

	m := reclaim.NewManager(64, 4)
	tbl := New[uint64](m, 16, store.Policy{}, nil)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perW; i++ {
				k := uint64(w*perW + i)
				tok := m.Enter()
				tbl.Put(tok, hashOf(k), k)
				m.Exit(tok)
			}
		}(w)
	}
	wg.Wait()

	const total = writers * perW
	if got := tbl.Len(); got != total {
		t.Fatalf("len = %d after concurrent inserts, want %d", got, total)
	}
	if tbl.Migrations() == 0 {
		t.Fatal("expected at least one migration")
	}

	tok := m.Enter()
	defer m.Exit(tok)
	for k := uint64(0); k < total; k++ {
		v, ok := tbl.Get(tok, hashOf(k))
		if !ok || v != k {
			t.Fatalf("key %d: got (%d, %v), want (%d, true)", k, v, ok, k)
		}
	}
	if got := len(tbl.View(tok, false)); got != total {
		t.Fatalf("view has %d items, want %d", got, total)
	}
}

func TestViewSnapshots(t *testing.T) {
	Convey("Given a table with a few keys", t, func() {
		m, tbl := newTestTable(16)
		tok := m.Enter()
		defer m.Exit(tok)

		tbl.Put(tok, hashOf(3), "c")
		tbl.Put(tok, hashOf(1), "a")
		tbl.Put(tok, hashOf(2), "b")

		Convey("A sorted view returns insertion order", func() {
			v := tbl.View(tok, true)
			So(len(v), ShouldEqual, 3)
			So(v[0].Val, ShouldEqual, "c")
			So(v[1].Val, ShouldEqual, "a")
			So(v[2].Val, ShouldEqual, "b")
		})

		Convey("Overwrites keep the original insertion order", func() {
			tbl.Put(tok, hashOf(3), "c2")
			v := tbl.View(tok, true)
			So(v[0].Val, ShouldEqual, "c2")
			So(v[1].Val, ShouldEqual, "a")
		})

		Convey("Remove and re-insert moves the key to the end", func() {
			tbl.Remove(tok, hashOf(3))
			tbl.Put(tok, hashOf(3), "c3")
			v := tbl.View(tok, true)
			So(len(v), ShouldEqual, 3)
			So(v[0].Val, ShouldEqual, "a")
			So(v[1].Val, ShouldEqual, "b")
			So(v[2].Val, ShouldEqual, "c3")
		})

		Convey("Two views with no intervening writes are identical", func() {
			v1 := tbl.View(tok, true)
			v2 := tbl.View(tok, true)
			So(v2, ShouldResemble, v1)
		})

		Convey("Views survive a migration intact", func() {
			for i := uint64(10); i < 24; i++ {
				tbl.Put(tok, hashOf(i), "x")
			}
			So(tbl.Migrations(), ShouldBeGreaterThan, 0)
			v := tbl.View(tok, true)
			So(len(v), ShouldEqual, 17)
			So(v[0].Val, ShouldEqual, "c")
			So(v[1].Val, ShouldEqual, "a")
			So(v[2].Val, ShouldEqual, "b")
		})
	})
}

func TestAbsentKeyMissesClaimNoBuckets(t *testing.T) {
	Convey("Given a small table with one key", t, func() {
		m, tbl := newTestTable(16)
		tok := m.Enter()
		defer m.Exit(tok)
		tbl.Put(tok, hashOf(0), "v")

		Convey("When absent keys are removed and replaced repeatedly", func() {
			for i := uint64(1); i <= 40; i++ {
				_, removed := tbl.Remove(tok, hashOf(i))
				So(removed, ShouldBeFalse)
				_, replaced := tbl.Replace(tok, hashOf(i), "x")
				So(replaced, ShouldBeFalse)
			}

			Convey("Then the misses consumed no capacity", func() {
				So(tbl.Migrations(), ShouldEqual, 0)
				So(tbl.Capacity(), ShouldEqual, 16)
				So(tbl.Len(), ShouldEqual, 1)
				v, ok := tbl.Get(tok, hashOf(0))
				So(ok, ShouldBeTrue)
				So(v, ShouldEqual, "v")
			})
		})
	})
}

func TestTableEjectOnClose(t *testing.T) {
	Convey("Given a table with an eject callback", t, func() {
		ejected := map[string]bool{}
		m := reclaim.NewManager(16, 1)
		tbl := New[string](m, 16, store.Policy{}, func(v string) { ejected[v] = true })

		tok := m.Enter()
		tbl.Put(tok, hashOf(1), "a")
		tbl.Put(tok, hashOf(2), "b")
		tbl.Remove(tok, hashOf(2))
		m.Exit(tok)

		Convey("When the table closes", func() {
			tbl.Close()

			Convey("Then live and displaced values were all handed over", func() {
				So(ejected["a"], ShouldBeTrue)
				So(ejected["b"], ShouldBeTrue)
			})
		})
	})
}

func TestTableInvalidCapacityPanics(t *testing.T) {
	Convey("Given invalid capacities", t, func() {
		m := reclaim.NewManager(4, 0)
		So(func() { New[int](m, 0, store.Policy{}, nil) }, ShouldPanic)
		So(func() { New[int](m, 12, store.Policy{}, nil) }, ShouldPanic)
		So(func() { New[int](m, 4, store.Policy{}, nil) }, ShouldPanic)
	})
}

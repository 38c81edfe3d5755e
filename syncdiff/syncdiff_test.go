package syncdiff

import (
	"math/rand"
	"reflect"
	"slices"
	"testing"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got %#v, expected %#v", got, exp)
	}
}

func TestDiff(t *testing.T) {
	local := []Stub{{ID: 1, UID: 10}}
	e := New(Remote{All: []uint32{10, 20, 30}, Unseen: []uint32{30}})
	r, err := e.Diff(local, false)
	tcheck(t, err, "diff")
	tcompare(t, r.New, []uint32{20, 30})
	tcompare(t, r.Deleted, []int64(nil))
	tcompare(t, r.Modified, []FlagChange{{local[0], Flags{Seen: true}}})

	_, err = e.Diff(nil, false)
	if err == nil {
		t.Fatalf("expected error for diff after last batch")
	}
}

func TestDiffBatches(t *testing.T) {
	remote := Remote{
		All:      []uint32{1, 2, 4, 5, 7, 9, 11},
		Deleted:  []uint32{5, 11},
		Unseen:   []uint32{1, 2, 4, 5, 7, 9, 11},
		Answered: []uint32{4},
		Flagged:  []uint32{9},
	}
	e := New(remote)

	r, err := e.Diff([]Stub{{1, 2, Flags{}}, {2, 3, Flags{}}, {3, 4, Flags{}}}, true)
	tcheck(t, err, "diff")
	tcompare(t, r, Result{
		New:      []uint32{1},
		Deleted:  []int64{2},
		Modified: []FlagChange{{Stub{3, 4, Flags{}}, Flags{Answered: true}}},
	})

	r, err = e.Diff([]Stub{{4, 5, Flags{}}, {5, 8, Flags{}}}, true)
	tcheck(t, err, "diff")
	tcompare(t, r, Result{New: []uint32{7}, Deleted: []int64{4, 5}})

	r, err = e.Diff([]Stub{{6, 9, Flags{Flagged: true}}}, false)
	tcheck(t, err, "diff")
	tcompare(t, r.IsZero(), true)

	_, err = New(remote).Diff([]Stub{{1, 5, Flags{}}, {2, 4, Flags{}}}, false)
	if err == nil {
		t.Fatalf("expected error for unsorted local uids")
	}
}

func TestCursor(t *testing.T) {
	c := NewCursor([]uint32{2, 4, 6})
	tcompare(t, c.Find(1), false)
	tcompare(t, c.Find(2), true)
	tcompare(t, c.Find(2), true)
	tcompare(t, c.Find(5), false)
	tcompare(t, c.Find(6), true)
	tcompare(t, c.Find(7), false)
	tcompare(t, NewCursor(nil).Find(1), false)
}

// Random local and remote lists, checking that the results partition the
// messages as expected.
func TestDiffRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for iter := 0; iter < 200; iter++ {
		var local []Stub
		var remote Remote
		localUIDs := map[uint32]int64{}
		remoteSet := map[uint32]bool{}
		deletedSet := map[uint32]bool{}
		for uid := uint32(1); uid < 100; uid++ {
			if rng.Intn(2) == 0 {
				id := int64(len(local) + 1)
				local = append(local, Stub{id, uid, Flags{Seen: rng.Intn(2) == 0}})
				localUIDs[uid] = id
			}
			if rng.Intn(2) == 0 {
				remote.All = append(remote.All, uid)
				remoteSet[uid] = true
				if rng.Intn(5) == 0 {
					remote.Deleted = append(remote.Deleted, uid)
					deletedSet[uid] = true
				}
				if rng.Intn(2) == 0 {
					remote.Unseen = append(remote.Unseen, uid)
				}
			}
		}

		e := New(remote)
		var all Result
		batch := 1 + rng.Intn(10)
		for i := 0; i < len(local) || i == 0; i += batch {
			end := min(i+batch, len(local))
			more := end < len(local)
			r, err := e.Diff(local[i:end], more)
			tcheck(t, err, "diff")
			all.New = append(all.New, r.New...)
			all.Deleted = append(all.Deleted, r.Deleted...)
			all.Modified = append(all.Modified, r.Modified...)
			if !more {
				break
			}
		}

		var expNew []uint32
		for _, uid := range remote.All {
			if _, ok := localUIDs[uid]; !ok && !deletedSet[uid] {
				expNew = append(expNew, uid)
			}
		}
		var expDeleted []int64
		for _, s := range local {
			if !remoteSet[s.UID] || deletedSet[s.UID] {
				expDeleted = append(expDeleted, s.ID)
			}
		}
		tcompare(t, all.New, expNew)
		tcompare(t, all.Deleted, expDeleted)
		for _, fc := range all.Modified {
			if slices.Contains(all.Deleted, fc.Stub.ID) {
				t.Fatalf("message %d both deleted and modified", fc.Stub.ID)
			}
			if fc.Flags.Seen == slices.Contains(remote.Unseen, fc.Stub.UID) {
				t.Fatalf("bad seen flag for uid %d", fc.Stub.UID)
			}
		}
	}
}

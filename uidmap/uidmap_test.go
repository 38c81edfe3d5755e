package uidmap

import (
	"reflect"
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
		t.Fatalf("got %v, expected %v", got, exp)
	}
}

func TestMap(t *testing.T) {
	m, err := New([]uint32{100, 101, 102}, 3, 0)
	tcheck(t, err, "new")
	tcompare(t, m.UID(1), uint32(100))
	tcompare(t, m.UID(3), uint32(102))
	tcompare(t, m.UID(4), uint32(0))
	tcompare(t, m.UID(0), uint32(0))
	tcompare(t, m.Seq(101), uint32(2))
	tcompare(t, m.Seq(999), uint32(0))

	// New message arrives, uid learned later.
	tcompare(t, m.Exists(4), uint32(1))
	tcompare(t, m.UID(4), uint32(0))
	tcompare(t, m.Missing(), []uint32{4})
	tcheck(t, m.SetMsgUID(4, 110), "set uid")
	tcompare(t, m.UID(4), uint32(110))
	tcompare(t, m.Missing(), []uint32(nil))

	// Expunge of 2 shifts later messages.
	tcheck(t, m.Remove(2), "remove")
	tcompare(t, m.Count(), uint32(3))
	tcompare(t, m.UIDs(), []uint32{100, 102, 110})
	tcompare(t, m.UID(2), uint32(102))
	tcompare(t, m.UID(3), uint32(110))
	tcompare(t, m.UID(4), uint32(0))

	if err := m.SetMsgUID(5, 1); err == nil {
		t.Fatalf("expected error for seq beyond count")
	}
	if err := m.Remove(0); err == nil {
		t.Fatalf("expected error for expunge of seq 0")
	}
}

func TestWindow(t *testing.T) {
	// Mailbox with 10 messages, we only know the last 3.
	m, err := New([]uint32{50, 60, 70}, 10, 0)
	tcheck(t, err, "new")
	tcompare(t, m.FirstSeq(), uint32(8))
	tcompare(t, m.UID(7), uint32(0))
	tcompare(t, m.UID(8), uint32(50))

	// Expunge before the window moves it down.
	tcheck(t, m.Remove(2), "remove")
	tcompare(t, m.FirstSeq(), uint32(7))
	tcompare(t, m.UID(7), uint32(50))
	tcompare(t, m.UID(9), uint32(70))

	// Setting before the window grows it with unknown entries.
	tcheck(t, m.SetMsgUID(5, 30), "set uid")
	tcompare(t, m.FirstSeq(), uint32(5))
	tcompare(t, m.Missing(), []uint32{6})
	tcompare(t, m.UID(5), uint32(30))
	tcompare(t, m.UID(7), uint32(50))

	tcompare(t, m.ShrinkToSize(2), 3)
	tcompare(t, m.FirstSeq(), uint32(8))
	tcompare(t, m.UIDs(), []uint32{60, 70})
	tcompare(t, m.UID(7), uint32(0))

	if _, err := New([]uint32{1, 2}, 1, 0); err == nil {
		t.Fatalf("expected error for more uids than messages")
	}
}

func TestMax(t *testing.T) {
	m, err := New([]uint32{1, 2, 3, 4, 5}, 5, 3)
	tcheck(t, err, "new")
	tcompare(t, m.Len(), 3)
	tcompare(t, m.UID(2), uint32(0))
	tcompare(t, m.UID(3), uint32(3))

	m.Exists(6)
	tcheck(t, m.SetMsgUID(6, 9), "set uid")
	tcompare(t, m.Len(), 3)
	tcompare(t, m.UIDs(), []uint32{4, 5, 9})

	// Remove all.
	for m.Count() > 0 {
		tcheck(t, m.Remove(m.Count()), "remove")
	}
	tcompare(t, m.Len(), 0)
	m.Exists(1)
	tcompare(t, m.Missing(), []uint32{1})
}

func TestInvariant(t *testing.T) {
	m, err := New(nil, 20, 0)
	tcheck(t, err, "new")
	for seq := uint32(20); seq >= 1; seq-- {
		tcheck(t, m.SetMsgUID(seq, seq*10), "set uid")
	}
	for seq := uint32(1); seq <= 20; seq++ {
		tcompare(t, m.UID(seq), seq*10)
	}
	tcheck(t, m.Remove(20), "remove")
	tcompare(t, m.UID(20), uint32(0))
}

package alarm

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mjl-/mailsync/mlog"
)

var ctxbg = context.Background()
var pkglog = mlog.New("alarm", nil)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if got != exp {
		t.Fatalf("got %v, expected %v", got, exp)
	}
}

func waitFired(t *testing.T, c chan Registration) Registration {
	t.Helper()
	select {
	case reg := <-c:
		return reg
	case <-time.After(5 * time.Second):
		t.Fatalf("registration did not fire")
	}
	panic("not reached")
}

func expectNone(t *testing.T, c chan Registration) {
	t.Helper()
	select {
	case reg := <-c:
		t.Fatalf("unexpected fire of %q", reg.Name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTimer(t *testing.T) {
	r := New(pkglog)
	defer r.Close()

	fired := make(chan Registration, 10)
	r.Handle("wake", func(reg Registration) {
		fired <- reg
	})

	err := r.Set(ctxbg, Registration{Name: "x", Handler: "bogus", At: time.Now()})
	if !errors.Is(err, ErrNoHandler) {
		t.Fatalf("got %v, expected ErrNoHandler", err)
	}

	// Replaced before firing, only the second fires.
	err = r.Set(ctxbg, Registration{Name: "a/idle", Handler: "wake", Payload: "first", At: time.Now().Add(time.Hour)})
	tcheck(t, err, "set")
	err = r.Set(ctxbg, Registration{Name: "a/idle", Handler: "wake", Payload: "second", At: time.Now().Add(10 * time.Millisecond)})
	tcheck(t, err, "set")
	reg := waitFired(t, fired)
	tcompare(t, reg.Payload, "second")
	_, ok := r.Get("a/idle")
	tcompare(t, ok, false)
	expectNone(t, fired)

	// Cancel.
	err = r.Set(ctxbg, Registration{Name: "a/retry", Handler: "wake", At: time.Now().Add(20 * time.Millisecond)})
	tcheck(t, err, "set")
	ok, err = r.Cancel(ctxbg, "a/retry")
	tcheck(t, err, "cancel")
	tcompare(t, ok, true)
	ok, err = r.Cancel(ctxbg, "a/retry")
	tcheck(t, err, "cancel")
	tcompare(t, ok, false)
	expectNone(t, fired)

	// In the past fires immediately.
	err = r.Set(ctxbg, Registration{Name: "a/sync", Handler: "wake", At: time.Now().Add(-time.Minute)})
	tcheck(t, err, "set")
	reg = waitFired(t, fired)
	tcompare(t, reg.Name, "a/sync")
}

func TestChanged(t *testing.T) {
	r := New(pkglog)
	defer r.Close()

	fired := make(chan Registration, 10)
	r.Handle("push", func(reg Registration) {
		fired <- reg
	})

	err := r.Set(ctxbg, Registration{Name: "a/push", Handler: "push", Account: "a", FolderID: 2, AfterRevision: 10})
	tcheck(t, err, "set")

	r.Changed("b", 2, 11)
	r.Changed("a", 3, 11)
	r.Changed("a", 2, 10)
	expectNone(t, fired)

	r.Changed("a", 2, 11)
	reg := waitFired(t, fired)
	tcompare(t, reg.Name, "a/push")

	// Fired registrations are gone.
	r.Changed("a", 2, 12)
	expectNone(t, fired)
}

func TestPersistent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alarms.db")

	r, err := Open(ctxbg, pkglog, path)
	tcheck(t, err, "open")
	r.Handle("wake", func(reg Registration) {})
	err = r.Set(ctxbg, Registration{Name: "a/retry", Handler: "wake", At: time.Now().Add(time.Hour), Persistent: true})
	tcheck(t, err, "set")
	err = r.Set(ctxbg, Registration{Name: "a/memory", Handler: "wake", At: time.Now().Add(time.Hour)})
	tcheck(t, err, "set")
	err = r.Set(ctxbg, Registration{Name: "b/sync", Handler: "wake", At: time.Now().Add(500 * time.Millisecond), Persistent: true})
	tcheck(t, err, "set")
	err = r.Close()
	tcheck(t, err, "close")

	r, err = Open(ctxbg, pkglog, path)
	tcheck(t, err, "open")
	defer r.Close()

	fired := make(chan Registration, 10)
	r.Handle("wake", func(reg Registration) {
		fired <- reg
	})

	_, ok := r.Get("a/memory")
	tcompare(t, ok, false)

	l := r.Adopt("a/")
	tcompare(t, len(l), 1)
	tcompare(t, l[0].Name, "a/retry")
	expectNone(t, fired)

	// b/sync becomes due shortly.
	n := r.Restore()
	tcompare(t, n, 1)
	reg := waitFired(t, fired)
	tcompare(t, reg.Name, "b/sync")

	ok, err = r.Cancel(ctxbg, "a/retry")
	tcheck(t, err, "cancel")
	tcompare(t, ok, true)
}

package syncsession

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/mjl-/mailsync/cmdq"
	"github.com/mjl-/mailsync/mlog"
	"github.com/mjl-/mailsync/store"
	"github.com/mjl-/mailsync/syncdiff"
)

var ctxbg = context.Background()
var pkglog = mlog.New("syncsession", nil)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", got, exp)
	}
}

type testCmd string

func (c testCmd) Name() string            { return string(c) }
func (c testCmd) Priority() cmdq.Priority { return cmdq.PriorityNormal }
func (c testCmd) Identity() string        { return "" }

func TestSession(t *testing.T) {
	db, err := store.Open(ctxbg, pkglog, t.TempDir(), "test")
	tcheck(t, err, "open store")
	defer db.Close()
	_, _, err = db.FolderMerge(ctxbg, []store.Folder{{Name: "INBOX"}})
	tcheck(t, err, "merge")
	inbox, err := db.FolderByName(ctxbg, "INBOX")
	tcheck(t, err, "folder")

	var started, ended int
	var cleared []string
	var endErr error
	hooks := Hooks{
		Started: func(f store.Folder) { started++ },
		Clear:   func(names []string) { cleared = append(cleared, names...) },
		Ended: func(f store.Folder, err error) {
			ended++
			endErr = err
		},
	}
	s := New(pkglog, db, inbox.ID, hooks)
	q := cmdq.New()

	_, err = s.End(ctxbg)
	if !errors.Is(err, ErrNotActive) {
		t.Fatalf("got %v, expected ErrNotActive", err)
	}

	// Command held until active.
	var cmdErr error
	cmdDone := false
	released := s.Add(q, testCmd("sync"), func(err error) {
		cmdDone = true
		cmdErr = err
	})
	tcompare(t, released, false)
	tcompare(t, s.Pending(), true)

	err = s.Start(ctxbg)
	tcheck(t, err, "start")
	tcompare(t, s.Phase(), PhaseAdopting)
	tcompare(t, started, 1)
	tcompare(t, s.LastSyncRevision(), int64(0))
	err = s.Start(ctxbg)
	if err == nil {
		t.Fatalf("second start succeeded")
	}

	n, err := s.Activate(q)
	tcheck(t, err, "activate")
	tcompare(t, n, 1)
	tcompare(t, s.Phase(), PhaseActive)
	q.Activate()

	cmd := q.Next()
	tcompare(t, cmd, cmdq.Command(testCmd("sync")))

	// The command stores two messages, and a local change is made in between.
	results, err := db.EmailsCreate(ctxbg, inbox.ID, []store.Email{{UID: 1, Date: time.Now()}})
	tcheck(t, err, "create")
	s.Wrote(results...)
	edit, err := db.EmailSetFlagsLocal(ctxbg, results[0].ID, syncdiff.Flags{Seen: true})
	tcheck(t, err, "local edit")
	results, err = db.EmailsCreate(ctxbg, inbox.ID, []store.Email{{UID: 2, Date: time.Now()}})
	tcheck(t, err, "create")
	s.Wrote(results...)
	s.Register("test/idle")

	_, err = q.Done(cmd, nil)
	tcheck(t, err, "done")
	tcompare(t, cmdDone, true)
	tcompare(t, cmdErr, nil)
	tcompare(t, s.Pending(), false)

	restart, err := s.End(ctxbg)
	tcheck(t, err, "end")
	tcompare(t, restart, true)
	tcompare(t, ended, 1)
	tcompare(t, endErr, nil)
	tcompare(t, cleared, []string{"test/idle"})
	tcompare(t, s.Phase(), PhaseNone)

	inbox, err = db.FolderByID(ctxbg, inbox.ID)
	tcheck(t, err, "folder")
	tcompare(t, inbox.LastSyncRevision, edit.Revision-1)
	tcompare(t, inbox.LastSync.IsZero(), false)

	// Ending again is an error, and does not call hooks.
	_, err = s.End(ctxbg)
	if !errors.Is(err, ErrNotActive) {
		t.Fatalf("got %v, expected ErrNotActive", err)
	}
	tcompare(t, ended, 1)

	// Next session examines the local change.
	err = s.Start(ctxbg)
	tcheck(t, err, "start")
	tcompare(t, s.LastSyncRevision(), edit.Revision-1)
	_, err = s.Activate(q)
	tcheck(t, err, "activate")
	rev, err := db.Revision(ctxbg)
	tcheck(t, err, "revision")
	for r := edit.Revision; r <= rev; r++ {
		s.Examined(r)
	}
	s.RequestRevision(rev)
	restart, err = s.End(ctxbg)
	tcheck(t, err, "end")
	tcompare(t, restart, false)
	inbox, err = db.FolderByID(ctxbg, inbox.ID)
	tcheck(t, err, "folder")
	tcompare(t, inbox.LastSyncRevision, rev)

	// Command added while ending causes restart, failing command error is passed.
	err = s.Start(ctxbg)
	tcheck(t, err, "start")
	_, err = s.Activate(q)
	tcheck(t, err, "activate")
	s.Add(q, testCmd("fail"), nil)
	cmd = q.Next()
	_, err = q.Done(cmd, errors.New("boom"))
	tcheck(t, err, "done")
	s.phase = PhaseEnding
	s.Add(q, testCmd("later"), nil)
	s.phase = PhaseActive
	restart, err = s.End(ctxbg)
	tcheck(t, err, "end")
	tcompare(t, restart, true)
	if endErr == nil || endErr.Error() != "boom" {
		t.Fatalf("got end error %v, expected boom", endErr)
	}
	tcompare(t, s.Pending(), true)
}

func TestSessionUnknownFolder(t *testing.T) {
	db, err := store.Open(ctxbg, pkglog, t.TempDir(), "test")
	tcheck(t, err, "open store")
	defer db.Close()

	var ended int
	s := New(pkglog, db, 999, Hooks{Ended: func(f store.Folder, err error) { ended++ }})
	q := cmdq.New()

	var cmdErr error
	s.Add(q, testCmd("sync"), func(err error) { cmdErr = err })
	err = s.Start(ctxbg)
	if !errors.Is(err, store.ErrUnknownFolder) {
		t.Fatalf("got %v, expected ErrUnknownFolder", err)
	}
	restart, err := s.End(ctxbg)
	tcheck(t, err, "end")
	tcompare(t, restart, false)
	tcompare(t, ended, 0)
	tcompare(t, s.Phase(), PhaseNone)
	if !errors.Is(cmdErr, cmdq.ErrCanceled) {
		t.Fatalf("got %v, expected ErrCanceled", cmdErr)
	}
	tcompare(t, s.Pending(), false)
}

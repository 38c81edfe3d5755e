package store

import (
	"context"
	"errors"
	"io"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/mailsync/mlog"
	"github.com/mjl-/mailsync/moxio"
	"github.com/mjl-/mailsync/syncdiff"
)

var ctxbg = context.Background()
var pkglog = mlog.New("store", nil)

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

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(ctxbg, pkglog, t.TempDir(), "test")
	tcheck(t, err, "open")
	t.Cleanup(func() {
		err := db.Close()
		tcheck(t, err, "close")
	})
	return db
}

func TestFolders(t *testing.T) {
	db := openTest(t)

	var changes []Change
	db.Subscribe(func(c Change) {
		changes = append(changes, c)
	})

	added, removed, err := db.FolderMerge(ctxbg, []Folder{
		{Name: "INBOX", Delimiter: "/"},
		{Name: "Archive", Delimiter: "/", Attributes: []string{`\HasNoChildren`}},
		{Name: "INBOX", Delimiter: "/"},
	})
	tcheck(t, err, "merge")
	tcompare(t, len(added), 2)
	tcompare(t, len(removed), 0)

	l, err := db.Folders(ctxbg)
	tcheck(t, err, "folders")
	tcompare(t, len(l), 2)
	tcompare(t, l[0].Name, "Archive")
	tcompare(t, l[1].Name, "INBOX")

	inbox, err := db.FolderByName(ctxbg, "INBOX")
	tcheck(t, err, "folder by name")
	_, err = db.EmailsCreate(ctxbg, inbox.ID, []Email{{UID: 1, Date: time.Now()}})
	tcheck(t, err, "create email")

	_, err = db.FolderByName(ctxbg, "Bogus")
	if !errors.Is(err, ErrUnknownFolder) {
		t.Fatalf("got %v, expected ErrUnknownFolder", err)
	}

	// Attributes change, INBOX gone.
	added, removed, err = db.FolderMerge(ctxbg, []Folder{
		{Name: "Archive", Delimiter: "/", Attributes: []string{`\Noselect`}},
	})
	tcheck(t, err, "merge")
	tcompare(t, len(added), 0)
	tcompare(t, len(removed), 1)
	tcompare(t, removed[0].Name, "INBOX")

	archive, err := db.FolderByName(ctxbg, "Archive")
	tcheck(t, err, "folder by name")
	tcompare(t, archive.Selectable(), false)

	n, err := db.EmailCount(ctxbg, inbox.ID)
	tcheck(t, err, "count")
	tcompare(t, n, 0)

	tcompare(t, len(changes), 2)
	tcompare(t, changes[1].FolderID, inbox.ID)

	archive.UIDValidity = 123
	archive.UIDNext = 10
	err = db.FolderUpdate(ctxbg, archive)
	tcheck(t, err, "update folder")
	xarchive, err := db.FolderByID(ctxbg, archive.ID)
	tcheck(t, err, "folder by id")
	tcompare(t, xarchive.UIDValidity, uint32(123))
	tcompare(t, xarchive.UIDNext, uint32(10))

	err = db.FolderRemove(ctxbg, archive.ID)
	tcheck(t, err, "remove folder")
	err = db.FolderRemove(ctxbg, archive.ID)
	if !errors.Is(err, ErrUnknownFolder) {
		t.Fatalf("got %v, expected ErrUnknownFolder", err)
	}
}

func TestEmails(t *testing.T) {
	db := openTest(t)

	_, _, err := db.FolderMerge(ctxbg, []Folder{{Name: "INBOX"}})
	tcheck(t, err, "merge")
	f, err := db.FolderByName(ctxbg, "INBOX")
	tcheck(t, err, "folder")

	rev0, err := db.Revision(ctxbg)
	tcheck(t, err, "revision")
	tcompare(t, rev0, int64(0))

	now := time.Now()
	old := now.Add(-30 * 24 * time.Hour)
	results, err := db.EmailsCreate(ctxbg, f.ID, []Email{
		{UID: 1, Date: old, Subject: "old"},
		{UID: 2, Date: now, Seen: true},
		{UID: 3, Date: now},
		{UID: 4, Date: now, Flagged: true},
	})
	tcheck(t, err, "create")
	tcompare(t, len(results), 4)
	for i, r := range results {
		tcompare(t, r.Revision, int64(i+1))
	}
	rev, err := db.Revision(ctxbg)
	tcheck(t, err, "revision")
	tcompare(t, rev, int64(4))

	// Recreating with the same UID replaces.
	xresults, err := db.EmailsCreate(ctxbg, f.ID, []Email{{UID: 1, Date: old, Subject: "replaced"}})
	tcheck(t, err, "create")
	tcompare(t, xresults[0].ID, results[0].ID)
	e, err := db.EmailByID(ctxbg, results[0].ID)
	tcheck(t, err, "get")
	tcompare(t, e.Subject, "replaced")

	// Paging.
	stubs, more, err := db.Stubs(ctxbg, f.ID, time.Time{}, 0, 2)
	tcheck(t, err, "stubs")
	tcompare(t, more, true)
	tcompare(t, stubs, []syncdiff.Stub{
		{ID: results[0].ID, UID: 1},
		{ID: results[1].ID, UID: 2, Flags: syncdiff.Flags{Seen: true}},
	})
	stubs, more, err = db.Stubs(ctxbg, f.ID, time.Time{}, 2, 2)
	tcheck(t, err, "stubs")
	tcompare(t, more, false)
	tcompare(t, len(stubs), 2)
	tcompare(t, stubs[1].Flags, syncdiff.Flags{Flagged: true})

	// Window.
	stubs, _, err = db.Stubs(ctxbg, f.ID, now.Add(-time.Hour), 0, 0)
	tcheck(t, err, "stubs")
	tcompare(t, len(stubs), 3)
	tcompare(t, stubs[0].UID, uint32(2))

	// Local edit, server flags do not override.
	wr, err := db.EmailSetFlagsLocal(ctxbg, results[2].ID, syncdiff.Flags{Answered: true})
	tcheck(t, err, "set flags local")
	_, err = db.EmailsSetFlags(ctxbg, []syncdiff.FlagChange{
		{Stub: syncdiff.Stub{ID: results[2].ID, UID: 3}, Flags: syncdiff.Flags{Seen: true}},
		{Stub: syncdiff.Stub{ID: results[3].ID, UID: 4}, Flags: syncdiff.Flags{Seen: true}},
	})
	tcheck(t, err, "set flags")
	e, err = db.EmailByID(ctxbg, results[2].ID)
	tcheck(t, err, "get")
	tcompare(t, e.Flags(), syncdiff.Flags{Answered: true})
	tcompare(t, e.Revision, wr.Revision)
	e, err = db.EmailByID(ctxbg, results[3].ID)
	tcheck(t, err, "get")
	tcompare(t, e.Flags(), syncdiff.Flags{Seen: true})

	edits, err := db.LocalEdits(ctxbg, f.ID)
	tcheck(t, err, "local edits")
	tcompare(t, len(edits), 1)
	tcompare(t, edits[0].UID, uint32(3))

	changed, err := db.ChangedSince(ctxbg, f.ID, wr.Revision-1)
	tcheck(t, err, "changed since")
	tcompare(t, len(changed), 2)

	// Another local edit after reading keeps the mark.
	_, err = db.EmailSetFlagsLocal(ctxbg, results[2].ID, syncdiff.Flags{Answered: true, Seen: true})
	tcheck(t, err, "set flags local")
	cleared, err := db.ClearLocalEdits(ctxbg, edits)
	tcheck(t, err, "clear local edits")
	tcompare(t, len(cleared), 0)
	edits, err = db.LocalEdits(ctxbg, f.ID)
	tcheck(t, err, "local edits")
	cleared, err = db.ClearLocalEdits(ctxbg, edits)
	tcheck(t, err, "clear local edits")
	tcompare(t, len(cleared), 1)
	edits, err = db.LocalEdits(ctxbg, f.ID)
	tcheck(t, err, "local edits")
	tcompare(t, len(edits), 0)

	_, err = db.EmailSetFlagsLocal(ctxbg, 999, syncdiff.Flags{})
	if !errors.Is(err, ErrUnknownEmail) {
		t.Fatalf("got %v, expected ErrUnknownEmail", err)
	}

	// Evict the oldest.
	_, n, err := db.EvictOldest(ctxbg, f.ID, 3)
	tcheck(t, err, "evict")
	tcompare(t, n, 1)
	_, err = db.EmailByID(ctxbg, results[0].ID)
	if !errors.Is(err, ErrUnknownEmail) {
		t.Fatalf("got %v, expected ErrUnknownEmail", err)
	}

	_, n, err = db.EmailsDelete(ctxbg, []int64{results[1].ID, 999})
	tcheck(t, err, "delete")
	tcompare(t, n, 1)

	xrev, err := db.FolderReset(ctxbg, f.ID, 2)
	tcheck(t, err, "reset")
	n, err = db.EmailCount(ctxbg, f.ID)
	tcheck(t, err, "count")
	tcompare(t, n, 0)
	f, err = db.FolderByID(ctxbg, f.ID)
	tcheck(t, err, "folder")
	tcompare(t, f.UIDValidity, uint32(2))
	rev, err = db.Revision(ctxbg)
	tcheck(t, err, "revision")
	tcompare(t, rev, xrev)

	_, err = db.EmailsCreate(ctxbg, 999, []Email{{UID: 1}})
	if !errors.Is(err, ErrUnknownFolder) {
		t.Fatalf("got %v, expected ErrUnknownFolder", err)
	}
}

func TestStatus(t *testing.T) {
	db := openTest(t)

	st, err := db.Status(ctxbg)
	tcheck(t, err, "status")
	tcompare(t, st, Status{ID: 1})

	err = db.SetError(ctxbg, "auth", "bad password")
	tcheck(t, err, "set error")
	now := time.Now()
	err = db.MarkLogin(ctxbg, now)
	tcheck(t, err, "mark login")
	st, err = db.Status(ctxbg)
	tcheck(t, err, "status")
	tcompare(t, st.ErrorKind, "auth")
	tcompare(t, st.ErrorText, "bad password")
	tcompare(t, st.LastLogin.Equal(now), true)

	err = db.ClearError(ctxbg)
	tcheck(t, err, "clear error")
	st, err = db.Status(ctxbg)
	tcheck(t, err, "status")
	tcompare(t, st.ErrorKind, "")
	tcompare(t, st.ErrorTime.IsZero(), true)
}

func TestPart(t *testing.T) {
	db := openTest(t)

	tcompare(t, db.HasPart(1, 2, "1.2"), false)
	pf, err := db.CreatePart(1, 2, "1.2", 0)
	tcheck(t, err, "create part")
	_, err = io.Copy(pf, strings.NewReader("hello"))
	tcheck(t, err, "write part")
	err = pf.Commit()
	tcheck(t, err, "commit")
	tcompare(t, db.HasPart(1, 2, "1.2"), true)
	buf, err := os.ReadFile(db.PartPath(1, 2, "1.2"))
	tcheck(t, err, "read part")
	tcompare(t, string(buf), "hello")

	pf, err = db.CreatePart(1, 3, "", 3)
	tcheck(t, err, "create part")
	_, err = pf.Write([]byte("toolong"))
	if !errors.Is(err, moxio.ErrLimit) {
		t.Fatalf("got %v, expected ErrLimit", err)
	}
	pf.Abort()
	tcompare(t, db.HasPart(1, 3, ""), false)

	if !strings.HasSuffix(db.PartPath(1, 3, "../x"), "3..._x") {
		t.Fatalf("unexpected part path %q", db.PartPath(1, 3, "../x"))
	}
}

package session

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/mjl-/mailsync/store"
)

func TestFetchPart(t *testing.T) {
	env := newTestEnv(t, testAccount())
	added, _, err := env.db.FolderMerge(ctxbg, []store.Folder{{Name: "INBOX"}})
	tcheck(t, err, "add inbox")
	inbox := added[0]

	partial := make(chan struct{})
	env.addScript(func(s *testServer) {
		s.login()
		s.expect("~A3 SELECT INBOX")
		s.writelines("* 1 EXISTS", "* OK [UIDVALIDITY 1] x", "~A3 OK [READ-WRITE] done")
		// Both requests for the part result in a single fetch.
		s.expect("~A4 UID FETCH 1 (UID BODY.PEEK[1])")
		s.writelines("* 1 FETCH (UID 1 BODY[1] {10}")
		if _, err := io.WriteString(s.conn, "hello"); err != nil {
			s.t.Errorf("server: write: %v", err)
			panic(errServerAbort)
		}
		close(partial)
		s.waitClose()
	})

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		env.session.FetchPart(inbox.ID, 1, "1", func(path string, err error) {
			results <- err
		})
	}
	env.session.Start()
	env.wait(partial, "partial part data")

	// Stop does not wait for the remaining data.
	env.session.Stop()
	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			if err == nil {
				t.Fatalf("part fetch succeeded after stop")
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for part fetch result")
		}
	}
	env.wait(env.session.Done(), "session stop")
	env.waitServer()
	tcompare(t, env.db.HasPart(inbox.ID, 1, "1"), false)
}

func TestUIDValidityChange(t *testing.T) {
	env := newTestEnv(t, testAccount())
	added, _, err := env.db.FolderMerge(ctxbg, []store.Folder{{Name: "INBOX"}})
	tcheck(t, err, "add inbox")
	inbox := added[0]
	_, err = env.db.FolderReset(ctxbg, inbox.ID, 1)
	tcheck(t, err, "set uidvalidity")
	wl, err := env.db.EmailsCreate(ctxbg, inbox.ID, []store.Email{{UID: 5, Subject: "old"}})
	tcheck(t, err, "add email")
	oldID := wl[0].ID

	env.addScript(func(s *testServer) {
		s.login()
		s.expect(`~A3 LIST "" "*"`)
		s.writelines(`* LIST () "/" INBOX`, "~A3 OK done")
		s.expect("~A4 SELECT INBOX")
		s.writelines("* 1 EXISTS", "* OK [UIDVALIDITY 2] x", "~A4 OK [READ-WRITE] done")
		s.searches(5, "5", "", "5")
		s.expect("~A10 UID FETCH 5 (UID FLAGS INTERNALDATE RFC822.SIZE ENVELOPE)")
		s.writelines(
			`* 1 FETCH (UID 5 FLAGS () INTERNALDATE "04-Jan-2024 10:00:00 +0000" RFC822.SIZE 400 ENVELOPE ("Thu, 4 Jan 2024 10:00:00 +0000" "new" ((NIL NIL "alice" "example.org")) NIL NIL ((NIL NIL "mjl" "example.org")) NIL NIL NIL "<4@example.org>"))`,
			"~A10 OK done",
		)
		s.expect("~A11 LOGOUT")
		s.writelines("* BYE bye", "~A11 OK done")
		s.waitClose()
	})

	err = syncAll(env, true)
	tcheck(t, err, "sync all")
	env.waitServer()

	inbox, err = env.db.FolderByName(ctxbg, "INBOX")
	tcheck(t, err, "inbox")
	tcompare(t, inbox.UIDValidity, uint32(2))

	// The message with the old UIDVALIDITY is gone, UID 5 is a new message.
	_, err = env.db.EmailByID(ctxbg, oldID)
	if !errors.Is(err, store.ErrUnknownEmail) {
		t.Fatalf("got %v for message of old uidvalidity, expected ErrUnknownEmail", err)
	}
	emails, err := env.db.Emails(ctxbg, inbox.ID, 0)
	tcheck(t, err, "emails")
	tcompare(t, len(emails), 1)
	tcompare(t, emails[0].UID, uint32(5))
	tcompare(t, emails[0].Subject, "new")
}

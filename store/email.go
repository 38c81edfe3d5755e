package store

import (
	"context"
	"fmt"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/mailsync/syncdiff"
)

// WriteResult is the outcome of writing a single message record.
type WriteResult struct {
	ID       int64
	Revision int64
}

// Stubs returns up to limit stubs of messages in the folder with a UID above
// afterUID and a date at or after since, in ascending UID order. More is set if
// another page follows, starting after the UID of the last returned stub.
func (db *DB) Stubs(ctx context.Context, folderID int64, since time.Time, afterUID uint32, limit int) (stubs []syncdiff.Stub, more bool, rerr error) {
	q := bstore.QueryDB[Email](ctx, db.DB)
	q.FilterNonzero(Email{FolderID: folderID})
	q.FilterGreater("UID", afterUID)
	if !since.IsZero() {
		q.FilterGreaterEqual("Date", since)
	}
	q.SortAsc("UID")
	if limit > 0 {
		q.Limit(limit + 1)
	}
	err := q.ForEach(func(e Email) error {
		stubs = append(stubs, syncdiff.Stub{ID: e.ID, UID: e.UID, Flags: e.Flags()})
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if limit > 0 && len(stubs) > limit {
		stubs = stubs[:limit]
		more = true
	}
	return stubs, more, nil
}

// Emails returns the messages of a folder, newest first, at most limit if > 0.
func (db *DB) Emails(ctx context.Context, folderID int64, limit int) ([]Email, error) {
	q := bstore.QueryDB[Email](ctx, db.DB)
	q.FilterNonzero(Email{FolderID: folderID})
	q.SortDesc("Date")
	if limit > 0 {
		q.Limit(limit)
	}
	return q.List()
}

// EmailByID returns a message, or ErrUnknownEmail.
func (db *DB) EmailByID(ctx context.Context, id int64) (Email, error) {
	e := Email{ID: id}
	err := db.DB.Get(ctx, &e)
	if err == bstore.ErrAbsent {
		return Email{}, fmt.Errorf("%w: id %d", ErrUnknownEmail, id)
	}
	return e, err
}

// EmailCount returns the number of messages in a folder.
func (db *DB) EmailCount(ctx context.Context, folderID int64) (int, error) {
	return bstore.QueryDB[Email](ctx, db.DB).FilterNonzero(Email{FolderID: folderID}).Count()
}

// EmailsCreate stores new messages for a folder. A message with a UID that is
// already present replaces the existing record.
func (db *DB) EmailsCreate(ctx context.Context, folderID int64, emails []Email) (results []WriteResult, rerr error) {
	if len(emails) == 0 {
		return nil, nil
	}
	rerr = db.DB.Write(ctx, func(tx *bstore.Tx) error {
		if err := tx.Get(&Folder{ID: folderID}); err == bstore.ErrAbsent {
			return fmt.Errorf("%w: id %d", ErrUnknownFolder, folderID)
		} else if err != nil {
			return err
		}
		for _, e := range emails {
			rev, err := nextRevision(tx)
			if err != nil {
				return err
			}
			e.FolderID = folderID
			e.Revision = rev
			e.LocalEdit = false
			e.ID = 0
			xe, err := bstore.QueryTx[Email](tx).FilterNonzero(Email{FolderID: folderID, UID: e.UID}).Get()
			if err == nil {
				e.ID = xe.ID
				e.Created = xe.Created
				err = tx.Update(&e)
			} else if err == bstore.ErrAbsent {
				err = tx.Insert(&e)
			}
			if err != nil {
				return fmt.Errorf("storing message uid %d: %v", e.UID, err)
			}
			results = append(results, WriteResult{e.ID, rev})
		}
		return nil
	})
	if rerr == nil {
		db.broadcast(Change{Revision: results[len(results)-1].Revision, FolderID: folderID})
	}
	return
}

// EmailsSetFlags stores flags as found on the server. Messages with pending
// local edits are skipped, their local flags are stored on the server later.
func (db *DB) EmailsSetFlags(ctx context.Context, changes []syncdiff.FlagChange) (results []WriteResult, rerr error) {
	if len(changes) == 0 {
		return nil, nil
	}
	var folderID int64
	rerr = db.DB.Write(ctx, func(tx *bstore.Tx) error {
		for _, c := range changes {
			e := Email{ID: c.Stub.ID}
			if err := tx.Get(&e); err == bstore.ErrAbsent {
				continue
			} else if err != nil {
				return err
			}
			if e.LocalEdit {
				continue
			}
			rev, err := nextRevision(tx)
			if err != nil {
				return err
			}
			e.SetFlags(c.Flags)
			e.Revision = rev
			if err := tx.Update(&e); err != nil {
				return fmt.Errorf("updating flags of message %d: %v", e.ID, err)
			}
			folderID = e.FolderID
			results = append(results, WriteResult{e.ID, rev})
		}
		return nil
	})
	if rerr == nil && len(results) > 0 {
		db.broadcast(Change{Revision: results[len(results)-1].Revision, FolderID: folderID})
	}
	return
}

// EmailsDelete removes messages. Unknown IDs are ignored. The returned revision
// covers the removal.
func (db *DB) EmailsDelete(ctx context.Context, ids []int64) (rev int64, n int, rerr error) {
	if len(ids) == 0 {
		return 0, 0, nil
	}
	rerr = db.DB.Write(ctx, func(tx *bstore.Tx) error {
		var err error
		rev, err = nextRevision(tx)
		if err != nil {
			return err
		}
		n, err = bstore.QueryTx[Email](tx).FilterIDs(ids).Delete()
		return err
	})
	if rerr == nil {
		db.broadcast(Change{Revision: rev})
	}
	return
}

// EmailSetFlagsLocal changes the flags of a message locally, marking it for
// storing on the server by the next sync.
func (db *DB) EmailSetFlagsLocal(ctx context.Context, id int64, flags syncdiff.Flags) (result WriteResult, rerr error) {
	var folderID int64
	rerr = db.DB.Write(ctx, func(tx *bstore.Tx) error {
		e := Email{ID: id}
		if err := tx.Get(&e); err == bstore.ErrAbsent {
			return fmt.Errorf("%w: id %d", ErrUnknownEmail, id)
		} else if err != nil {
			return err
		}
		rev, err := nextRevision(tx)
		if err != nil {
			return err
		}
		e.SetFlags(flags)
		e.LocalEdit = true
		e.Revision = rev
		folderID = e.FolderID
		result = WriteResult{e.ID, rev}
		return tx.Update(&e)
	})
	if rerr == nil {
		db.broadcast(Change{Revision: result.Revision, FolderID: folderID, Local: true})
	}
	return
}

// LocalEdits returns messages in the folder with local flag changes that have
// not yet been stored on the server.
func (db *DB) LocalEdits(ctx context.Context, folderID int64) ([]Email, error) {
	return bstore.QueryDB[Email](ctx, db.DB).FilterNonzero(Email{FolderID: folderID, LocalEdit: true}).SortAsc("UID").List()
}

// ClearLocalEdits marks the local edits of emails as stored on the server. A
// message that was changed again after it was read, i.e. has a different
// revision, keeps its local edit mark.
func (db *DB) ClearLocalEdits(ctx context.Context, emails []Email) (results []WriteResult, rerr error) {
	if len(emails) == 0 {
		return nil, nil
	}
	rerr = db.DB.Write(ctx, func(tx *bstore.Tx) error {
		for _, pe := range emails {
			e := Email{ID: pe.ID}
			if err := tx.Get(&e); err == bstore.ErrAbsent {
				continue
			} else if err != nil {
				return err
			}
			if !e.LocalEdit || e.Revision != pe.Revision {
				continue
			}
			rev, err := nextRevision(tx)
			if err != nil {
				return err
			}
			e.LocalEdit = false
			e.Revision = rev
			if err := tx.Update(&e); err != nil {
				return err
			}
			results = append(results, WriteResult{e.ID, rev})
		}
		return nil
	})
	return
}

// EvictOldest removes the oldest messages of a folder until at most max remain.
func (db *DB) EvictOldest(ctx context.Context, folderID int64, max int) (rev int64, n int, rerr error) {
	if max <= 0 {
		return 0, 0, nil
	}
	rerr = db.DB.Write(ctx, func(tx *bstore.Tx) error {
		total, err := bstore.QueryTx[Email](tx).FilterNonzero(Email{FolderID: folderID}).Count()
		if err != nil {
			return err
		}
		if total <= max {
			return nil
		}
		var ids []int64
		err = bstore.QueryTx[Email](tx).FilterNonzero(Email{FolderID: folderID}).SortAsc("Date", "UID").Limit(total - max).IDs(&ids)
		if err != nil {
			return err
		}
		rev, err = nextRevision(tx)
		if err != nil {
			return err
		}
		n, err = bstore.QueryTx[Email](tx).FilterIDs(ids).Delete()
		return err
	})
	if rerr == nil && n > 0 {
		db.broadcast(Change{Revision: rev, FolderID: folderID})
	}
	return
}

// ChangedSince returns messages in the folder with a revision above rev.
func (db *DB) ChangedSince(ctx context.Context, folderID int64, rev int64) ([]Email, error) {
	return bstore.QueryDB[Email](ctx, db.DB).FilterNonzero(Email{FolderID: folderID}).FilterGreater("Revision", rev).SortAsc("Revision").List()
}

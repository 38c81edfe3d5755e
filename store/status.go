package store

import (
	"context"
	"time"

	"github.com/mjl-/bstore"
)

// Status returns the account status. A zero Status is returned if none was stored.
func (db *DB) Status(ctx context.Context) (Status, error) {
	st := Status{ID: 1}
	err := db.DB.Get(ctx, &st)
	if err == bstore.ErrAbsent {
		return Status{ID: 1}, nil
	}
	return st, err
}

func (db *DB) updateStatus(ctx context.Context, fn func(st *Status)) error {
	return db.DB.Write(ctx, func(tx *bstore.Tx) error {
		st := Status{ID: 1}
		err := tx.Get(&st)
		if err == bstore.ErrAbsent {
			fn(&st)
			return tx.Insert(&st)
		} else if err != nil {
			return err
		}
		fn(&st)
		return tx.Update(&st)
	})
}

// SetError records an error for display, replacing an earlier error.
func (db *DB) SetError(ctx context.Context, kind, text string) error {
	return db.updateStatus(ctx, func(st *Status) {
		st.ErrorKind = kind
		st.ErrorText = text
		st.ErrorTime = time.Now()
	})
}

// ClearError removes a recorded error.
func (db *DB) ClearError(ctx context.Context) error {
	return db.updateStatus(ctx, func(st *Status) {
		st.ErrorKind = ""
		st.ErrorText = ""
		st.ErrorTime = time.Time{}
	})
}

// MarkLogin records a successful login.
func (db *DB) MarkLogin(ctx context.Context, t time.Time) error {
	return db.updateStatus(ctx, func(st *Status) {
		st.LastLogin = t
	})
}

// MarkSync records a completed sync.
func (db *DB) MarkSync(ctx context.Context, t time.Time) error {
	return db.updateStatus(ctx, func(st *Status) {
		st.LastSync = t
	})
}

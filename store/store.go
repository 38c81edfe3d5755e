/*
Package store keeps the local state of a synchronized account: folders with
their sync metadata, message summaries, the account status and cached message
parts.

Each account has its own database in <datadir>/accounts/<name>/index.db. Every
change to messages is stamped with a new revision from a per-account counter.
The sync session uses revisions to find changes made locally since the last
sync, and to recognize its own writes.
*/
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/mailsync/mlog"
	"github.com/mjl-/mailsync/moxvar"
	"github.com/mjl-/mailsync/syncdiff"
)

var (
	ErrUnknownFolder = errors.New("unknown folder")
	ErrUnknownEmail  = errors.New("unknown email")
)

// Folder is a mailbox on the server, with the state of its last synchronization.
type Folder struct {
	ID int64

	// Decoded from modified UTF-7 and NFC-normalized. "INBOX" is always uppercase.
	Name        string `bstore:"nonzero,unique"`
	Delimiter   string
	Attributes  []string // E.g. \Noselect, \HasChildren, \Sent.
	UIDValidity uint32

	// As reported by the server during the last select.
	UIDNext       uint32
	HighestModSeq int64
	Exists        uint32

	// Local changes with a revision up to and including this value have been
	// examined by a sync session.
	LastSyncRevision int64
	LastSync         time.Time
}

// Selectable returns whether the folder can be selected.
func (f Folder) Selectable() bool {
	for _, a := range f.Attributes {
		if a == `\Noselect` || a == `\NonExistent` {
			return false
		}
	}
	return true
}

// Email is the summary of a message in a folder, as fetched from the server.
type Email struct {
	ID       int64
	FolderID int64  `bstore:"nonzero,unique FolderID+UID,index FolderID+Date,ref Folder"`
	UID      uint32 `bstore:"nonzero"`

	Seen     bool
	Answered bool
	Flagged  bool

	// Flags were changed locally and still need to be stored on the server.
	LocalEdit bool `bstore:"index"`

	// Revision of the last change to this record.
	Revision int64 `bstore:"index"`

	Date      time.Time // Internal date on the server.
	Size      int64
	Subject   string
	From      string
	To        []string
	MessageID string
	Created   time.Time `bstore:"default now"`
}

// Flags returns the message flags as used for diffing.
func (e Email) Flags() syncdiff.Flags {
	return syncdiff.Flags{Seen: e.Seen, Answered: e.Answered, Flagged: e.Flagged}
}

// SetFlags sets the message flags.
func (e *Email) SetFlags(f syncdiff.Flags) {
	e.Seen = f.Seen
	e.Answered = f.Answered
	e.Flagged = f.Flagged
}

// SyncState holds the revision counter of the account.
type SyncState struct {
	ID int // Just a single record with ID 1.

	// Last used, the next assigned will be one higher.
	Revision int64
}

// Status of the account, for display to the user.
type Status struct {
	ID int // Just a single record with ID 1.

	ErrorKind string // Empty if there is no error.
	ErrorText string
	ErrorTime time.Time
	LastLogin time.Time
	LastSync  time.Time
}

// DBTypes are the types stored in an account database.
var DBTypes = []any{Folder{}, Email{}, SyncState{}, Status{}}

// Change is passed to change listeners after a write transaction committed.
type Change struct {
	Revision int64
	FolderID int64
	Local    bool // Made locally, e.g. flag changes through the API.
}

// DB is the local store of a single account.
type DB struct {
	Name   string // Account name.
	Dir    string // Account directory, with database and cached parts.
	DBPath string
	DB     *bstore.DB

	log mlog.Log

	sync.Mutex
	listeners []func(Change)
}

// Open opens the database of account name in dataDir, creating it if needed.
func Open(ctx context.Context, log mlog.Log, dataDir, name string) (*DB, error) {
	dir := filepath.Join(dataDir, "accounts", name)
	dbpath := filepath.Join(dir, "index.db")
	if err := os.MkdirAll(dir, 0770); err != nil {
		return nil, fmt.Errorf("creating account directory: %v", err)
	}
	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660, RegisterLogger: moxvar.RegisterLogger(dbpath, log.Logger)}
	db, err := bstore.Open(ctx, dbpath, &opts, DBTypes...)
	if err != nil {
		return nil, err
	}
	return &DB{
		Name:   name,
		Dir:    dir,
		DBPath: dbpath,
		DB:     db,
		log:    log.With(slog.String("account", name)),
	}, nil
}

// Close closes the database.
func (db *DB) Close() error {
	return db.DB.Close()
}

// Subscribe registers fn to be called after each committed change. Fn is called
// without locks held, on the goroutine that made the change.
func (db *DB) Subscribe(fn func(Change)) {
	db.Lock()
	defer db.Unlock()
	db.listeners = append(db.listeners, fn)
}

func (db *DB) broadcast(c Change) {
	db.Lock()
	l := append([]func(Change){}, db.listeners...)
	db.Unlock()
	for _, fn := range l {
		fn(c)
	}
}

// nextRevision increases and returns the revision counter.
func nextRevision(tx *bstore.Tx) (int64, error) {
	v := SyncState{ID: 1}
	if err := tx.Get(&v); err == bstore.ErrAbsent {
		v.Revision = 1
		return v.Revision, tx.Insert(&v)
	} else if err != nil {
		return 0, err
	}
	v.Revision++
	return v.Revision, tx.Update(&v)
}

// Revision returns the last assigned revision, 0 if none has been assigned.
func (db *DB) Revision(ctx context.Context) (int64, error) {
	v := SyncState{ID: 1}
	err := db.DB.Get(ctx, &v)
	if err == bstore.ErrAbsent {
		return 0, nil
	}
	return v.Revision, err
}

// Package alarm schedules named wake-ups, triggered at a time or by a change
// in an account store, e.g. for ending an IDLE before the server times it out,
// periodic resynchronization and retrying after a failed connection.
//
// Registrations are upserts by name. Persistent registrations are stored in a
// database and restored at startup. A registration fires once, after which it
// is removed. Handlers are always called on a new goroutine, never from within
// the call that caused the registration to fire.
package alarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/mailsync/metrics"
	"github.com/mjl-/mailsync/mlog"
	"github.com/mjl-/mailsync/moxvar"
)

var ErrNoHandler = errors.New("no handler registered")

// Registration is a named wake-up.
type Registration struct {
	Name string // Unique, e.g. "<account>/idle".

	Handler string `bstore:"nonzero"` // Name of handler to call.
	Payload string // Passed to the handler, e.g. a folder name.

	// Time trigger. Fires immediately if in the past.
	At time.Time

	// Store trigger, used when At is zero. Fires on the first change in the store of
	// Account with a revision above AfterRevision, in folder FolderID, or any
	// folder if FolderID is 0.
	Account       string
	FolderID      int64
	AfterRevision int64

	// Persistent registrations are stored and restored after a restart.
	Persistent bool
	Created    time.Time `bstore:"default now"`
}

// Handler is called when a registration fires.
type Handler func(reg Registration)

type entry struct {
	reg   Registration
	timer *time.Timer
	armed bool
}

// Registry holds registrations and the handlers they call.
type Registry struct {
	log mlog.Log
	db  *bstore.DB // Nil for a registry without persistence.

	mu       sync.Mutex
	handlers map[string]Handler
	entries  map[string]*entry
	closed   bool
}

// DBTypes are the types stored in the alarm database.
var DBTypes = []any{Registration{}}

// New returns a registry without persistence.
func New(log mlog.Log) *Registry {
	return &Registry{
		log:      log,
		handlers: map[string]Handler{},
		entries:  map[string]*entry{},
	}
}

// Open returns a registry storing persistent registrations in the database at
// path, typically <datadir>/alarms.db. Stored registrations are loaded, but
// only armed by Restore or Adopt.
func Open(ctx context.Context, log mlog.Log, path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0770); err != nil {
		return nil, fmt.Errorf("creating directory for alarm database: %v", err)
	}
	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660, RegisterLogger: moxvar.RegisterLogger(path, log.Logger)}
	db, err := bstore.Open(ctx, path, &opts, DBTypes...)
	if err != nil {
		return nil, err
	}
	r := New(log)
	r.db = db
	err = bstore.QueryDB[Registration](ctx, db).ForEach(func(reg Registration) error {
		r.entries[reg.Name] = &entry{reg: reg}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("loading registrations: %v", err)
	}
	return r, nil
}

// Close stops all timers and closes the database.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, e := range r.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Handle registers h to be called for registrations with handler name.
func (r *Registry) Handle(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Set adds a registration or replaces the one with the same name.
func (r *Registry) Set(ctx context.Context, reg Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[reg.Handler]; !ok {
		return fmt.Errorf("%w: %q", ErrNoHandler, reg.Handler)
	}
	if reg.Created.IsZero() {
		reg.Created = time.Now()
	}
	old := r.entries[reg.Name]
	if old != nil && old.timer != nil {
		old.timer.Stop()
	}
	if r.db != nil && (reg.Persistent || old != nil && old.reg.Persistent) {
		err := r.db.Write(ctx, func(tx *bstore.Tx) error {
			if err := tx.Delete(&Registration{Name: reg.Name}); err != nil && err != bstore.ErrAbsent {
				return err
			}
			if reg.Persistent {
				return tx.Insert(&reg)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("storing registration: %v", err)
		}
	}
	e := &entry{reg: reg}
	r.entries[reg.Name] = e
	r.arm(e)
	r.log.Debug("alarm set", slog.String("name", reg.Name), slog.String("handler", reg.Handler), slog.Time("at", reg.At), slog.Int64("afterrevision", reg.AfterRevision))
	return nil
}

// arm starts the timer for time triggers. Must be called with lock held.
func (r *Registry) arm(e *entry) {
	e.armed = true
	if e.reg.At.IsZero() {
		return
	}
	d := time.Until(e.reg.At)
	if d < 0 {
		d = 0
	}
	e.timer = time.AfterFunc(d, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.entries[e.reg.Name] == e {
			r.fire(e)
		}
	})
}

// fire removes the registration and calls the handler on a new goroutine. Must
// be called with lock held.
func (r *Registry) fire(e *entry) {
	if r.closed {
		return
	}
	delete(r.entries, e.reg.Name)
	if e.timer != nil {
		e.timer.Stop()
	}
	if r.db != nil && e.reg.Persistent {
		err := r.db.Delete(context.Background(), &Registration{Name: e.reg.Name})
		if err != nil && err != bstore.ErrAbsent {
			r.log.Errorx("removing fired registration", err, slog.String("name", e.reg.Name))
		}
	}
	h := r.handlers[e.reg.Handler]
	if h == nil {
		r.log.Error("no handler for fired registration", slog.String("name", e.reg.Name), slog.String("handler", e.reg.Handler))
		return
	}
	r.log.Debug("alarm fired", slog.String("name", e.reg.Name), slog.String("handler", e.reg.Handler))
	reg := e.reg
	go func() {
		defer func() {
			x := recover()
			if x != nil {
				r.log.Error("unhandled panic in alarm handler", slog.Any("err", x), slog.String("handler", reg.Handler))
				metrics.PanicInc(metrics.Alarm)
			}
		}()
		h(reg)
	}()
}

// Cancel removes the registration with name, returning whether it existed.
func (r *Registry) Cancel(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return false, nil
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(r.entries, name)
	if r.db != nil && e.reg.Persistent {
		if err := r.db.Delete(ctx, &Registration{Name: name}); err != nil && err != bstore.ErrAbsent {
			return true, fmt.Errorf("removing registration: %v", err)
		}
	}
	return true, nil
}

// Get returns the registration with name.
func (r *Registry) Get(name string) (Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return Registration{}, false
	}
	return e.reg, true
}

// Restore arms the loaded registrations that have a registered handler.
// Registrations with a time in the past fire immediately. It returns the number
// of armed registrations.
func (r *Registry) Restore() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for _, e := range r.entries {
		if e.armed {
			continue
		}
		if _, ok := r.handlers[e.reg.Handler]; !ok {
			continue
		}
		r.arm(e)
		n++
	}
	return n
}

// Adopt arms the registrations with a name starting with prefix that were
// restored from a previous run but not yet armed, and returns all registrations
// with the prefix. Used by an account session to take over its registrations.
func (r *Registry) Adopt(prefix string) []Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var l []Registration
	for name, e := range r.entries {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if !e.armed {
			if _, ok := r.handlers[e.reg.Handler]; ok {
				r.arm(e)
			}
		}
		l = append(l, e.reg)
	}
	return l
}

// Changed fires the store triggers of account matching a change with revision
// in folderID.
func (r *Registry) Changed(account string, folderID, revision int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		reg := e.reg
		if !e.armed || !reg.At.IsZero() || reg.Account != account || revision <= reg.AfterRevision {
			continue
		}
		if reg.FolderID != 0 && reg.FolderID != folderID {
			continue
		}
		r.fire(e)
	}
}

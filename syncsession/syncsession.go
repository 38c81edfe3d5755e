// Package syncsession groups the sync commands for a folder into a session with
// a shared start and end.
//
// A session starts by reading the revision up to which local changes of the
// folder have been examined. While active, its commands are released to the
// command queue. Commands report the revisions of their own writes, and the
// revisions of local changes they have examined. When the session ends, the
// next sync revision is stored with the folder: the highest revision observed,
// lowered to just before the first local change that no command examined, so
// the next session looks at that change again.
//
// A Session is not safe for concurrent use, it is used from the goroutine of
// the account session that owns it.
package syncsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mjl-/mailsync/cmdq"
	"github.com/mjl-/mailsync/mlog"
	"github.com/mjl-/mailsync/store"
)

var ErrNotActive = errors.New("sync session not active")

// Phase of a sync session.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseStarting
	PhaseAdopting
	PhaseActive
	PhaseEnding
)

func (p Phase) String() string {
	return [...]string{"none", "starting", "adopting", "active", "ending"}[p]
}

// Store is the part of the account store a session uses.
type Store interface {
	FolderByID(ctx context.Context, id int64) (store.Folder, error)
	FolderUpdate(ctx context.Context, f store.Folder) error
	ChangedSince(ctx context.Context, folderID, rev int64) ([]store.Email, error)
}

// Hooks are called at phase transitions. All are optional.
type Hooks struct {
	// Started is called when the folder is resolved, before any command runs, e.g.
	// to signal a sync is in progress.
	Started func(f store.Folder)

	// Adopt is called when going from adopting to active, e.g. to take over alarm
	// registrations of a previous session.
	Adopt func(f store.Folder)

	// Clear is called while ending with the names of housekeeping registrations
	// made during the session.
	Clear func(names []string)

	// Ended is called at the end of a session with the updated folder and the
	// first error of a command, if any.
	Ended func(f store.Folder, err error)
}

type held struct {
	cmd  cmdq.Command
	done func(err error)
}

// Session is the sync session for a folder.
type Session struct {
	FolderID int64

	log   mlog.Log
	st    Store
	hooks Hooks

	phase  Phase
	folder store.Folder // Zero until resolved.

	lastSyncRevision int64
	nextSyncRevision int64 // Requested by commands.
	observed         int64 // Highest revision of our own writes.
	known            map[int64]bool

	held         []held // Commands waiting for the session to become active.
	outstanding  int    // Released commands that have not completed.
	err          error  // First error of a command.
	housekeeping []string
	stop         bool
	gen          int // Incremented on reset, for ignoring completions of earlier sessions.
}

// New returns a session for a folder, in phase none.
func New(log mlog.Log, st Store, folderID int64, hooks Hooks) *Session {
	return &Session{
		FolderID: folderID,
		log:      log.With(slog.Int64("folderid", folderID)),
		st:       st,
		hooks:    hooks,
	}
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	return s.phase
}

// Folder returns the resolved folder, zero before starting.
func (s *Session) Folder() store.Folder {
	return s.folder
}

// LastSyncRevision returns the revision up to which local changes were examined
// before this session started. Zero means the folder was never synced.
func (s *Session) LastSyncRevision() int64 {
	return s.lastSyncRevision
}

// Add adds a command to the session. If the session is active, the command is
// added to q and released is true. Otherwise the command is held until
// Activate. A session in phase none must be started by the caller.
func (s *Session) Add(q *cmdq.Queue, cmd cmdq.Command, done func(err error)) (released bool) {
	if s.phase != PhaseActive {
		s.held = append(s.held, held{cmd, done})
		return false
	}
	s.release(q, held{cmd, done})
	return true
}

func (s *Session) release(q *cmdq.Queue, h held) {
	s.outstanding++
	gen := s.gen
	q.Add(h.cmd, func(err error) {
		if gen == s.gen {
			s.outstanding--
			if err != nil && s.err == nil {
				s.err = err
			}
		}
		if h.done != nil {
			h.done(err)
		}
	})
}

// Pending returns whether commands are held or have not completed.
func (s *Session) Pending() bool {
	return len(s.held) > 0 || s.outstanding > 0
}

// Start resolves the folder and reads its last sync revision. On error, the
// caller must call End, which cancels the held commands.
func (s *Session) Start(ctx context.Context) error {
	if s.phase != PhaseNone {
		return fmt.Errorf("sync session already started, phase %s", s.phase)
	}
	s.phase = PhaseStarting
	s.known = map[int64]bool{}
	f, err := s.st.FolderByID(ctx, s.FolderID)
	if err != nil {
		return fmt.Errorf("resolving folder: %w", err)
	}
	s.folder = f
	s.lastSyncRevision = f.LastSyncRevision
	s.observed = f.LastSyncRevision
	s.nextSyncRevision = 0
	s.log.Debug("sync session starting", slog.String("folder", f.Name), slog.Int64("lastsyncrevision", f.LastSyncRevision))
	if s.hooks.Started != nil {
		s.hooks.Started(f)
	}
	s.phase = PhaseAdopting
	return nil
}

// Activate makes the session active, releasing held commands to q. It returns
// the number of released commands.
func (s *Session) Activate(q *cmdq.Queue) (int, error) {
	if s.phase != PhaseAdopting {
		return 0, fmt.Errorf("cannot activate sync session in phase %s", s.phase)
	}
	if s.hooks.Adopt != nil {
		s.hooks.Adopt(s.folder)
	}
	s.phase = PhaseActive
	l := s.held
	s.held = nil
	for _, h := range l {
		s.release(q, h)
	}
	return len(l), nil
}

// Wrote records the results of writes by commands of this session, so they are
// not mistaken for local changes.
func (s *Session) Wrote(results ...store.WriteResult) {
	for _, r := range results {
		s.WroteRevision(r.Revision)
	}
}

// WroteRevision records a revision of a write by a command of this session.
func (s *Session) WroteRevision(rev int64) {
	if rev == 0 {
		return
	}
	if s.known == nil {
		s.known = map[int64]bool{}
	}
	s.known[rev] = true
	if rev > s.observed {
		s.observed = rev
	}
}

// Examined records that the local change with revision rev was handled, e.g.
// flags stored on the server.
func (s *Session) Examined(rev int64) {
	if s.known == nil {
		s.known = map[int64]bool{}
	}
	s.known[rev] = true
}

// RequestRevision raises the next sync revision to at least rev.
func (s *Session) RequestRevision(rev int64) {
	if rev > s.nextSyncRevision {
		s.nextSyncRevision = rev
	}
}

// Register adds the name of a housekeeping registration, e.g. an alarm, to be
// cleared when the session ends.
func (s *Session) Register(name string) {
	s.housekeeping = append(s.housekeeping, name)
}

// Stop prevents a restart after the session ends.
func (s *Session) Stop() {
	s.stop = true
}

// End ends the session. If commands were added while the session was running,
// or local changes were found that no command examined, restart is true and
// the caller should start the session again. Calling End on a session in phase
// none returns ErrNotActive.
func (s *Session) End(ctx context.Context) (restart bool, rerr error) {
	switch s.phase {
	case PhaseNone:
		return false, ErrNotActive
	case PhaseEnding:
		return false, fmt.Errorf("%w: already ending", ErrNotActive)
	case PhaseStarting, PhaseAdopting:
		if s.folder.ID == 0 {
			s.cancel(cmdq.CancelError{Type: cmdq.CancelUnknown})
			s.reset()
			return false, nil
		}
	}
	s.phase = PhaseEnding
	defer s.reset()

	next := s.observed
	if s.nextSyncRevision > next {
		next = s.nextSyncRevision
	}
	var unaccounted bool
	changes, err := s.st.ChangedSince(ctx, s.FolderID, s.lastSyncRevision)
	if err != nil {
		s.log.Errorx("finding unexamined local changes", err)
		next = s.lastSyncRevision
	} else {
		for _, e := range changes {
			if e.Revision > next || s.known[e.Revision] {
				continue
			}
			// Sorted by revision, the first is the lowest.
			if !unaccounted {
				next = e.Revision - 1
				unaccounted = true
			}
		}
	}
	if next < s.lastSyncRevision {
		next = s.lastSyncRevision
	}

	f, err := s.st.FolderByID(ctx, s.FolderID)
	if err == nil {
		f.LastSyncRevision = next
		if s.err == nil {
			f.LastSync = time.Now()
		}
		err = s.st.FolderUpdate(ctx, f)
	}
	if err != nil {
		rerr = fmt.Errorf("storing sync revision: %w", err)
	}
	s.log.Debug("sync session ended", slog.Int64("syncrevision", next), slog.Bool("unaccounted", unaccounted), slog.Any("err", s.err))

	if s.hooks.Clear != nil && len(s.housekeeping) > 0 {
		s.hooks.Clear(s.housekeeping)
	}
	if s.hooks.Ended != nil {
		if f.ID == 0 {
			f = s.folder
		}
		s.hooks.Ended(f, s.err)
	}
	restart = !s.stop && (len(s.held) > 0 || unaccounted)
	return restart, rerr
}

// Cancel cancels all held commands and ends the session without storing state,
// e.g. when the account is removed.
func (s *Session) Cancel(t cmdq.CancelType) {
	s.cancel(cmdq.CancelError{Type: t})
	s.reset()
}

func (s *Session) cancel(err error) {
	l := s.held
	s.held = nil
	for _, h := range l {
		if h.done != nil {
			h.done(err)
		}
	}
}

func (s *Session) reset() {
	s.phase = PhaseNone
	s.folder = store.Folder{}
	s.known = nil
	s.observed = 0
	s.nextSyncRevision = 0
	s.outstanding = 0
	s.err = nil
	s.housekeeping = nil
	s.stop = false
	s.gen++
}

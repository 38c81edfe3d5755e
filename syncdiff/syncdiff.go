// Package syncdiff computes the changes between the messages in a local folder
// and the messages on the server.
//
// Both sides are lists of UIDs in ascending order. The server side is the
// result of a UID SEARCH for all messages in the sync window, with additional
// searches for messages marked deleted, unseen, answered and flagged. The local
// side is read in batches, and compared in a single left-to-right merge that
// keeps its position in the server lists across batches.
package syncdiff

import (
	"fmt"
)

// Flags are the message flags that are synchronized.
type Flags struct {
	Seen     bool
	Answered bool
	Flagged  bool
}

// Stub is the minimal local view of a message, for comparing with the server.
type Stub struct {
	ID    int64 // Local id.
	UID   uint32
	Flags Flags
}

// FlagChange is a message whose flags on the server differ from the local flags.
type FlagChange struct {
	Stub  Stub
	Flags Flags // Flags on the server.
}

// Result is the outcome of comparing one batch of local messages.
type Result struct {
	New      []uint32 // UIDs of messages on the server that are not present locally.
	Deleted  []int64  // Local ids of messages removed from the server, or marked deleted.
	Modified []FlagChange
}

// IsZero returns whether there are no changes.
func (r Result) IsZero() bool {
	return len(r.New) == 0 && len(r.Deleted) == 0 && len(r.Modified) == 0
}

// Cursor is a forward-only iterator over an ascending list of UIDs. Lookups
// must be done in ascending order, each Find skips past lower values, so a full
// pass over n values takes O(n) comparisons in total.
type Cursor struct {
	l []uint32
	i int
}

// NewCursor returns a cursor over l, which must be sorted ascending.
func NewCursor(l []uint32) *Cursor {
	return &Cursor{l: l}
}

// Find returns whether uid is in the list. Uid must not be lower than the uid of
// a previous call.
func (c *Cursor) Find(uid uint32) bool {
	for c.i < len(c.l) && c.l[c.i] < uid {
		c.i++
	}
	return c.i < len(c.l) && c.l[c.i] == uid
}

// Remote holds the server state for the sync window, as ascending UID lists.
type Remote struct {
	All      []uint32
	Deleted  []uint32
	Unseen   []uint32
	Answered []uint32
	Flagged  []uint32
}

// Engine compares batches of local messages against the server state. An Engine
// is used for one pass over a folder.
type Engine struct {
	all []uint32
	pos int // Position in all, preserved between batches.

	deleted, unseen, answered, flagged *Cursor
	lastUID                            uint32
	finished                           bool
}

// New returns an engine for a pass over remote.
func New(remote Remote) *Engine {
	return &Engine{
		all:      remote.All,
		deleted:  NewCursor(remote.Deleted),
		unseen:   NewCursor(remote.Unseen),
		answered: NewCursor(remote.Answered),
		flagged:  NewCursor(remote.Flagged),
	}
}

// serverFlags reconstructs the flags of a message from the marker lists.
func (e *Engine) serverFlags(uid uint32) Flags {
	return Flags{
		Seen:     !e.unseen.Find(uid),
		Answered: e.answered.Find(uid),
		Flagged:  e.flagged.Find(uid),
	}
}

func (e *Engine) remoteOnly(r *Result, uid uint32) {
	if !e.deleted.Find(uid) {
		r.New = append(r.New, uid)
	}
}

// Diff compares the next batch of local messages, in ascending UID order and
// with UIDs higher than those of earlier batches. If more is false, this is the
// last batch, and remaining server messages are new.
func (e *Engine) Diff(local []Stub, more bool) (Result, error) {
	var r Result
	if e.finished {
		return r, fmt.Errorf("diff after last batch")
	}
	for _, s := range local {
		if s.UID == 0 || s.UID <= e.lastUID {
			return Result{}, fmt.Errorf("local uids not ascending, uid %d after %d", s.UID, e.lastUID)
		}
		e.lastUID = s.UID

		for e.pos < len(e.all) && e.all[e.pos] < s.UID {
			e.remoteOnly(&r, e.all[e.pos])
			e.pos++
		}
		if e.pos >= len(e.all) || e.all[e.pos] != s.UID {
			// Only local, removed from the server.
			r.Deleted = append(r.Deleted, s.ID)
			continue
		}
		e.pos++
		if e.deleted.Find(s.UID) {
			r.Deleted = append(r.Deleted, s.ID)
			continue
		}
		if flags := e.serverFlags(s.UID); flags != s.Flags {
			r.Modified = append(r.Modified, FlagChange{s, flags})
		}
	}
	if !more {
		e.finished = true
		for ; e.pos < len(e.all); e.pos++ {
			e.remoteOnly(&r, e.all[e.pos])
		}
	}
	return r, nil
}

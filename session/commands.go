package session

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/mjl-/mailsync/cmdq"
	"github.com/mjl-/mailsync/imapclient"
	"github.com/mjl-/mailsync/metrics"
	"github.com/mjl-/mailsync/store"
	"github.com/mjl-/mailsync/syncdiff"
	"github.com/mjl-/mailsync/syncsession"
	"github.com/mjl-/mailsync/uidmap"
)

// command is a unit of work executed on the connection.
type command interface {
	cmdq.Command
	exec(s *Session) error
}

type listFolders struct{}

func (listFolders) Name() string            { return "listfolders" }
func (listFolders) Priority() cmdq.Priority { return cmdq.PriorityNormal }
func (listFolders) Identity() string        { return "listfolders" }

type syncFolder struct{ folderID int64 }

func (syncFolder) Name() string            { return "syncfolder" }
func (syncFolder) Priority() cmdq.Priority { return cmdq.PriorityNormal }
func (c syncFolder) Identity() string      { return fmt.Sprintf("sync/%d", c.folderID) }

type pushFlags struct{ folderID int64 }

func (pushFlags) Name() string            { return "pushflags" }
func (pushFlags) Priority() cmdq.Priority { return cmdq.PriorityNormal }
func (c pushFlags) Identity() string      { return fmt.Sprintf("push/%d", c.folderID) }

type fetchPart struct {
	folderID int64
	uid      uint32
	section  string
}

func (fetchPart) Name() string            { return "fetchpart" }
func (fetchPart) Priority() cmdq.Priority { return cmdq.PriorityHigh }
func (c fetchPart) Identity() string {
	return fmt.Sprintf("part/%d/%d/%s", c.folderID, c.uid, c.section)
}

type noop struct{}

func (noop) Name() string            { return "noop" }
func (noop) Priority() cmdq.Priority { return cmdq.PriorityLow }
func (noop) Identity() string        { return "noop" }

// execute runs cmd, which was returned by the queue. Only errors after which the
// connection cannot be used are returned, other errors only fail the command.
func (s *Session) execute(cmd cmdq.Command) error {
	s.holdReset()
	s.mu.Lock()
	s.running = cmd
	s.mu.Unlock()

	log := s.log.With(slog.String("command", cmd.Name()))
	log.Debug("executing command")
	t0 := time.Now()
	err := s.safeExec(cmd)

	s.mu.Lock()
	s.running = nil
	s.mu.Unlock()

	result := "ok"
	if err != nil {
		result = "error"
		log.Errorx("command failed", err, slog.Duration("duration", time.Since(t0)))
	} else {
		log.Debug("command done", slog.Duration("duration", time.Since(t0)))
	}
	metrics.CommandInc(cmd.Name(), result)

	_, qerr := s.q.Done(cmd, err)
	log.Check(qerr, "marking command done")
	s.checkChanged()
	s.endSyncs()
	if fatal(err) {
		return err
	}
	return nil
}

func (s *Session) safeExec(cmd cmdq.Command) (rerr error) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		s.log.Error("unhandled panic in command", slog.String("command", cmd.Name()), slog.Any("err", x))
		metrics.PanicInc(metrics.Session)
		rerr = fmt.Errorf("%w: %v", errPanic, x)
	}()

	c, ok := cmd.(command)
	if !ok {
		return fmt.Errorf("unknown command %T", cmd)
	}
	return c.exec(s)
}

// syncFor returns the active sync session of a folder command.
func (s *Session) syncFor(folderID int64) (*syncsession.Session, error) {
	ss := s.syncs[folderID]
	if ss == nil || ss.Phase() != syncsession.PhaseActive {
		return nil, fmt.Errorf("no active sync session for folder %d", folderID)
	}
	return ss, nil
}

// waiter calls its listeners when all of n sync commands have completed.
type waiter struct {
	n         int
	err       error
	listeners []func(err error)
}

func (w *waiter) done(err error) {
	if err != nil && w.err == nil {
		w.err = err
	}
	w.n--
	if w.n == 0 {
		for _, fn := range w.listeners {
			fn(w.err)
		}
	}
}

func (listFolders) exec(s *Session) error {
	l, err := s.conn.List()
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	var listed []store.Folder
	for _, e := range l {
		f := store.Folder{
			Name:       folderName(e.Mailbox),
			Attributes: e.Flags,
		}
		if e.Separator != 0 {
			f.Delimiter = string(rune(e.Separator))
		}
		listed = append(listed, f)
	}
	added, removed, err := s.db.FolderMerge(s.ctx, listed)
	if err != nil {
		return fmt.Errorf("storing folders: %w", err)
	}
	for _, f := range added {
		s.log.Info("new folder", slog.String("folder", f.Name))
	}
	for _, f := range removed {
		s.log.Info("folder removed", slog.String("folder", f.Name))
		if ss := s.syncs[f.ID]; ss != nil {
			if ss.Phase() == syncsession.PhaseNone {
				ss.Cancel(cmdq.CancelUnknown)
				delete(s.syncs, f.ID)
			} else {
				ss.Stop()
			}
		}
		if s.selected.ID == f.ID {
			s.selected = store.Folder{}
			s.sel = imapclient.SelectResult{}
			s.uids = nil
		}
	}

	folders, err := s.db.Folders(s.ctx)
	if err != nil {
		return fmt.Errorf("listing local folders: %w", err)
	}
	w := &waiter{listeners: s.listWaiters}
	s.listWaiters = nil
	for _, f := range folders {
		if f.Selectable() && s.wanted(f.Name) {
			w.n++
		}
	}
	if w.n == 0 {
		w.n = 1
		defer w.done(nil)
	}
	for _, f := range folders {
		if f.Selectable() && s.wanted(f.Name) {
			s.addFolderCommand(syncFolder{f.ID}, f.ID, w.done)
		}
	}

	s.setAlarm("sync", time.Now().Add(s.acc.SyncInterval), true)
	return nil
}

// selectFolder selects f if it isn't selected yet. If the server has a new
// UIDVALIDITY, the local messages of the folder are removed.
func (s *Session) selectFolder(f store.Folder, ss *syncsession.Session) error {
	if s.selected.ID == f.ID && s.uids != nil {
		return nil
	}
	// Changes seen in the previous folder must not get lost.
	s.checkChanged()

	sel, err := s.conn.Select(f.Name)
	if err != nil {
		return fmt.Errorf("select %q: %w", f.Name, err)
	}
	if f.UIDValidity != sel.UIDValidity {
		if f.UIDValidity != 0 {
			s.log.Info("uidvalidity changed, removing local messages", slog.String("folder", f.Name), slog.Any("old", f.UIDValidity), slog.Any("new", sel.UIDValidity))
		}
		rev, err := s.db.FolderReset(s.ctx, f.ID, sel.UIDValidity)
		if err != nil {
			return fmt.Errorf("resetting folder: %w", err)
		}
		if ss != nil {
			ss.WroteRevision(rev)
		}
	}
	nf, err := s.db.FolderByID(s.ctx, f.ID)
	if err != nil {
		return err
	}
	nf.UIDNext = sel.UIDNext
	nf.HighestModSeq = sel.HighestModSeq
	nf.Exists = sel.Exists
	if err := s.db.FolderUpdate(s.ctx, nf); err != nil {
		return fmt.Errorf("storing folder state: %w", err)
	}
	uids, err := uidmap.New(nil, sel.Exists, s.acc.MaxMessagesPerFolder)
	if err != nil {
		return err
	}
	s.selected = nf
	s.sel = sel
	s.uids = uids
	s.changed = false
	return nil
}

func (c syncFolder) exec(s *Session) error {
	ss, err := s.syncFor(c.folderID)
	if err != nil {
		return err
	}
	f, err := s.db.FolderByID(s.ctx, c.folderID)
	if err != nil {
		return err
	}
	if !f.Selectable() {
		return nil
	}
	if err := s.selectFolder(f, ss); err != nil {
		return err
	}
	log := s.log.With(slog.String("folder", f.Name))

	since := s.acc.SyncWindow(time.Now())
	crit := "ALL"
	if !since.IsZero() {
		crit = "SINCE " + since.Format("2-Jan-2006")
	}
	criteria := []string{crit}
	for _, k := range []string{"DELETED", "UNSEEN", "ANSWERED", "FLAGGED"} {
		if crit == "ALL" {
			criteria = append(criteria, k)
		} else {
			criteria = append(criteria, crit+" "+k)
		}
	}
	if crit != "ALL" {
		criteria = append(criteria, "ALL")
	}
	s.changed = false
	results, err := s.conn.UIDSearchMulti(criteria)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	remote := syncdiff.Remote{
		All:      results[0],
		Deleted:  results[1],
		Unseen:   results[2],
		Answered: results[3],
		Flagged:  results[4],
	}
	all := results[0]
	if len(results) > 5 {
		all = results[5]
	}

	engine := syncdiff.New(remote)
	var newUIDs []uint32
	var ndeleted, nmodified int
	var afterUID uint32
	for {
		stubs, more, err := s.db.Stubs(s.ctx, f.ID, since, afterUID, s.acc.HeaderBatchSize)
		if err != nil {
			return fmt.Errorf("reading local messages: %w", err)
		}
		r, err := engine.Diff(stubs, more)
		if err != nil {
			return err
		}
		if len(r.Deleted) > 0 {
			rev, n, err := s.db.EmailsDelete(s.ctx, r.Deleted)
			if err != nil {
				return fmt.Errorf("removing messages: %w", err)
			}
			ss.WroteRevision(rev)
			ndeleted += n
		}
		if len(r.Modified) > 0 {
			wl, err := s.db.EmailsSetFlags(s.ctx, r.Modified)
			if err != nil {
				return fmt.Errorf("updating flags: %w", err)
			}
			ss.Wrote(wl...)
			nmodified += len(wl)
		}
		newUIDs = append(newUIDs, r.New...)
		if !more {
			break
		}
		afterUID = stubs[len(stubs)-1].UID
	}

	if limit := s.acc.MaxMessagesPerFolder; limit > 0 && len(newUIDs) > limit {
		newUIDs = newUIDs[len(newUIDs)-limit:]
	}
	var nnew int
	for end := len(newUIDs); end > 0; {
		start := max(end-s.acc.HeaderBatchSize, 0)
		batch := newUIDs[start:end]
		end = start

		n, err := s.fetchHeaders(ss, f, batch)
		if err != nil {
			return err
		}
		nnew += n
	}

	rev, nevicted, err := s.db.EvictOldest(s.ctx, f.ID, s.acc.MaxMessagesPerFolder)
	if err != nil {
		return fmt.Errorf("evicting old messages: %w", err)
	}
	ss.WroteRevision(rev)

	count := max(s.uids.Count(), uint32(len(all)))
	if uids, err := uidmap.New(all, count, s.acc.MaxMessagesPerFolder); err != nil {
		log.Debugx("rebuilding uid map", err)
	} else {
		s.uids = uids
	}

	nf, err := s.db.FolderByID(s.ctx, f.ID)
	if err != nil {
		return err
	}
	nf.Exists = count
	if len(all) > 0 && all[len(all)-1] >= nf.UIDNext {
		nf.UIDNext = all[len(all)-1] + 1
	}
	if err := s.db.FolderUpdate(s.ctx, nf); err != nil {
		return fmt.Errorf("storing folder state: %w", err)
	}
	s.selected = nf

	metrics.SyncMessagesAdd("new", nnew)
	metrics.SyncMessagesAdd("deleted", ndeleted)
	metrics.SyncMessagesAdd("flags", nmodified)
	metrics.SyncMessagesAdd("evicted", nevicted)
	log.Info("folder synchronized", slog.Int("new", nnew), slog.Int("deleted", ndeleted), slog.Int("flags", nmodified), slog.Int("evicted", nevicted))
	return nil
}

// fetchHeaders fetches and stores the summaries of messages uids.
func (s *Session) fetchHeaders(ss *syncsession.Session, f store.Folder, uids []uint32) (int, error) {
	l, err := s.conn.UIDFetch(imapclient.NumSetFrom(uids...), "UID FLAGS INTERNALDATE RFC822.SIZE ENVELOPE")
	if err != nil {
		return 0, fmt.Errorf("fetch: %w", err)
	}
	var emails []store.Email
	for _, fr := range l {
		uid := fr.UID()
		// Servers may send fetch responses for other messages, e.g. flag changes.
		if _, ok := slices.BinarySearch(uids, uid); !ok {
			continue
		}
		if err := s.uids.SetMsgUID(fr.Seq, uid); err != nil {
			s.log.Debugx("recording uid", err, slog.Any("seq", fr.Seq), slog.Any("uid", uid))
		}
		emails = append(emails, emailFromFetch(fr))
	}
	results, err := s.db.EmailsCreate(s.ctx, f.ID, emails)
	if err != nil {
		return 0, fmt.Errorf("storing messages: %w", err)
	}
	ss.Wrote(results...)
	return len(results), nil
}

func emailFromFetch(fr imapclient.UntaggedFetch) store.Email {
	e := store.Email{UID: fr.UID()}
	for _, a := range fr.Attrs {
		switch x := a.(type) {
		case imapclient.FetchFlags:
			e.Seen = x.Has(`\Seen`)
			e.Answered = x.Has(`\Answered`)
			e.Flagged = x.Has(`\Flagged`)
		case imapclient.FetchInternalDate:
			e.Date = x.Date
		case imapclient.FetchRFC822Size:
			e.Size = int64(x)
		case imapclient.FetchEnvelope:
			e.Subject = x.Subject
			e.MessageID = x.MessageID
			if len(x.From) > 0 {
				e.From = x.From[0].String()
			}
			for _, addr := range x.To {
				e.To = append(e.To, addr.String())
			}
		}
	}
	return e
}

func (c pushFlags) exec(s *Session) error {
	ss, err := s.syncFor(c.folderID)
	if err != nil {
		return err
	}
	rev, err := s.db.Revision(s.ctx)
	if err != nil {
		return err
	}
	changes, err := s.db.ChangedSince(s.ctx, c.folderID, ss.LastSyncRevision())
	if err != nil {
		return err
	}
	edits, err := s.db.LocalEdits(s.ctx, c.folderID)
	if err != nil {
		return err
	}

	if len(edits) > 0 {
		f, err := s.db.FolderByID(s.ctx, c.folderID)
		if err != nil {
			return err
		}
		if err := s.selectFolder(f, ss); err != nil {
			return err
		}
		if err := s.storeFlags(edits); err != nil {
			return err
		}
		results, err := s.db.ClearLocalEdits(s.ctx, edits)
		if err != nil {
			return fmt.Errorf("clearing local edits: %w", err)
		}
		ss.Wrote(results...)
	}

	for _, e := range changes {
		ss.Examined(e.Revision)
	}
	for _, e := range edits {
		ss.Examined(e.Revision)
	}
	ss.RequestRevision(rev)
	metrics.SyncMessagesAdd("pushed", len(edits))
	if len(edits) > 0 {
		s.log.Info("stored local flag changes", slog.Int64("folderid", c.folderID), slog.Int("messages", len(edits)))
	}
	return nil
}

// storeFlags sets the flags of edited messages on the server, with one UID STORE
// per flag and operation.
func (s *Session) storeFlags(edits []store.Email) error {
	flags := []struct {
		name string
		get  func(e store.Email) bool
	}{
		{`\Seen`, func(e store.Email) bool { return e.Seen }},
		{`\Answered`, func(e store.Email) bool { return e.Answered }},
		{`\Flagged`, func(e store.Email) bool { return e.Flagged }},
	}
	for _, fl := range flags {
		var set, clear []uint32
		for _, e := range edits {
			if fl.get(e) {
				set = append(set, e.UID)
			} else {
				clear = append(clear, e.UID)
			}
		}
		if len(set) > 0 {
			if err := s.conn.UIDStore(imapclient.NumSetFrom(set...), "+FLAGS.SILENT", fl.name); err != nil {
				return fmt.Errorf("store %s: %w", fl.name, err)
			}
		}
		if len(clear) > 0 {
			if err := s.conn.UIDStore(imapclient.NumSetFrom(clear...), "-FLAGS.SILENT", fl.name); err != nil {
				return fmt.Errorf("store %s: %w", fl.name, err)
			}
		}
	}
	return nil
}

func (c fetchPart) exec(s *Session) error {
	if s.db.HasPart(c.folderID, c.uid, c.section) {
		return nil
	}
	f, err := s.db.FolderByID(s.ctx, c.folderID)
	if err != nil {
		return err
	}
	if err := s.selectFolder(f, nil); err != nil {
		return err
	}
	pf, err := s.db.CreatePart(c.folderID, c.uid, c.section, s.acc.MaxPartSize)
	if err != nil {
		return fmt.Errorf("creating part file: %w", err)
	}
	n, err := s.conn.UIDFetchSection(c.uid, c.section, pf, s.acc.Timeouts.Inactivity)
	if err != nil {
		pf.Abort()
		return fmt.Errorf("fetching section: %w", err)
	} else if n == 0 {
		pf.Abort()
		return errNoSection
	}
	if err := pf.Commit(); err != nil {
		return err
	}
	s.log.Debug("part fetched", slog.Int64("folderid", c.folderID), slog.Any("uid", c.uid), slog.String("section", c.section), slog.Int64("size", n))
	return nil
}

var errNoSection = errors.New("message or section not found")

func (noop) exec(s *Session) error {
	return s.conn.Noop()
}

// unsolicited handles untagged responses that are not part of a command, e.g.
// new messages and expunges while idling.
func (s *Session) unsolicited(p *imapclient.Pipeline, line string) error {
	return p.ReadResponse(line, func(resp string) error {
		ut, err := imapclient.ParseUntagged(resp)
		if err != nil {
			return err
		}
		switch x := ut.(type) {
		case imapclient.UntaggedExists:
			if s.uids != nil && s.uids.Exists(uint32(x)) > 0 {
				s.noteChange()
			}
		case imapclient.UntaggedExpunge:
			if s.uids != nil {
				if err := s.uids.Remove(uint32(x)); err != nil {
					s.log.Debugx("processing expunge", err)
				}
				s.noteChange()
			}
		case imapclient.UntaggedFetch:
			if s.uids != nil {
				if uid := x.UID(); uid != 0 {
					if err := s.uids.SetMsgUID(x.Seq, uid); err != nil {
						s.log.Debugx("processing fetch", err)
					}
				}
			}
			if _, ok := x.Flags(); ok {
				s.noteChange()
			}
		case imapclient.UntaggedBye:
			s.log.Info("server closing connection", slog.String("text", x.Text))
		default:
			s.log.Debug("unsolicited response", slog.Any("untagged", ut))
		}
		return nil
	})
}

// noteChange marks the selected folder for synchronization, and ends a running
// IDLE so it happens soon.
func (s *Session) noteChange() {
	if s.selected.ID == 0 {
		return
	}
	s.changed = true
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	if idle != nil {
		s.log.Check(idle.Done(), "ending idle for change")
	}
}

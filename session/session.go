/*
Package session keeps an account synchronized over a single IMAP connection.

A Session runs a goroutine that owns the connection. It connects when there is
work to do, or always when the account has push enabled, and moves through the
connection setup states: resolving the server, connecting, TLS, login,
capabilities, compression and selecting the inbox. In state OkToSync, commands
are executed one at a time from the command queue. Commands for a folder are
grouped in a sync session per folder. When no commands are left, a push account
idles (IDLE, or NOOP polling if the server has no IDLE), other accounts log
out until the next scheduled sync.

Requests from other goroutines, e.g. the control API or alarms, are passed to
the session goroutine. Wake-ups (keepalive, periodic sync, retry after failure,
pushing local flag changes) are alarm registrations named "<account>/<kind>".

Failures are classified. Network and protocol errors cause a disconnect and a
retry with backoff. Authentication and configuration errors are stored in the
account status, and are not retried until requested.
*/
package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	mathrand "math/rand"
	"net"
	"runtime/debug"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/mjl-/adns"

	"github.com/mjl-/mailsync/alarm"
	"github.com/mjl-/mailsync/cmdq"
	"github.com/mjl-/mailsync/config"
	"github.com/mjl-/mailsync/imapclient"
	"github.com/mjl-/mailsync/metrics"
	"github.com/mjl-/mailsync/mlog"
	"github.com/mjl-/mailsync/mox-"
	"github.com/mjl-/mailsync/store"
	"github.com/mjl-/mailsync/syncsession"
	"github.com/mjl-/mailsync/uidmap"
)

// Time a session can spend in a state with network activity, or on a single
// command, before the connection is closed.
var holdTimeout = 10 * time.Minute

// Resolver looks up the IP addresses of the server.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, adns.Result, error)
}

// Opts are optional parameters for a session.
type Opts struct {
	// Defaults to an adns resolver, using the DNSResolver from the account config if
	// set.
	Resolver Resolver

	// Dial makes the TCP connection. Defaults to a net.Dialer.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)

	// Cloned for TLS connections, e.g. for custom root CAs.
	TLSConfig *tls.Config
}

// Status is a snapshot of the state of a session.
type Status struct {
	Account    string
	State      string
	Connected  bool
	Compressed bool
	Retries    int
	RetryAt    time.Time // Zero if no retry is scheduled.
	Running    string    // Name of the running command.
	Pending    []string  // Names of queued commands.
	Syncing    []string  // Folders with an active sync session.
	Error      string    // Last session error, if any.
}

// Session synchronizes one account.
type Session struct {
	Name string

	log    mlog.Log
	ctx    context.Context
	acc    config.Account
	db     *store.DB
	alarms *alarm.Registry
	opts   Opts
	rand   *mathrand.Rand

	q *cmdq.Queue

	// Fields below are only accessed from the session goroutine, or written from it
	// with mu held.
	syncs        map[int64]*syncsession.Session
	syncErrs     map[int64]error // From the last ended sync session of a folder.
	listWaiters  []func(err error)
	conn         *imapclient.Conn
	nc           net.Conn // Registered with mox.Connections.
	selected     store.Folder
	sel          imapclient.SelectResult
	uids         *uidmap.Map
	changed      bool // Unsolicited changes in the selected folder.
	established  bool // Reached OkToSync on the current connection.
	idleTimedOut bool // An IDLE ended in a timeout, the next connection polls.
	pollOnly     bool // Poll with NOOP instead of IDLE on the current connection.

	wake     chan struct{}
	stopc    chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu         sync.Mutex
	state      State
	requests   []func()
	idle       *imapclient.Idle
	running    cmdq.Command
	connected  bool
	compressed bool
	retries    int
	retryAt    time.Time
	keepalive  bool
	lastErr    error
	syncing    map[int64]string
	stopped    bool
	deleted    bool
	hold       *time.Timer
}

// New returns a session for account name. The session does nothing until
// Start is called.
func New(ctx context.Context, log mlog.Log, name string, acc config.Account, db *store.DB, alarms *alarm.Registry, opts Opts) *Session {
	acc.Defaults()
	if opts.Resolver == nil {
		opts.Resolver = newResolver(acc.DNSResolver)
	}
	if opts.Dial == nil {
		opts.Dial = (&net.Dialer{}).DialContext
	}
	s := &Session{
		Name:     name,
		log:      log.With(slog.String("account", name)),
		ctx:      ctx,
		acc:      acc,
		db:       db,
		alarms:   alarms,
		opts:     opts,
		rand:     mox.NewRand(),
		q:        cmdq.New(),
		syncs:    map[int64]*syncsession.Session{},
		syncErrs: map[int64]error{},
		wake:     make(chan struct{}, 1),
		stopc:    make(chan struct{}),
		done:     make(chan struct{}),
		syncing:  map[int64]string{},
	}
	db.Subscribe(func(c store.Change) {
		if c.Local {
			alarms.Changed(name, c.FolderID, c.Revision)
		}
	})
	return s
}

func newResolver(addr string) Resolver {
	r := &adns.Resolver{}
	if addr != "" {
		r.PreferGo = true
		r.Dial = func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		}
	}
	return r
}

// Start takes over the alarm registrations of the account from a previous run,
// queues an initial sync of all folders and starts the session goroutine.
func (s *Session) Start() {
	s.setState(StateNeedsConnection)
	for _, reg := range s.alarms.Adopt(s.Name + "/") {
		// Keep backing off after a restart.
		if reg.Handler == "retry" && reg.At.After(time.Now()) {
			s.mu.Lock()
			s.retryAt = reg.At
			s.retries = 1
			s.mu.Unlock()
		}
	}
	s.SyncAll(nil)
	go s.run()
}

// Done returns a channel that is closed when the session goroutine has stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// DB returns the local store of the account.
func (s *Session) DB() *store.DB {
	return s.db
}

// Stop ends the session: sync sessions are ended, queued commands canceled, and
// the connection is logged out. A running part fetch is aborted by closing the
// connection, other running commands finish first. Stop does not wait, use Done.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		idle := s.idle
		conn := s.conn
		running := s.running
		s.mu.Unlock()

		close(s.stopc)
		if idle != nil {
			s.log.Check(idle.Done(), "ending idle for stop")
		}
		if _, ok := running.(fetchPart); ok && conn != nil {
			s.log.Info("aborting part fetch for stop")
			s.log.Check(conn.Close(), "closing connection")
		}
	})
}

// Remove stops the session because the account was removed. Queued commands
// fail with cmdq.CancelNoAccount and the alarms of the account are canceled.
func (s *Session) Remove() {
	s.mu.Lock()
	s.deleted = true
	s.mu.Unlock()
	s.Stop()
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Account:    s.Name,
		State:      s.state.String(),
		Connected:  s.connected,
		Compressed: s.compressed,
		Retries:    s.retries,
		RetryAt:    s.retryAt,
		Pending:    s.q.Pending(),
	}
	if s.running != nil {
		st.Running = s.running.Name()
	}
	for _, name := range s.syncing {
		st.Syncing = append(st.Syncing, name)
	}
	sort.Strings(st.Syncing)
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
	}
	return st
}

// SyncAll refreshes the folder list and synchronizes all folders that are
// configured for synchronization. Done, if not nil, is called when all folders
// have been synchronized, with the first error.
func (s *Session) SyncAll(done func(err error)) {
	s.do(func() {
		s.syncAll(done)
	})
}

// SyncFolder synchronizes the folder with name, which must be known from an
// earlier folder listing.
func (s *Session) SyncFolder(name string, done func(err error)) {
	s.do(func() {
		f, err := s.db.FolderByName(s.ctx, folderName(name))
		if err != nil {
			if done != nil {
				done(err)
			}
			return
		}
		s.addFolderCommand(syncFolder{f.ID}, f.ID, done)
	})
}

// PushFlags stores the local flag changes of a folder on the server.
func (s *Session) PushFlags(folderID int64) {
	s.do(func() {
		s.addFolderCommand(pushFlags{folderID}, folderID, nil)
	})
}

// FetchPart fetches a body section of a message into the part cache. Done is
// called with the path of the cached section. Concurrent requests for the same
// section are merged.
func (s *Session) FetchPart(folderID int64, uid uint32, section string, done func(path string, err error)) {
	s.do(func() {
		s.addCommand(fetchPart{folderID, uid, section}, func(err error) {
			if done == nil {
				return
			} else if err != nil {
				done("", err)
			} else {
				done(s.db.PartPath(folderID, uid, section), nil)
			}
		})
	})
}

// Retry clears a pending retry delay or an authentication failure, and
// synchronizes all folders.
func (s *Session) Retry() {
	s.do(func() {
		s.mu.Lock()
		s.retryAt = time.Time{}
		s.mu.Unlock()
		_, err := s.alarms.Cancel(s.ctx, s.alarmName("retry"))
		s.log.Check(err, "canceling retry alarm")
		if s.State().final() && !s.isStopped() {
			s.setState(StateNeedsConnection)
		}
		s.syncAll(nil)
	})
}

// retryNow is called by the retry alarm.
func (s *Session) retryNow() {
	s.do(func() {
		s.mu.Lock()
		s.retryAt = time.Time{}
		s.mu.Unlock()
		s.syncAll(nil)
	})
}

// keepaliveDue is called by the idle alarm. A running IDLE is ended, it is
// restarted after processing any changes. Without IDLE, a NOOP is queued.
func (s *Session) keepaliveDue() {
	s.mu.Lock()
	idle := s.idle
	if idle == nil {
		s.keepalive = true
	}
	s.mu.Unlock()
	if idle != nil {
		s.log.Check(idle.Done(), "ending idle for keepalive")
	}
	s.kick()
}

// do schedules fn to run on the session goroutine.
func (s *Session) do(fn func()) {
	s.mu.Lock()
	s.requests = append(s.requests, fn)
	idle := s.idle
	s.mu.Unlock()
	if idle != nil {
		s.log.Check(idle.Done(), "ending idle for request")
	}
	s.kick()
}

func (s *Session) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) wait() {
	select {
	case <-s.wake:
	case <-s.stopc:
	}
}

func (s *Session) isStopped() bool {
	select {
	case <-s.stopc:
		return true
	default:
		return false
	}
}

func (s *Session) processRequests() {
	s.mu.Lock()
	l := s.requests
	s.requests = nil
	s.mu.Unlock()
	for _, fn := range l {
		fn()
	}
}

func (s *Session) retryPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.retryAt.IsZero() && time.Now().Before(s.retryAt)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	old := s.state
	s.state = st
	s.mu.Unlock()
	if old == st {
		return
	}
	s.log.Debug("session state", slog.Any("from", old), slog.Any("to", st))
	metrics.SessionStateInc(st.String())
	if st.network() {
		s.holdReset()
	} else {
		s.holdRelease()
	}
}

// holdReset (re)starts the activity timer. If it expires, the session is stuck,
// e.g. on a server that stopped responding without closing the connection.
func (s *Session) holdReset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hold != nil {
		s.hold.Stop()
	}
	st := s.state
	s.hold = time.AfterFunc(holdTimeout, func() {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		s.log.Error("session stuck, closing connection", slog.Any("state", st))
		if conn != nil {
			s.log.Check(conn.Close(), "closing stuck connection")
		}
	})
}

func (s *Session) holdRelease() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hold != nil {
		s.hold.Stop()
		s.hold = nil
	}
}

func (s *Session) alarmName(kind string) string {
	return s.Name + "/" + kind
}

func (s *Session) setAlarm(kind string, at time.Time, persistent bool) {
	reg := alarm.Registration{
		Name:       s.alarmName(kind),
		Handler:    kind,
		Account:    s.Name,
		At:         at,
		Persistent: persistent,
	}
	err := s.alarms.Set(s.ctx, reg)
	s.log.Check(err, "setting alarm", slog.String("kind", kind))
}

func (s *Session) cancelAlarm(kind string) {
	_, err := s.alarms.Cancel(s.ctx, s.alarmName(kind))
	s.log.Check(err, "canceling alarm", slog.String("kind", kind))
}

func (s *Session) run() {
	defer close(s.done)
	defer s.holdRelease()
	for {
		done, err := s.step()
		if err != nil {
			s.fail(err)
		}
		if done {
			return
		}
	}
}

// step does one unit of work: connecting, executing a command, or idling.
func (s *Session) step() (done bool, rerr error) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		s.log.Error("unhandled panic in session", slog.Any("err", x))
		debug.PrintStack()
		metrics.PanicInc(metrics.Session)
		rerr = fmt.Errorf("%w: %v", errPanic, x)
	}()

	s.processRequests()
	if s.isStopped() {
		s.shutdown()
		return true, nil
	}

	if s.State().final() {
		s.cancelAll(cmdq.CancelNoConnection)
		s.wait()
		return false, nil
	}

	if s.conn == nil {
		if !s.hasWork() && !s.acc.Push || s.retryPending() {
			s.setState(StateNeedsConnection)
			s.wait()
			return false, nil
		}
		if err := s.connect(); err != nil {
			return false, err
		}
		s.established = true
		s.pollOnly = s.idleTimedOut
		s.idleTimedOut = false
		s.setState(StateOkToSync)
		s.q.Activate()
		s.startSyncs()
		return false, nil
	}

	s.checkChanged()
	if cmd := s.q.Next(); cmd != nil {
		return false, s.execute(cmd)
	}
	if s.startSyncs() > 0 {
		return false, nil
	}

	if !s.acc.Push {
		s.logout()
		return false, nil
	}
	return false, s.idleWait()
}

func (s *Session) hasWork() bool {
	if waiting, ready := s.q.Len(); waiting+ready > 0 {
		return true
	}
	for _, ss := range s.syncs {
		if ss.Pending() {
			return true
		}
	}
	return false
}

// fail handles a session failure: the connection is closed, and depending on the
// kind of error, a retry is scheduled.
func (s *Session) fail(err error) {
	kind := Classify(err)
	st := s.State()
	s.log.Errorx("session failed", err, slog.String("kind", string(kind)), slog.Any("state", st))
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.log.Check(s.db.SetError(s.ctx, string(kind), err.Error()), "storing account error")

	wasEstablished := s.established
	if kind.Retry() {
		s.teardown(cmdq.CancelNoConnection)
	} else {
		s.failListWaiters(err)
		s.cancelAll(cmdq.CancelNoConnection)
		s.teardown(cmdq.CancelNoConnection)
	}
	if s.isStopped() {
		return
	}

	switch kind {
	case ErrorAuth:
		s.setState(StateInvalidCredentials)
		return
	case ErrorConfig:
		return
	}

	s.mu.Lock()
	s.retries++
	n := s.retries
	s.mu.Unlock()
	metrics.RetryInc(string(kind))
	if wasEstablished && n == 1 && s.acc.Push {
		// A working connection broke, e.g. by a network change. Reconnect immediately.
		s.log.Info("reconnecting")
		s.syncAll(nil)
		return
	}
	d := mox.Jitter(s.rand, s.acc.Retry.Delay(n), 0.1)
	at := time.Now().Add(d)
	s.log.Info("scheduling retry", slog.Int("attempt", n), slog.Duration("delay", d))
	s.mu.Lock()
	s.retryAt = at
	s.mu.Unlock()
	s.setAlarm("retry", at, true)
}

// teardown ends the sync sessions, cancels the queued commands and closes the
// connection.
func (s *Session) teardown(t cmdq.CancelType) {
	s.q.Pause()
	s.q.Cancel(t)
	s.endSyncSessions(true)
	s.cancelAlarm("idle")
	s.disconnect()
}

// cancelAll cancels all commands, including those held by sync sessions that
// have not started.
func (s *Session) cancelAll(t cmdq.CancelType) {
	s.q.Cancel(t)
	for id, ss := range s.syncs {
		if ss.Phase() == syncsession.PhaseNone {
			ss.Cancel(t)
			delete(s.syncs, id)
		}
	}
	s.failListWaiters(cmdq.CancelError{Type: t})
}

func (s *Session) failListWaiters(err error) {
	l := s.listWaiters
	s.listWaiters = nil
	for _, fn := range l {
		fn(err)
	}
}

// endSyncSessions ends all active sync sessions, without restarting if stop is
// set.
func (s *Session) endSyncSessions(stop bool) {
	for _, ss := range s.syncs {
		if ss.Phase() == syncsession.PhaseNone {
			continue
		}
		if stop {
			ss.Stop()
		}
		_, err := ss.End(s.ctx)
		s.log.Check(err, "ending sync session", slog.Int64("folderid", ss.FolderID))
	}
}

func (s *Session) disconnect() {
	if s.conn == nil {
		return
	}
	s.setState(StateDisconnecting)
	err := s.conn.Close()
	s.log.Check(err, "closing connection")
	mox.Connections.Unregister(s.nc)

	s.setState(StateCleanup)
	s.mu.Lock()
	s.conn = nil
	s.connected = false
	s.compressed = false
	s.idle = nil
	s.mu.Unlock()
	s.nc = nil
	s.selected = store.Folder{}
	s.sel = imapclient.SelectResult{}
	s.uids = nil
	s.changed = false
	s.established = false
	s.pollOnly = false
	s.setState(StateNeedsConnection)
}

// logout ends a connection without pending work.
func (s *Session) logout() {
	s.setState(StateLoggingOut)
	s.q.Pause()
	s.endSyncSessions(false)
	s.conn.CommandTimeout = s.acc.Timeouts.Command
	err := s.conn.Logout()
	s.log.Check(err, "logout")
	s.disconnect()
}

// shutdown is the end of the session goroutine after Stop.
func (s *Session) shutdown() {
	s.mu.Lock()
	deleted := s.deleted
	s.mu.Unlock()
	t := cmdq.CancelShutdown
	if deleted {
		t = cmdq.CancelNoAccount
	}

	s.endSyncSessions(true)
	s.q.Pause()
	s.cancelAll(t)
	s.cancelAlarm("idle")
	if s.conn != nil {
		s.logout()
	}
	if deleted {
		for _, reg := range s.alarms.Adopt(s.Name + "/") {
			_, err := s.alarms.Cancel(s.ctx, reg.Name)
			s.log.Check(err, "canceling alarm of removed account")
		}
		s.setState(StateAccountDeleted)
	} else {
		s.setState(StateNeedsConnection)
	}
	s.log.Debug("session stopped")
}

func (s *Session) syncAll(done func(err error)) {
	if done != nil {
		s.listWaiters = append(s.listWaiters, done)
	}
	s.addCommand(listFolders{}, func(err error) {
		if err != nil {
			s.failListWaiters(err)
		}
	})
}

func (s *Session) addCommand(cmd command, done func(err error)) {
	state, merged := s.q.Add(cmd, done)
	s.log.Debug("command added", slog.String("command", cmd.Name()), slog.Any("state", state), slog.Bool("merged", merged))
	s.kick()
}

// addFolderCommand adds a command through the sync session of a folder.
func (s *Session) addFolderCommand(cmd command, folderID int64, done func(err error)) {
	ss := s.syncSession(folderID)
	released := ss.Add(s.q, cmd, done)
	s.log.Debug("folder command added", slog.String("command", cmd.Name()), slog.Bool("released", released))
	if !released && ss.Phase() == syncsession.PhaseNone && s.conn != nil && s.q.Active() {
		s.startSync(ss)
	}
	s.kick()
}

func (s *Session) syncSession(folderID int64) *syncsession.Session {
	if ss := s.syncs[folderID]; ss != nil {
		return ss
	}
	pushName := fmt.Sprintf("%s/push/%d", s.Name, folderID)
	var ss *syncsession.Session
	hooks := syncsession.Hooks{
		Started: func(f store.Folder) {
			s.mu.Lock()
			s.syncing[f.ID] = f.Name
			s.mu.Unlock()
		},
		Adopt: func(f store.Folder) {
			// The push trigger is replaced when the session ends, with the new sync revision.
			ss.Register(pushName)
		},
		Clear: func(names []string) {
			for _, name := range names {
				_, err := s.alarms.Cancel(s.ctx, name)
				s.log.Check(err, "clearing sync session alarm", slog.String("name", name))
			}
		},
		Ended: func(f store.Folder, err error) {
			s.mu.Lock()
			delete(s.syncing, f.ID)
			s.mu.Unlock()
			s.syncErrs[folderID] = err
			if err == nil {
				s.log.Check(s.db.MarkSync(s.ctx, time.Now()), "marking sync")
			}
			if s.isStopped() {
				return
			}
			reg := alarm.Registration{
				Name:          pushName,
				Handler:       "push",
				Account:       s.Name,
				FolderID:      folderID,
				AfterRevision: f.LastSyncRevision,
			}
			s.log.Check(s.alarms.Set(s.ctx, reg), "setting push trigger")
		},
	}
	ss = syncsession.New(s.log, s.db, folderID, hooks)
	s.syncs[folderID] = ss
	return ss
}

func (s *Session) startSync(ss *syncsession.Session) {
	if err := ss.Start(s.ctx); err != nil {
		s.log.Errorx("starting sync session", err, slog.Int64("folderid", ss.FolderID))
		_, err := ss.End(s.ctx)
		s.log.Check(err, "ending sync session after failed start")
		delete(s.syncs, ss.FolderID)
		return
	}
	_, err := ss.Activate(s.q)
	s.log.Check(err, "activating sync session")
}

// startSyncs starts the sync sessions with held commands, returning how many.
func (s *Session) startSyncs() int {
	var n int
	for _, ss := range s.syncs {
		if ss.Phase() == syncsession.PhaseNone && ss.Pending() {
			s.startSync(ss)
			n++
		}
	}
	return n
}

// endSyncs ends the active sync sessions without outstanding commands. A session
// that found local changes it did not examine is restarted to push them, unless
// it failed.
func (s *Session) endSyncs() {
	for id, ss := range s.syncs {
		if ss.Phase() != syncsession.PhaseActive || ss.Pending() {
			continue
		}
		restart, err := ss.End(s.ctx)
		s.log.Check(err, "ending sync session", slog.Int64("folderid", id))
		if !restart {
			continue
		}
		if !ss.Pending() && s.syncErrs[id] == nil {
			ss.Add(s.q, pushFlags{id}, nil)
		}
		if ss.Pending() && s.conn != nil {
			s.startSync(ss)
		}
	}
}

// checkChanged queues a sync of the selected folder after unsolicited changes.
func (s *Session) checkChanged() {
	if !s.changed || s.selected.ID == 0 {
		return
	}
	s.changed = false
	s.addFolderCommand(syncFolder{s.selected.ID}, s.selected.ID, nil)
}

// wanted returns whether folder name is synchronized.
func (s *Session) wanted(name string) bool {
	return name == "INBOX" || len(s.acc.Folders) == 0 || slices.Contains(s.acc.Folders, name)
}

// folderName normalizes a folder name as received from the server.
func folderName(s string) string {
	s = norm.NFC.String(s)
	if strings.EqualFold(s, "INBOX") {
		return "INBOX"
	}
	return s
}

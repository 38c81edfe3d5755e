package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mjl-/mailsync/alarm"
	"github.com/mjl-/mailsync/config"
	"github.com/mjl-/mailsync/mlog"
	"github.com/mjl-/mailsync/store"
)

// Manager holds the sessions of all accounts and dispatches alarms to them.
type Manager struct {
	ctx    context.Context
	log    mlog.Log
	alarms *alarm.Registry

	sync.Mutex
	sessions map[string]*Session
}

// NewManager returns a manager that registers the alarm handlers for sessions.
// Alarms restored from a previous run are only armed by Restore after the
// sessions have been added.
func NewManager(ctx context.Context, log mlog.Log, alarms *alarm.Registry) *Manager {
	m := &Manager{
		ctx:      ctx,
		log:      log,
		alarms:   alarms,
		sessions: map[string]*Session{},
	}
	handle := func(name string, fn func(s *Session, reg alarm.Registration)) {
		alarms.Handle(name, func(reg alarm.Registration) {
			s := m.Session(reg.Account)
			if s == nil {
				m.log.Debug("alarm for unknown account", slog.String("alarm", reg.Name), slog.String("account", reg.Account))
				return
			}
			fn(s, reg)
		})
	}
	handle("idle", func(s *Session, reg alarm.Registration) { s.keepaliveDue() })
	handle("sync", func(s *Session, reg alarm.Registration) { s.SyncAll(nil) })
	handle("retry", func(s *Session, reg alarm.Registration) { s.retryNow() })
	handle("push", func(s *Session, reg alarm.Registration) { s.PushFlags(reg.FolderID) })
	return m
}

// Add starts a session for account name.
func (m *Manager) Add(name string, acc config.Account, db *store.DB, opts Opts) (*Session, error) {
	m.Lock()
	defer m.Unlock()
	if _, ok := m.sessions[name]; ok {
		return nil, fmt.Errorf("session for account %q already exists", name)
	}
	s := New(m.ctx, m.log, name, acc, db, m.alarms, opts)
	m.sessions[name] = s
	s.Start()
	return s, nil
}

// Session returns the session for account name, or nil.
func (m *Manager) Session(name string) *Session {
	m.Lock()
	defer m.Unlock()
	return m.sessions[name]
}

// Names returns the account names, sorted.
func (m *Manager) Names() []string {
	m.Lock()
	defer m.Unlock()
	var l []string
	for name := range m.sessions {
		l = append(l, name)
	}
	sort.Strings(l)
	return l
}

// Remove stops the session of an account that was removed, and cancels its
// pending commands and alarms.
func (m *Manager) Remove(name string) error {
	m.Lock()
	s := m.sessions[name]
	delete(m.sessions, name)
	m.Unlock()
	if s == nil {
		return fmt.Errorf("no session for account %q", name)
	}
	s.Remove()
	<-s.Done()
	return nil
}

// Stop stops all sessions and waits until they are done.
func (m *Manager) Stop() {
	m.Lock()
	var l []*Session
	for _, s := range m.sessions {
		l = append(l, s)
	}
	m.Unlock()
	for _, s := range l {
		s.Stop()
	}
	for _, s := range l {
		<-s.Done()
	}
}

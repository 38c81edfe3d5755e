package session

import (
	"log/slog"
	"time"

	"github.com/mjl-/mailsync/imapclient"
	"github.com/mjl-/mailsync/moxio"
)

// idleWait waits for changes on the server or new requests, with the inbox
// selected. With IDLE, the server notifies us. Without, or when an IDLE on the
// previous connection timed out, a NOOP is sent at the keepalive interval.
//
// The command queue is paused while idling, commands added in the meantime are
// made ready when the wait ends.
func (s *Session) idleWait() (rerr error) {
	s.setState(StatePreparingToIdle)
	s.q.Pause()
	defer func() {
		if rerr == nil {
			s.q.Activate()
		}
	}()
	if s.selected.Name != "INBOX" {
		f, err := s.db.FolderByName(s.ctx, "INBOX")
		if err == nil {
			if err := s.selectFolder(f, nil); err != nil {
				return err
			}
		} else {
			s.log.Debugx("no inbox to select for idle", err)
		}
	}
	ka := s.acc.Timeouts.KeepAliveInterval()

	if !s.conn.Caps.Has(imapclient.CapIdle) || s.pollOnly {
		return s.poll(ka)
	}

	idle, err := s.conn.IdleStart(ka + s.acc.Timeouts.Inactivity)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.idle = idle
	pending := len(s.requests) > 0 || s.stopped
	s.mu.Unlock()
	if pending {
		s.log.Check(idle.Done(), "ending idle for pending request")
	}

	s.setAlarm("idle", time.Now().Add(ka), false)
	s.setState(StateIdling)
	err = idle.Wait()

	s.mu.Lock()
	s.idle = nil
	s.mu.Unlock()
	s.cancelAlarm("idle")

	if err != nil {
		if moxio.IsTimeout(err) {
			// Likely a middlebox dropping long idle connections.
			s.idleTimedOut = true
			s.log.Info("idle timed out, polling with noop on next connection")
		}
		return err
	}
	s.setState(StateOkToSync)
	return nil
}

// poll waits for the keepalive interval or a request, then sends a NOOP when the
// keepalive was due.
func (s *Session) poll(ka time.Duration) error {
	s.setAlarm("idle", time.Now().Add(ka), false)
	s.setState(StateIdling)
	s.wait()

	s.mu.Lock()
	due := s.keepalive
	s.keepalive = false
	s.mu.Unlock()
	s.setState(StateOkToSync)
	if due {
		s.log.Debug("keepalive due", slog.Duration("interval", ka))
		s.addCommand(noop{}, nil)
	} else {
		s.cancelAlarm("idle")
	}
	return nil
}

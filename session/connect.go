package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/net/idna"

	"github.com/mjl-/mailsync/config"
	"github.com/mjl-/mailsync/imapclient"
	"github.com/mjl-/mailsync/metrics"
	"github.com/mjl-/mailsync/mox-"
)

// connect makes a new connection and takes it through TLS, login and
// capabilities. With push, the inbox is selected.
func (s *Session) connect() (rerr error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(s.ctx, s.acc.Timeouts.Connect)
	defer cancel()
	go func() {
		select {
		case <-s.stopc:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.setState(StateQueryingNetworkStatus)
	host, err := idna.Lookup.ToASCII(s.acc.Host)
	if err != nil {
		return errorf(ErrorConfig, "host %q: %v", s.acc.Host, err)
	}
	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		addrs, result, err := s.opts.Resolver.LookupIPAddr(ctx, host)
		if err != nil {
			return Error{ErrorNetwork, fmt.Errorf("no network, resolving %s: %w", host, err)}
		} else if len(addrs) == 0 {
			return errorf(ErrorNetwork, "no network, no ip addresses for %s", host)
		}
		s.log.Debug("resolved host", slog.String("host", host), slog.Int("naddrs", len(addrs)), slog.Bool("authentic", result.Authentic))
		for _, a := range addrs {
			ips = append(ips, a.IP)
		}
	}

	s.setState(StateConnecting)
	var nc net.Conn
	for _, ip := range ips {
		addr := s.acc.Addr(ip.String())
		nc, err = s.opts.Dial(ctx, "tcp", addr)
		if err == nil {
			break
		}
		s.log.Debugx("dial", err, slog.String("addr", addr))
	}
	if nc == nil {
		return Error{ErrorNetwork, fmt.Errorf("dial: %w", err)}
	}
	mox.Connections.Register(nc, s.Name)
	s.nc = nc
	defer func() {
		if rerr != nil && s.conn == nil {
			s.nc.Close()
			mox.Connections.Unregister(s.nc)
			s.nc = nil
		}
	}()

	if s.acc.TLS == config.TLSImmediate {
		s.setState(StateTLSNegotiation)
		tlsConn := tls.Client(nc, s.tlsConfig(host))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return fmt.Errorf("tls handshake: %w", err)
		}
		nc = tlsConn
	}

	cid := mox.Cid()
	s.log.Debug("connected", slog.Int64("cid", cid), slog.String("addr", nc.RemoteAddr().String()))
	conn, err := imapclient.New(nc, &imapclient.Opts{Logger: s.log.WithCid(cid).Logger, CommandTimeout: s.acc.Timeouts.Command})
	if err != nil {
		return err
	}
	conn.Unsolicited = s.unsolicited
	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	if s.acc.TLS == config.TLSStartTLS {
		if conn.Preauth {
			return errorf(ErrorConfig, "server authenticated before starttls, refusing plain text connection")
		}
		if err := s.loginCapabilities(); err != nil {
			return err
		}
		s.setState(StateNeedsTLS)
		if !conn.Caps.Has(imapclient.CapStartTLS) {
			return errorf(ErrorConfig, "server does not support starttls")
		}
		s.setState(StateTLSNegotiation)
		if err := conn.StartTLS(ctx, s.tlsConfig(host)); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if !conn.Preauth {
		if err := s.loginCapabilities(); err != nil {
			return err
		}
		s.setState(StateLoginRequired)
		s.setState(StatePendingLogin)
		if err := s.login(); err != nil {
			return err
		}
	}

	if !conn.Caps.Valid() {
		s.setState(StateGettingCapabilities)
		if _, err := conn.Capability(); err != nil {
			return fmt.Errorf("capabilities: %w", err)
		}
	}

	if s.acc.Compress && conn.Caps.Has(imapclient.CapCompressDeflate) {
		s.setState(StateRequestingCompression)
		if err := conn.Compress(); err != nil {
			return fmt.Errorf("compress: %w", err)
		}
		s.mu.Lock()
		s.compressed = true
		s.mu.Unlock()
	}

	// From here on, only inactivity is a reason to abort commands.
	conn.CommandTimeout = s.acc.Timeouts.Inactivity
	metrics.ConnectObserve(float64(time.Since(start)) / float64(time.Second))

	s.mu.Lock()
	s.retries = 0
	s.retryAt = time.Time{}
	s.lastErr = nil
	s.mu.Unlock()
	s.cancelAlarm("retry")
	s.log.Check(s.db.ClearError(s.ctx), "clearing account error")
	s.log.Check(s.db.MarkLogin(s.ctx, time.Now()), "marking login")
	s.log.Info("connected", slog.String("host", host), slog.Bool("tls", conn.TLSConnectionState() != nil), slog.Bool("compressed", conn.Compressed()))

	if s.acc.Push {
		f, err := s.db.FolderByName(s.ctx, "INBOX")
		if err == nil {
			s.setState(StateSelectingFolder)
			if err := s.selectFolder(f, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Session) loginCapabilities() error {
	if s.conn.Caps.Valid() {
		return nil
	}
	s.setState(StateGettingLoginCapabilities)
	if _, err := s.conn.Capability(); err != nil {
		return fmt.Errorf("capabilities: %w", err)
	}
	return nil
}

func (s *Session) tlsConfig(host string) *tls.Config {
	var c *tls.Config
	if s.opts.TLSConfig != nil {
		c = s.opts.TLSConfig.Clone()
	} else {
		c = &tls.Config{}
	}
	c.ServerName = host
	c.InsecureSkipVerify = s.acc.TLSSkipVerify
	if c.MinVersion < tls.VersionTLS12 {
		c.MinVersion = tls.VersionTLS12
	}
	return c
}

// login authenticates with the configured or best available mechanism.
func (s *Session) login() (rerr error) {
	conn := s.conn
	m, ok := imapclient.PickAuthMechanism(conn.Caps, s.acc.AuthMechanism, conn.TLSConnectionState() != nil)
	if !ok {
		if s.acc.AuthMechanism != "" {
			return errorf(ErrorAuth, "server does not support authentication mechanism %s", s.acc.AuthMechanism)
		}
		return errorf(ErrorAuth, "no supported authentication mechanism")
	}
	variant := strings.ToLower(m.Name)
	defer func() {
		result := "ok"
		var r imapclient.Result
		if errors.As(rerr, &r) {
			result = "badcreds"
		} else if rerr != nil {
			result = "error"
		}
		metrics.AuthenticationInc(variant, result)
	}()

	var err error
	switch {
	case m.Hash != nil:
		err = conn.AuthenticateSCRAM(m, s.acc.Username, s.acc.Password)
	case m.Name == "PLAIN":
		err = conn.AuthenticatePlain(s.acc.Username, s.acc.Password)
	default:
		err = conn.Login(s.acc.Username, s.acc.Password)
	}
	if err == nil {
		s.log.Debug("authenticated", slog.String("mechanism", variant))
		return nil
	}

	var r imapclient.Result
	if errors.As(err, &r) {
		if code, ok := r.Code.(imapclient.CodeWord); ok && code == "UNAVAILABLE" {
			// Temporary server problem, not bad credentials.
			return Error{ErrorNetwork, fmt.Errorf("login: %w", err)}
		}
		return Error{ErrorAuth, fmt.Errorf("login: %w", err)}
	}
	if k := Classify(err); k == ErrorNetwork {
		return err
	}
	return Error{ErrorAuth, fmt.Errorf("login: %w", err)}
}

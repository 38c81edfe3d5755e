package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Static is a parsed form of the mailsync.conf configuration file.
type Static struct {
	DataDir          string             `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where all data is stored, the per-account databases with message summaries, cached message parts and scheduled alarms. If this is a relative path, it is relative to the directory of mailsync.conf."`
	LogLevel         string             `sconf-doc:"Default log level, one of: error, info, debug, trace, traceauth, tracedata. Trace logs IMAP protocol transcripts, with traceauth also messages with passwords, and tracedata on top of that also the full data exchanges (message parts), which can be a large amount of data."`
	PackageLogLevels map[string]string  `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. imapclient, session, syncsession, store, alarm, webctl)."`
	MetricsListen    string             `sconf:"optional" sconf-doc:"Address to serve prometheus metrics on at /metrics, e.g. localhost:8010. Not served if empty."`
	CtlListen        string             `sconf:"optional" sconf-doc:"Address to serve the control API on at /ctl/, e.g. localhost:8011. Not served if empty. The API has no authentication, only listen on a loopback address."`
	Accounts         map[string]Account `sconf-doc:"Accounts to keep synchronized. The key is the account name, used for the data directory and in the control API."`
}

// Account is a remote IMAP account to keep synchronized.
type Account struct {
	Host          string   `sconf-doc:"Hostname of the IMAP server. Internationalized domain names are converted to ASCII."`
	Port          int      `sconf:"optional" sconf-doc:"TCP port. Default 993 for TLS immediate, 143 otherwise."`
	TLS           string   `sconf:"optional" sconf-doc:"How to protect the connection: immediate (TLS from the start, the default), starttls (upgrade a plain connection, required), or none (plain text, only for testing)."`
	TLSSkipVerify bool     `sconf:"optional" sconf-doc:"Do not verify the TLS certificate of the server. Only for testing."`
	Username      string   `sconf-doc:"Username to authenticate with."`
	Password      string   `sconf-doc:"Password to authenticate with."`
	AuthMechanism string   `sconf:"optional" sconf-doc:"Authentication mechanism to use: scram-sha-256-plus, scram-sha-256, scram-sha-1-plus, scram-sha-1, plain or login. Default: the most secure mechanism the server supports."`
	Folders       []string `sconf:"optional" sconf-doc:"Folders to synchronize. Default all selectable folders. Inbox is always synchronized."`

	SyncWindowDays       int   `sconf:"optional" sconf-doc:"Only synchronize messages received in this number of days. Default 30. Use -1 for all messages."`
	HeaderBatchSize      int   `sconf:"optional" sconf-doc:"Number of messages to compare and fetch headers for in one batch. Default 100."`
	MaxMessagesPerFolder int   `sconf:"optional" sconf-doc:"Maximum number of messages kept locally per folder, older messages are removed locally. Default 5000."`
	MaxPartSize          int64 `sconf:"optional" sconf-doc:"Maximum size in bytes of a message part that is fetched into the local cache. Default 50MB."`

	Compress     bool          `sconf:"optional" sconf-doc:"Enable COMPRESS=DEFLATE if the server supports it."`
	Push         bool          `sconf:"optional" sconf-doc:"Keep a connection open and wait for changes with IDLE, instead of only synchronizing at the sync interval. Failed connections are retried with backoff."`
	SyncInterval time.Duration `sconf:"optional" sconf-doc:"Interval between scheduled synchronizations. Default 15m."`

	Timeouts Timeouts `sconf:"optional" sconf-doc:"Network timeouts."`
	Retry    Retry    `sconf:"optional" sconf-doc:"Backoff for reconnecting after a network failure."`

	DNSResolver string `sconf:"optional" sconf-doc:"Resolve the server hostname through this DNS server (ip:port) before connecting, instead of the system resolver. A resolution failure is treated as absence of network."`
}

// Timeouts for an account connection.
type Timeouts struct {
	Connect          time.Duration `sconf:"optional" sconf-doc:"For the TCP connection and TLS handshake. Default 30s."`
	Inactivity       time.Duration `sconf:"optional" sconf-doc:"Maximum time without data from the server while a command is pending. Default 60s."`
	Command          time.Duration `sconf:"optional" sconf-doc:"For the login and select phases. Default 30s."`
	KeepAlive        time.Duration `sconf:"optional" sconf-doc:"IDLE is ended and restarted after this interval to keep the connection alive. Without IDLE, a NOOP is sent after this interval. Default 28m, servers must not end IDLE before 29 minutes."`
	IdleKeepAliveCap time.Duration `sconf:"optional" sconf-doc:"If set, caps the keepalive interval, for servers that end IDLE early."`
}

// Retry is the backoff schedule: initial, then second, then multiplied by
// factor each attempt, up to max.
type Retry struct {
	Initial time.Duration `sconf:"optional" sconf-doc:"Delay before the first retry. Default 15s."`
	Second  time.Duration `sconf:"optional" sconf-doc:"Delay before the second retry. Default 1m."`
	Factor  float64       `sconf:"optional" sconf-doc:"Multiplier for subsequent retries. Default 2."`
	Max     time.Duration `sconf:"optional" sconf-doc:"Maximum delay between retries. Default 30m."`
}

// Delay returns the delay before retry attempt n, starting at 1.
func (r Retry) Delay(n int) time.Duration {
	switch {
	case n <= 1:
		return r.Initial
	case n == 2:
		return r.Second
	}
	d := float64(r.Second)
	for i := 2; i < n; i++ {
		d *= r.Factor
		if d >= float64(r.Max) {
			return r.Max
		}
	}
	return time.Duration(d)
}

// TLS modes.
const (
	TLSImmediate = "immediate"
	TLSStartTLS  = "starttls"
	TLSNone      = "none"
)

// Defaults sets default values for unset fields.
func (a *Account) Defaults() {
	if a.TLS == "" {
		a.TLS = TLSImmediate
	}
	if a.Port == 0 {
		if a.TLS == TLSImmediate {
			a.Port = 993
		} else {
			a.Port = 143
		}
	}
	if a.SyncWindowDays == 0 {
		a.SyncWindowDays = 30
	}
	if a.HeaderBatchSize <= 0 {
		a.HeaderBatchSize = 100
	}
	if a.MaxMessagesPerFolder <= 0 {
		a.MaxMessagesPerFolder = 5000
	}
	if a.MaxPartSize <= 0 {
		a.MaxPartSize = 50 * 1024 * 1024
	}
	if a.SyncInterval <= 0 {
		a.SyncInterval = 15 * time.Minute
	}
	t := &a.Timeouts
	if t.Connect <= 0 {
		t.Connect = 30 * time.Second
	}
	if t.Inactivity <= 0 {
		t.Inactivity = 60 * time.Second
	}
	if t.Command <= 0 {
		t.Command = 30 * time.Second
	}
	if t.KeepAlive <= 0 {
		t.KeepAlive = 28 * time.Minute
	}
	r := &a.Retry
	if r.Initial <= 0 {
		r.Initial = 15 * time.Second
	}
	if r.Second <= 0 {
		r.Second = time.Minute
	}
	if r.Factor <= 1 {
		r.Factor = 2
	}
	if r.Max <= 0 {
		r.Max = 30 * time.Minute
	}
}

// Check returns the problems in the account configuration, after Defaults.
func (a Account) Check() []error {
	var errs []error
	addf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	if a.Host == "" {
		addf("missing host")
	}
	if a.Port <= 0 || a.Port > 65535 {
		addf("invalid port %d", a.Port)
	}
	switch a.TLS {
	case TLSImmediate, TLSStartTLS, TLSNone:
	default:
		addf("unknown tls mode %q", a.TLS)
	}
	if a.Username == "" {
		addf("missing username")
	}
	switch strings.ToLower(a.AuthMechanism) {
	case "", "scram-sha-256-plus", "scram-sha-256", "scram-sha-1-plus", "scram-sha-1", "plain", "login":
	default:
		addf("unknown auth mechanism %q", a.AuthMechanism)
	}
	if a.DNSResolver != "" {
		if _, _, err := net.SplitHostPort(a.DNSResolver); err != nil {
			addf("dns resolver: %v", err)
		}
	}
	if a.Retry.Max < a.Retry.Second {
		addf("retry max %s below second %s", a.Retry.Max, a.Retry.Second)
	}
	return errs
}

// KeepAliveInterval returns the interval after which an IDLE or idle connection is
// refreshed, applying the cap.
func (t Timeouts) KeepAliveInterval() time.Duration {
	if t.IdleKeepAliveCap > 0 && t.IdleKeepAliveCap < t.KeepAlive {
		return t.IdleKeepAliveCap
	}
	return t.KeepAlive
}

// Addr returns the host:port to dial.
func (a Account) Addr(asciiHost string) string {
	return net.JoinHostPort(asciiHost, strconv.Itoa(a.Port))
}

// SyncWindow returns the start of the sync window relative to now, zero if all
// messages are synchronized.
func (a Account) SyncWindow(now time.Time) time.Time {
	if a.SyncWindowDays < 0 {
		return time.Time{}
	}
	y, m, d := now.Date()
	return time.Date(y, m, d-a.SyncWindowDays, 0, 0, 0, 0, now.Location())
}

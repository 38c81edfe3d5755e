/*
Package imapclient is an IMAP4 client for keeping a local mail store in sync
with a server.

Commands are written through a [Pipeline], which tags requests, allows multiple
requests to be in flight, and dispatches tagged, untagged and continuation
responses to the [Handler] of each pending request. [Conn] provides the
connection (plain, TLS, STARTTLS, COMPRESS=DEFLATE) and typed helpers for the
commands used during synchronization.

Protocol traces are logged with prefixes "CR: " and "CW: " (client read/write)
at level Debug-4, with authentication messages at Debug-6 and message data at
Debug-8.
*/
package imapclient

import (
	"bufio"
	"compress/flate"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mjl-/mailsync/mlog"
	"github.com/mjl-/mailsync/moxio"
)

// Maximum length of a single response line, excluding literals.
const maxLine = 1 << 20

// Conn is a connection to an IMAP server.
type Conn struct {
	// Set if the server greeted with PREAUTH, the connection is already authenticated.
	Preauth bool

	// Capabilities of the server. Invalidated on security transitions (STARTTLS,
	// authentication), after which they must be requested again.
	Caps CapabilitySet

	// Timeout for commands executed through the typed command methods.
	CommandTimeout time.Duration

	*Pipeline

	log  mlog.Log
	conn net.Conn // Plain TCP or TLS, used for deadlines and closing.

	// Reads go through br, which reads from the tracing reader, which reads from a
	// flate reader when compression is active, or the connection. Writes go through
	// bw, the tracing writer, and flate writer when compressing.
	br       *bufio.Reader
	tr       *moxio.TraceReader
	bw       *bufio.Writer
	tw       *moxio.TraceWriter
	fw       *moxio.FlateWriter
	compress bool
	broken   bool // After a write error, we won't flush again.

	closeOnce sync.Once
	closed    chan struct{}
}

// Opts has optional fields that influence behaviour of a Conn.
type Opts struct {
	Logger *slog.Logger

	// Default timeout for commands, 0 means no timeout.
	CommandTimeout time.Duration
}

// Dial connects to addr, with TLS if tlsConfig is not nil, and reads the
// greeting. The context only applies to connecting and the TLS handshake.
func Dial(ctx context.Context, dialer *net.Dialer, addr string, tlsConfig *tls.Config, opts *Opts) (*Conn, error) {
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if tlsConfig != nil {
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		conn = tlsConn
	}
	c, err := New(conn, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// New initializes a new IMAP client on conn, and reads the initial untagged
// greeting, which must be "OK" or "PREAUTH". A "BYE" greeting results in an
// error.
func New(conn net.Conn, opts *Opts) (*Conn, error) {
	var clog *slog.Logger
	c := &Conn{closed: make(chan struct{})}
	if opts != nil {
		clog = opts.Logger
		c.CommandTimeout = opts.CommandTimeout
	}
	c.log = mlog.New("imapclient", clog)
	c.setConn(conn)
	c.Pipeline = newPipeline(c.log, c)

	if c.CommandTimeout > 0 {
		c.setReadDeadline(time.Now().Add(c.CommandTimeout))
	}
	line, err := c.readLine()
	if err != nil {
		return nil, fmt.Errorf("reading greeting: %w", err)
	}
	c.setReadDeadline(time.Time{})
	ut, err := ParseUntagged(line)
	if err != nil {
		return nil, fmt.Errorf("parsing greeting: %w", err)
	}
	var code Code
	switch x := ut.(type) {
	case UntaggedResult:
		if x.Status != OK {
			return nil, Error{fmt.Errorf("greeting, got status %q, expected OK", x.Status)}
		}
		code = x.Code
	case UntaggedPreauth:
		c.Preauth = true
		code = x.Code
	case UntaggedBye:
		return nil, fmt.Errorf("%w: %s", ErrBye, x.Text)
	default:
		return nil, Error{fmt.Errorf("unexpected greeting %v", ut)}
	}
	if caps, ok := code.(CodeCapability); ok {
		c.Caps.set(caps)
	}
	return c, nil
}

// ErrBye is returned when the server closes the connection with an untagged BYE.
var ErrBye = errors.New("server sent bye")

func (c *Conn) setConn(conn net.Conn) {
	c.conn = conn
	c.tr = moxio.NewTraceReader(c.log, "CR: ", conn)
	c.br = bufio.NewReader(c.tr)
	c.tw = moxio.NewTraceWriter(c.log, "CW: ", conn)
	c.bw = bufio.NewWriter(c.tw)
}

func (c *Conn) readLine() (string, error) {
	var line []byte
	for {
		buf, err := c.br.ReadSlice('\n')
		line = append(line, buf...)
		if err == bufio.ErrBufferFull {
			if len(line) > maxLine {
				return "", Error{fmt.Errorf("response line longer than %d bytes", maxLine)}
			}
			continue
		} else if err != nil {
			return "", err
		}
		break
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return "", Error{fmt.Errorf("line not terminated with crlf: %q", line)}
	}
	return string(line), nil
}

func (c *Conn) readData(n int64, fn func(r io.Reader) error) error {
	defer c.tr.SetTrace(mlog.LevelTracedata)()
	r := &io.LimitedReader{R: c.br, N: n}
	if err := fn(r); err != nil {
		return err
	}
	// Consume whatever fn did not read to stay in sync.
	if _, err := io.Copy(io.Discard, r); err != nil {
		return err
	}
	if r.N > 0 {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (c *Conn) write(s string, level slog.Level) error {
	if c.broken {
		return fmt.Errorf("connection broken by earlier write error")
	}
	restore := c.tw.SetTrace(level)
	defer restore()
	_, err := c.bw.WriteString(s)
	if err == nil {
		err = c.flush()
	}
	if err != nil {
		c.broken = true
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *Conn) flush() error {
	if err := c.bw.Flush(); err != nil {
		return err
	}
	if c.compress {
		return c.fw.Flush()
	}
	return nil
}

func (c *Conn) setReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// StartTLS upgrades the connection with the STARTTLS command. Capabilities are
// invalidated.
func (c *Conn) StartTLS(ctx context.Context, config *tls.Config) error {
	if _, err := c.transact("STARTTLS", []string{}); err != nil {
		return err
	}
	// The server may not send anything before our handshake, but if we have
	// buffered data, it must go to the TLS layer.
	prefixConn := moxio.NewPrefixConn(c.conn, c.br)
	tlsConn := tls.Client(prefixConn, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("tls handshake: %w", err)
	}
	c.setConn(tlsConn)
	c.Caps.Invalidate()
	return nil
}

// Compress enables COMPRESS=DEFLATE for both directions.
func (c *Conn) Compress() error {
	// ../rfc/4978:59
	if _, err := c.transact("COMPRESS DEFLATE", []string{}); err != nil {
		return err
	}
	fr := flate.NewReader(moxio.NewPrefixConn(c.conn, c.br))
	c.tr = moxio.NewTraceReader(c.log, "CR: ", fr)
	c.br = bufio.NewReader(c.tr)

	fw, err := moxio.NewFlateWriter(c.conn)
	if err != nil {
		return fmt.Errorf("new flate writer: %w", err)
	}
	c.fw = fw
	c.tw = moxio.NewTraceWriter(c.log, "CW: ", fw)
	c.bw = bufio.NewWriter(c.tw)
	c.compress = true
	return nil
}

// Compressed returns whether COMPRESS=DEFLATE is active.
func (c *Conn) Compressed() bool {
	return c.compress
}

// TLSConnectionState returns the TLS connection state if the connection uses TLS.
func (c *Conn) TLSConnectionState() *tls.ConnectionState {
	if conn, ok := c.conn.(*tls.Conn); ok {
		cs := conn.ConnectionState()
		return &cs
	}
	return nil
}

// Traffic returns the number of bytes read and written at the protocol level,
// i.e. after decompression.
func (c *Conn) Traffic() (read, written int64) {
	return c.tr.Count(), c.tw.Count()
}

// Close closes the connection, flushing and closing the compression layer. Close
// can be called from another goroutine to abort a running command, e.g. a large
// download, after which the goroutine in Run gets an error.
func (c *Conn) Close() (rerr error) {
	c.closeOnce.Do(func() {
		if c.fw != nil && !c.broken {
			c.wmu.Lock()
			err := c.fw.Close()
			c.wmu.Unlock()
			c.log.Check(err, "closing deflate writer")
		}
		rerr = c.conn.Close()
		close(c.closed)
	})
	return
}

// Closed returns a channel that is closed when Close is called.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

package imapclient

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mjl-/mailsync/mlog"
)

// Error is a protocol-level error, e.g. a syntax error in a response or a
// response for an unknown tag. After an Error, the byte stream can no longer be
// trusted and the connection must be closed.
type Error struct{ err error }

func (e Error) Error() string {
	return e.err.Error()
}

func (e Error) Unwrap() error {
	return e.err
}

var (
	ErrClaimed = errors.New("transport already claimed by another response handler")
	ErrIdle    = errors.New("pipeline has no pending requests")
)

// Maximum size of a literal that is read into memory. Larger literals can only
// be consumed with a streaming RequestData claim.
const maxLiteral = 8 << 20

// transport is the byte stream the pipeline reads responses from and writes
// requests to. Implemented by Conn.
type transport interface {
	readLine() (string, error) // Including crlf.
	readData(n int64, fn func(r io.Reader) error) error
	write(s string, level slog.Level) error // Writes and flushes.
	setReadDeadline(t time.Time) error
}

// Handler processes the responses to a request sent with SendRequest. Handlers
// are called on the goroutine that calls Run.
type Handler interface {
	// Untagged is offered untagged response lines, including crlf, while the request
	// is pending. Pending requests are offered the line in order of sending, until one
	// returns handled. If the line ends with a literal, a handler that handles the
	// line must claim the literal data, e.g. through ReadResponse.
	Untagged(p *Pipeline, line string) (handled bool, err error)

	// Continuation is called for a continuation request from the server, only for
	// the first pending request. Text is the line without "+ " and crlf.
	Continuation(p *Pipeline, text string) error

	// Result is called once with the tagged result, after which the request is no
	// longer pending.
	Result(p *Pipeline, tag string, result Result)

	// Failed is called if the request could not be completed due to a transport or
	// protocol error. The request is no longer pending.
	Failed(err error)
}

type pending struct {
	tag     string
	h       Handler
	timeout time.Duration
}

type claim struct {
	line func(line string) error
	size int64
	data func(r io.Reader) error
}

// Pipeline writes tagged requests and dispatches responses to the handlers of
// pending requests. Multiple requests can be pending at the same time.
//
// Only WriteLine may be called concurrently with Run, for ending an IDLE command.
// All other methods must be called from a single goroutine.
type Pipeline struct {
	log mlog.Log
	t   transport

	wmu     sync.Mutex
	tagGen  int
	pending []*pending
	claim   *claim

	// Unsolicited is called for untagged responses not handled by a pending request,
	// e.g. EXISTS/EXPUNGE while idling. It must consume literal data, e.g. through
	// ReadResponse. If nil, unsolicited responses are parsed and logged.
	Unsolicited func(p *Pipeline, line string) error
}

func newPipeline(log mlog.Log, t transport) *Pipeline {
	return &Pipeline{log: log, t: t}
}

func (p *Pipeline) nextTag() string {
	p.tagGen++
	return "~A" + strconv.Itoa(p.tagGen)
}

// SendRequest writes text as a new command with a new unique tag, and registers
// handler h for its responses. Timeout is the maximum time without any data from
// the server while the request is pending, 0 means no timeout. The command is
// written immediately, Run must be called to process responses.
func (p *Pipeline) SendRequest(text string, h Handler, timeout time.Duration) (tag string, rerr error) {
	return p.send(text, mlog.LevelTrace, h, timeout)
}

// SendRequestAuth is like SendRequest, but traces the command at the auth trace
// level, for commands with credentials.
func (p *Pipeline) SendRequestAuth(text string, h Handler, timeout time.Duration) (tag string, rerr error) {
	return p.send(text, mlog.LevelTraceauth, h, timeout)
}

func (p *Pipeline) send(text string, level slog.Level, h Handler, timeout time.Duration) (string, error) {
	tag := p.nextTag()
	if err := p.writeLevel(tag+" "+text+"\r\n", level); err != nil {
		p.fail(err)
		return "", err
	}
	p.pending = append(p.pending, &pending{tag, h, timeout})
	p.applyDeadline()
	return tag, nil
}

// WriteLine writes a line, adding crlf. Used for continuation data, e.g.
// authentication responses and literal data, and for ending IDLE with "DONE".
// Safe to call from another goroutine than the one calling Run.
func (p *Pipeline) WriteLine(s string) error {
	return p.writeLevel(s+"\r\n", mlog.LevelTrace)
}

// WriteLineAuth is like WriteLine, but traced at the auth trace level.
func (p *Pipeline) WriteLineAuth(s string) error {
	return p.writeLevel(s+"\r\n", mlog.LevelTraceauth)
}

// WriteData writes literal data, traced at the data trace level. No crlf is added.
func (p *Pipeline) WriteData(s string) error {
	return p.writeLevel(s, mlog.LevelTracedata)
}

func (p *Pipeline) writeLevel(s string, level slog.Level) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return p.t.write(s, level)
}

// Pending returns the number of pending requests.
func (p *Pipeline) Pending() int {
	return len(p.pending)
}

// RequestLine claims the next line from the transport for fn, after the current
// handler call returns. Only one claim can be held at a time, ErrClaimed is
// returned otherwise. Fn may make a new claim.
func (p *Pipeline) RequestLine(fn func(line string) error) error {
	if p.claim != nil {
		return ErrClaimed
	}
	p.claim = &claim{line: fn}
	return nil
}

// RequestData claims the next n bytes from the transport for fn, after the
// current handler call returns. Fn is given a reader for exactly n bytes, any
// data it does not read is discarded. Only one claim can be held at a time,
// ErrClaimed is returned otherwise. Fn may make a new claim, typically for the
// remainder of the line after the literal.
func (p *Pipeline) RequestData(n int64, fn func(r io.Reader) error) error {
	if p.claim != nil {
		return ErrClaimed
	}
	p.claim = &claim{size: n, data: fn}
	return nil
}

// ReadResponse reads the complete response that starts with line: for each
// literal announced at the end of a line, the literal data and the next line are
// claimed and appended. When the response is complete, fn is called with it. Fn
// may be called after ReadResponse returns, while Run services the claims.
func (p *Pipeline) ReadResponse(line string, fn func(resp string) error) error {
	size, ok := literalSize(line)
	if !ok {
		return fn(line)
	}
	if size > maxLiteral {
		return Error{fmt.Errorf("literal of %d bytes too large to read into memory", size)}
	}
	return p.RequestData(size, func(r io.Reader) error {
		buf, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		return p.RequestLine(func(next string) error {
			return p.ReadResponse(line+string(buf)+next, fn)
		})
	})
}

// SetTimeout changes the timeout of the pending request with tag, and updates the
// read deadline of the transport.
func (p *Pipeline) SetTimeout(tag string, timeout time.Duration) error {
	for _, pr := range p.pending {
		if pr.tag == tag {
			pr.timeout = timeout
			p.applyDeadline()
			return nil
		}
	}
	return fmt.Errorf("no pending request with tag %q", tag)
}

// timeout returns the effective read timeout: the maximum over pending requests,
// or 0 (no timeout) if any pending request has no timeout or nothing is pending.
func (p *Pipeline) timeout() time.Duration {
	var max time.Duration
	for _, pr := range p.pending {
		if pr.timeout == 0 {
			return 0
		}
		if pr.timeout > max {
			max = pr.timeout
		}
	}
	return max
}

func (p *Pipeline) applyDeadline() {
	var deadline time.Time
	if d := p.timeout(); d > 0 {
		deadline = time.Now().Add(d)
	}
	err := p.t.setReadDeadline(deadline)
	p.log.Check(err, "setting read deadline")
}

// Run reads and dispatches responses until no requests are pending. If an error
// occurs, all pending requests fail with the error, and the error is returned.
func (p *Pipeline) Run() error {
	return p.RunUntil(nil)
}

// RunUntil is like Run, but also returns when done returns true, checked after
// each dispatched response.
func (p *Pipeline) RunUntil(done func() bool) error {
	if len(p.pending) == 0 {
		return ErrIdle
	}
	for len(p.pending) > 0 && (done == nil || !done()) {
		if err := p.readOne(); err != nil {
			p.fail(err)
			return err
		}
	}
	return nil
}

func (p *Pipeline) fail(err error) {
	l := p.pending
	p.pending = nil
	p.claim = nil
	p.applyDeadline()
	for _, pr := range l {
		pr.h.Failed(err)
	}
}

func (p *Pipeline) readOne() error {
	line, err := p.t.readLine()
	if err != nil {
		return err
	}
	switch {
	case strings.HasPrefix(line, "* "):
		err = p.untagged(line)
	case strings.HasPrefix(line, "+"):
		err = p.continuation(line)
	default:
		err = p.tagged(line)
	}
	if err != nil {
		return err
	}

	for p.claim != nil {
		c := p.claim
		p.claim = nil
		if c.line != nil {
			line, err := p.t.readLine()
			if err != nil {
				return err
			}
			err = c.line(line)
		} else {
			err = p.t.readData(c.size, c.data)
		}
		if err != nil {
			return err
		}
	}
	// Data arrived, so the inactivity timer starts again.
	p.applyDeadline()
	return nil
}

func (p *Pipeline) untagged(line string) error {
	// Copy, handlers can't modify the pending list but be safe against future changes.
	l := append([]*pending{}, p.pending...)
	for _, pr := range l {
		handled, err := pr.h.Untagged(p, line)
		if err != nil {
			return err
		}
		if handled {
			return p.checkClaimed(line)
		}
	}
	if p.Unsolicited != nil {
		if err := p.Unsolicited(p, line); err != nil {
			return err
		}
		return p.checkClaimed(line)
	}
	return p.ReadResponse(line, func(resp string) error {
		ut, err := ParseUntagged(resp)
		if err != nil {
			return err
		}
		p.log.Debug("unsolicited untagged response", slog.Any("untagged", ut))
		return nil
	})
}

// checkClaimed returns an error if line has a literal that no handler claimed,
// which would desynchronize us from the server.
func (p *Pipeline) checkClaimed(line string) error {
	if _, ok := literalSize(line); ok && p.claim == nil {
		return Error{fmt.Errorf("literal in untagged response not consumed by handler: %q", line)}
	}
	return nil
}

func (p *Pipeline) continuation(line string) error {
	if len(p.pending) == 0 {
		return Error{fmt.Errorf("continuation without pending request")}
	}
	text := strings.TrimSuffix(strings.TrimPrefix(line, "+"), "\r\n")
	text = strings.TrimPrefix(text, " ")
	return p.pending[0].h.Continuation(p, text)
}

func (p *Pipeline) tagged(line string) error {
	tag, result, err := ParseResult(line)
	if err != nil {
		return err
	}
	for i, pr := range p.pending {
		if pr.tag != tag {
			continue
		}
		p.pending = append(p.pending[:i], p.pending[i+1:]...)
		p.applyDeadline()
		pr.h.Result(p, tag, result)
		return nil
	}
	return Error{fmt.Errorf("result for unknown tag %q", tag)}
}

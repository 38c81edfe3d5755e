package imapclient

import (
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/secure/precis"

	"github.com/mjl-/mailsync/scram"
)

// collector is a Handler that gathers the parsed untagged responses of the
// requested kinds, and the result. A nil kinds claims all untagged responses,
// an empty kinds claims none.
type collector struct {
	kinds []string
	cont  func(p *Pipeline, text string) error

	resp Response
	done bool
	err  error
}

func (c *collector) Untagged(p *Pipeline, line string) (bool, error) {
	if c.kinds != nil && !slices.Contains(c.kinds, UntaggedKind(line)) {
		return false, nil
	}
	return true, p.ReadResponse(line, func(s string) error {
		ut, err := ParseUntagged(s)
		if err != nil {
			return err
		}
		c.resp.Untagged = append(c.resp.Untagged, ut)
		return nil
	})
}

func (c *collector) Continuation(p *Pipeline, text string) error {
	if c.cont == nil {
		return Error{fmt.Errorf("unexpected continuation %q", text)}
	}
	return c.cont(p, text)
}

func (c *collector) Result(p *Pipeline, tag string, result Result) {
	c.resp.Result = result
	c.done = true
}

func (c *collector) Failed(err error) {
	c.err = err
	c.done = true
}

// response returns the collected response, with an error for failed requests
// and for results other than OK. The response can also be non-zero on error.
func (c *collector) response() (Response, error) {
	if c.err != nil {
		return c.resp, c.err
	}
	if c.resp.Status != OK {
		return c.resp, c.resp.Result
	}
	return c.resp, nil
}

// transact sends cmd and runs the pipeline until it completes, claiming the
// untagged responses of kinds. Capabilities in the response are processed.
func (c *Conn) transact(cmd string, kinds []string) (Response, error) {
	coll := &collector{kinds: kinds}
	return c.transactCollect(cmd, coll, false)
}

func (c *Conn) transactCollect(cmd string, coll *collector, auth bool) (Response, error) {
	var err error
	if auth {
		_, err = c.SendRequestAuth(cmd, coll, c.CommandTimeout)
	} else {
		_, err = c.SendRequest(cmd, coll, c.CommandTimeout)
	}
	if err != nil {
		return Response{}, err
	}
	if err := c.Run(); err != nil && !coll.done {
		return Response{}, err
	}
	resp, err := coll.response()
	c.processCaps(resp)
	return resp, err
}

func (c *Conn) processCaps(resp Response) {
	for _, ut := range resp.Untagged {
		if caps, ok := ut.(UntaggedCapability); ok {
			c.Caps.set(caps)
		}
	}
	if caps, ok := resp.Code.(CodeCapability); ok {
		c.Caps.set(caps)
	}
}

// Capability requests the capabilities of the server and stores them in Caps.
func (c *Conn) Capability() ([]Capability, error) {
	_, err := c.transact("CAPABILITY", []string{"CAPABILITY"})
	if err != nil {
		return nil, err
	}
	if !c.Caps.Valid() {
		return nil, Error{fmt.Errorf("no capabilities in response")}
	}
	return c.Caps.List(), nil
}

// prepare applies the precis OpaqueString profile to a credential, as SASLprep
// does. Values the profile rejects, e.g. empty strings, are used as is.
func prepare(s string) string {
	if v, err := precis.OpaqueString.String(s); err == nil {
		return v
	}
	return s
}

// Login authenticates with the LOGIN command. Credentials that cannot be sent
// as quoted string are sent as literals. Capabilities are invalidated, or
// updated if the server included them in its response.
func (c *Conn) Login(username, password string) error {
	var parts []string
	cur := "LOGIN"
	for _, s := range []string{prepare(username), prepare(password)} {
		cur += " "
		if q, ok := quoted(s); ok {
			cur += q
		} else if c.Caps.Has(CapLiteralPlus) || c.Caps.Has(CapLiteralMinus) && len(s) <= 4096 {
			cur += fmt.Sprintf("{%d+}\r\n", len(s)) + s
		} else {
			// Synchronizing literal, sent after continuation.
			parts = append(parts, cur+fmt.Sprintf("{%d}", len(s)))
			cur = s
		}
	}
	parts = append(parts, cur)

	coll := &collector{kinds: []string{"CAPABILITY"}}
	coll.cont = func(p *Pipeline, text string) error {
		if len(parts) == 0 {
			return Error{fmt.Errorf("unexpected continuation during login")}
		}
		s := parts[0]
		parts = parts[1:]
		return p.WriteLineAuth(s)
	}
	first := parts[0]
	parts = parts[1:]
	c.Caps.Invalidate()
	_, err := c.transactCollect(first, coll, true)
	return err
}

// AuthenticatePlain authenticates with AUTHENTICATE PLAIN, with the initial
// response in the command if the server supports SASL-IR.
func (c *Conn) AuthenticatePlain(username, password string) error {
	ir := base64.StdEncoding.EncodeToString([]byte("\u0000" + prepare(username) + "\u0000" + prepare(password)))
	coll := &collector{kinds: []string{"CAPABILITY"}}
	cmd := "AUTHENTICATE PLAIN"
	if c.Caps.Has(CapSASLIR) {
		cmd += " " + ir
		coll.cont = func(p *Pipeline, text string) error {
			return p.WriteLineAuth("*")
		}
	} else {
		var sent bool
		coll.cont = func(p *Pipeline, text string) error {
			if sent {
				return p.WriteLineAuth("*")
			}
			sent = true
			return p.WriteLineAuth(ir)
		}
	}
	c.Caps.Invalidate()
	_, err := c.transactCollect(cmd, coll, true)
	return err
}

// AuthenticateSCRAM authenticates with one of the SCRAM mechanisms. For PLUS
// variants, the authentication is bound to the TLS connection.
func (c *Conn) AuthenticateSCRAM(m AuthMechanism, username, password string) error {
	var cs *tls.ConnectionState
	if m.Plus {
		cs = c.TLSConnectionState()
		if cs == nil {
			return fmt.Errorf("channel binding requires tls")
		}
	}
	// If we have TLS but the server doesn't announce PLUS, we tell the server we
	// would have liked it, so a stripped PLUS announcement is detected.
	noServerPlus := !m.Plus && c.TLSConnectionState() != nil && !c.Caps.Has(Capability(string(m.Cap)+"-PLUS"))
	sc := scram.NewClient(m.Hash, prepare(username), "", noServerPlus, cs)
	clientFirst, err := sc.ClientFirst()
	if err != nil {
		return fmt.Errorf("scram client first: %w", err)
	}
	enc := base64.StdEncoding.EncodeToString

	var scramErr error
	step := 0
	cmd := "AUTHENTICATE " + m.Name
	if c.Caps.Has(CapSASLIR) {
		cmd += " " + enc([]byte(clientFirst))
		step = 1
	}
	coll := &collector{kinds: []string{"CAPABILITY"}}
	coll.cont = func(p *Pipeline, text string) error {
		var buf []byte
		if step > 0 {
			var err error
			buf, err = base64.StdEncoding.DecodeString(text)
			if err != nil {
				scramErr = fmt.Errorf("decoding base64 from server: %w", err)
				return p.WriteLineAuth("*")
			}
		}
		switch step {
		case 0:
			step++
			return p.WriteLineAuth(enc([]byte(clientFirst)))
		case 1:
			step++
			clientFinal, err := sc.ServerFirst(buf, prepare(password))
			if err != nil {
				scramErr = fmt.Errorf("scram server first: %w", err)
				return p.WriteLineAuth("*")
			}
			return p.WriteLineAuth(enc([]byte(clientFinal)))
		case 2:
			step++
			if err := sc.ServerFinal(buf); err != nil {
				scramErr = fmt.Errorf("scram server final: %w", err)
				return p.WriteLineAuth("*")
			}
			return p.WriteLineAuth("")
		}
		return Error{fmt.Errorf("unexpected continuation after scram exchange")}
	}
	c.Caps.Invalidate()
	_, err = c.transactCollect(cmd, coll, true)
	if scramErr != nil {
		return scramErr
	}
	return err
}

// SelectResult is the mailbox state returned by SELECT or EXAMINE.
type SelectResult struct {
	Exists         uint32
	UIDValidity    uint32
	UIDNext        uint32
	HighestModSeq  int64
	Flags          []string
	PermanentFlags []string
	ReadOnly       bool
}

// Select opens mailbox for reading and writing. The name is encoded as modified UTF-7.
func (c *Conn) Select(mailbox string) (SelectResult, error) {
	return c.selectExamine("SELECT", mailbox)
}

// Examine opens mailbox read-only.
func (c *Conn) Examine(mailbox string) (SelectResult, error) {
	return c.selectExamine("EXAMINE", mailbox)
}

func (c *Conn) selectExamine(cmd, mailbox string) (SelectResult, error) {
	resp, err := c.transact(cmd+" "+astring(UTF7Encode(mailbox)), nil)
	if err != nil {
		return SelectResult{}, err
	}
	var r SelectResult
	code := func(code Code) {
		switch x := code.(type) {
		case CodeUIDValidity:
			r.UIDValidity = uint32(x)
		case CodeUIDNext:
			r.UIDNext = uint32(x)
		case CodeHighestModSeq:
			r.HighestModSeq = int64(x)
		case CodePermanentFlags:
			r.PermanentFlags = x
		case CodeWord:
			if x == "READ-ONLY" {
				r.ReadOnly = true
			}
		}
	}
	for _, ut := range resp.Untagged {
		switch x := ut.(type) {
		case UntaggedExists:
			r.Exists = uint32(x)
		case UntaggedFlags:
			r.Flags = x
		case UntaggedResult:
			code(x.Code)
		}
	}
	code(resp.Code)
	if r.UIDValidity == 0 {
		return r, Error{fmt.Errorf("missing uidvalidity in %s response", strings.ToLower(cmd))}
	}
	return r, nil
}

// UIDSearch executes a single UID SEARCH and returns the matching UIDs in
// ascending order.
func (c *Conn) UIDSearch(criteria string) ([]uint32, error) {
	l, err := c.UIDSearchMulti([]string{criteria})
	if err != nil {
		return nil, err
	}
	return l[0], nil
}

// UIDSearchMulti sends a UID SEARCH for each criteria without waiting for
// responses in between, then collects all results. The result lists are in
// ascending order.
func (c *Conn) UIDSearchMulti(criteria []string) ([][]uint32, error) {
	esearch := c.Caps.Has(CapEsearch)
	colls := make([]*collector, len(criteria))
	for i, crit := range criteria {
		colls[i] = &collector{kinds: []string{"SEARCH", "ESEARCH"}}
		cmd := "UID SEARCH " + crit
		if esearch {
			cmd = "UID SEARCH RETURN (ALL) " + crit
		}
		if _, err := c.SendRequest(cmd, colls[i], c.CommandTimeout); err != nil {
			return nil, err
		}
	}
	if err := c.Run(); err != nil {
		return nil, err
	}
	results := make([][]uint32, len(criteria))
	for i, coll := range colls {
		resp, err := coll.response()
		if err != nil {
			return nil, fmt.Errorf("uid search %q: %w", criteria[i], err)
		}
		var uids []uint32
		for _, ut := range resp.Untagged {
			switch x := ut.(type) {
			case UntaggedSearch:
				uids = append(uids, x...)
			case UntaggedEsearch:
				nums, err := x.All.Numbers()
				if err != nil {
					return nil, Error{fmt.Errorf("esearch all: %w", err)}
				}
				uids = append(uids, nums...)
			}
		}
		slices.Sort(uids)
		results[i] = slices.Compact(uids)
	}
	return results, nil
}

// UIDFetch fetches items, e.g. "UID FLAGS ENVELOPE", for the messages in uids.
// Only fetch responses that include a UID are returned.
func (c *Conn) UIDFetch(uids NumSet, items string) ([]UntaggedFetch, error) {
	resp, err := c.transact(fmt.Sprintf("UID FETCH %s (%s)", uids.String(), items), []string{"FETCH"})
	if err != nil {
		return nil, err
	}
	var l []UntaggedFetch
	for _, f := range UntaggedResponses[UntaggedFetch](resp) {
		if f.UID() != 0 {
			l = append(l, f)
		}
	}
	return l, nil
}

// sectionFetcher streams the literal of a BODY[section] fetch response into w.
type sectionFetcher struct {
	collector
	uid  uint32
	w    io.Writer
	n    int64
	werr error
}

func (f *sectionFetcher) Untagged(p *Pipeline, line string) (bool, error) {
	if UntaggedKind(line) != "FETCH" {
		return false, nil
	}
	size, ok := literalSize(line)
	if !ok || !strings.Contains(strings.ToUpper(line), "BODY[") || f.n > 0 {
		return f.collector.Untagged(p, line)
	}
	return true, p.RequestData(size, func(r io.Reader) error {
		n, err := io.Copy(f.w, r)
		f.n += n
		if err != nil {
			f.werr = err
		}
		// Remainder of the response, e.g. " UID 10)\r\n", possibly with more literals.
		return p.RequestLine(func(rest string) error {
			return p.ReadResponse(rest, func(string) error { return nil })
		})
	})
}

// UIDFetchSection fetches BODY.PEEK[section] of message uid and writes the data
// to w without holding it in memory. The number of bytes written is returned.
// Closing the connection from another goroutine aborts the fetch.
func (c *Conn) UIDFetchSection(uid uint32, section string, w io.Writer, timeout time.Duration) (int64, error) {
	f := &sectionFetcher{uid: uid, w: w}
	f.kinds = []string{"FETCH"}
	cmd := fmt.Sprintf("UID FETCH %d (UID BODY.PEEK[%s])", uid, section)
	if _, err := c.SendRequest(cmd, f, timeout); err != nil {
		return 0, err
	}
	if err := c.Run(); err != nil && !f.done {
		return f.n, err
	}
	if _, err := f.response(); err != nil {
		return f.n, err
	}
	if f.werr != nil {
		return f.n, fmt.Errorf("writing section data: %w", f.werr)
	}
	return f.n, nil
}

// UIDStore changes flags of messages, op is e.g. "+FLAGS.SILENT" or "-FLAGS.SILENT".
func (c *Conn) UIDStore(uids NumSet, op string, flags ...string) error {
	_, err := c.transact(fmt.Sprintf("UID STORE %s %s (%s)", uids.String(), op, strings.Join(flags, " ")), []string{"FETCH"})
	return err
}

// List returns all mailboxes, with names decoded from modified UTF-7.
func (c *Conn) List() ([]UntaggedList, error) {
	resp, err := c.transact(`LIST "" "*"`, []string{"LIST"})
	if err != nil {
		return nil, err
	}
	l := UntaggedResponses[UntaggedList](resp)
	for i, e := range l {
		name, err := UTF7Decode(e.Mailbox)
		if err != nil {
			// Keep the raw name, some servers send UTF-8.
			c.log.Debugx("decoding mailbox name", err)
			continue
		}
		l[i].Mailbox = name
	}
	return l, nil
}

// Noop sends a NOOP, used as keepalive and to poll for changes. Untagged
// responses go to the Unsolicited handler.
func (c *Conn) Noop() error {
	_, err := c.transact("NOOP", []string{})
	return err
}

// Logout ends the session. The connection is not closed.
func (c *Conn) Logout() error {
	_, err := c.transact("LOGOUT", []string{"BYE"})
	return err
}

// Idle is an IDLE command in progress.
type Idle struct {
	c        *Conn
	coll     *collector
	started  bool
	doneOnce sync.Once
}

// IdleStart sends IDLE and waits for the continuation from the server. Timeout
// should be longer than the interval at which Done is called.
func (c *Conn) IdleStart(timeout time.Duration) (*Idle, error) {
	idle := &Idle{c: c, coll: &collector{kinds: []string{}}}
	idle.coll.cont = func(p *Pipeline, text string) error {
		idle.started = true
		return nil
	}
	if _, err := c.SendRequest("IDLE", idle.coll, timeout); err != nil {
		return nil, err
	}
	if err := c.RunUntil(func() bool { return idle.started }); err != nil {
		return nil, err
	}
	if !idle.started {
		_, err := idle.coll.response()
		if err == nil {
			err = Error{fmt.Errorf("idle completed without continuation")}
		}
		return nil, err
	}
	return idle, nil
}

// Wait dispatches responses to the Unsolicited handler until the IDLE command
// completes, after Done.
func (i *Idle) Wait() error {
	if err := i.c.Run(); err != nil && !i.coll.done {
		return err
	}
	_, err := i.coll.response()
	return err
}

// Done ends the IDLE command. Safe to call from another goroutine while Wait
// runs, and multiple times.
func (i *Idle) Done() error {
	var err error
	i.doneOnce.Do(func() {
		err = i.c.WriteLine("DONE")
	})
	return err
}

package imapclient

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// parser parses a complete response, i.e. a line with any literals inline,
// ending in CRLF. Functions starting with x panic with an Error on syntax
// errors, recovered by the exported Parse functions.
type parser struct {
	s string
	o int // Offset into s.
}

func (p *parser) xerrorf(format string, args ...any) {
	panic(Error{fmt.Errorf("%w (remaining %q)", fmt.Errorf(format, args...), p.remaining(20))})
}

func (p *parser) xcheckf(err error, format string, args ...any) {
	if err != nil {
		p.xerrorf("%s: %w", fmt.Sprintf(format, args...), err)
	}
}

func (p *parser) remaining(max int) string {
	s := p.s[p.o:]
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}

func (p *parser) recover(rerr *error) {
	x := recover()
	if x == nil {
		return
	}
	if err, ok := x.(Error); ok {
		*rerr = err
		return
	}
	panic(x)
}

func (p *parser) empty() bool {
	return p.o >= len(p.s)
}

func (p *parser) peek(exp byte) bool {
	return p.o < len(p.s) && strings.EqualFold(string(rune(p.s[p.o])), string(rune(exp)))
}

func (p *parser) take(exp byte) bool {
	if p.peek(exp) {
		p.o++
		return true
	}
	return false
}

func (p *parser) xtake(s string) {
	if p.o+len(s) > len(p.s) || !strings.EqualFold(p.s[p.o:p.o+len(s)], s) {
		p.xerrorf("expected %q", s)
	}
	p.o += len(s)
}

func (p *parser) xbyte() byte {
	if p.empty() {
		p.xerrorf("unexpected end")
	}
	b := p.s[p.o]
	p.o++
	return b
}

func (p *parser) xspace() {
	p.xtake(" ")
}

func (p *parser) xcrlf() {
	p.xtake("\r\n")
	if !p.empty() {
		p.xerrorf("leftover data after crlf")
	}
}

// take until b is seen. don't take b itself.
func (p *parser) xtakeuntil(b byte) string {
	i := strings.IndexByte(p.s[p.o:], b)
	if i < 0 {
		p.xerrorf("expected %c", b)
	}
	s := p.s[p.o : p.o+i]
	p.o += i
	return s
}

func (p *parser) digits() string {
	o := p.o
	for p.o < len(p.s) && p.s[p.o] >= '0' && p.s[p.o] <= '9' {
		p.o++
	}
	return p.s[o:p.o]
}

func (p *parser) xint32() int32 {
	num, err := strconv.ParseInt(p.digits(), 10, 32)
	p.xcheckf(err, "parsing int32")
	return int32(num)
}

func (p *parser) xint64() int64 {
	num, err := strconv.ParseInt(p.digits(), 10, 63)
	p.xcheckf(err, "parsing int64")
	return num
}

func (p *parser) xuint32() uint32 {
	num, err := strconv.ParseUint(p.digits(), 10, 32)
	p.xcheckf(err, "parsing uint32")
	return uint32(num)
}

func (p *parser) xnzuint32() uint32 {
	v := p.xuint32()
	if v == 0 {
		p.xerrorf("got 0, expected nonzero uint")
	}
	return v
}

func (p *parser) xnonspace() string {
	o := p.o
	for p.o < len(p.s) && p.s[p.o] != ' ' && p.s[p.o] != '\r' && p.s[p.o] != '\n' {
		p.o++
	}
	if o == p.o {
		p.xerrorf("expected non-space")
	}
	return p.s[o:p.o]
}

func (p *parser) xatom() string {
	o := p.o
	for p.o < len(p.s) {
		b := p.s[p.o]
		if b <= ' ' || b >= 0x7f || strings.IndexByte("(){%*\"\\]", b) >= 0 {
			break
		}
		p.o++
	}
	if o == p.o {
		p.xerrorf("expected atom")
	}
	return p.s[o:p.o]
}

func (p *parser) xstatus() Status {
	w := p.xatom()
	switch Status(strings.ToUpper(w)) {
	case OK:
		return OK
	case NO:
		return NO
	case BAD:
		return BAD
	}
	p.xerrorf("expected status, got %q", w)
	panic("not reached")
}

// Already consumed: tag SP status SP
func (p *parser) xresult(status Status) Result {
	code, text := p.xrespText()
	return Result{status, code, text}
}

func (p *parser) xrespText() (code Code, text string) {
	if p.take('[') {
		code = p.xrespCode()
		p.xtake("]")
		if !p.take(' ') {
			return code, ""
		}
	}
	i := strings.Index(p.s[p.o:], "\r\n")
	if i < 0 {
		p.xerrorf("missing crlf")
	}
	text = p.s[p.o : p.o+i]
	p.o += i
	return
}

// ../rfc/9051:6895
func (p *parser) xrespCode() Code {
	w := ""
	for !p.peek(' ') && !p.peek(']') {
		w += string(rune(p.xbyte()))
	}
	W := strings.ToUpper(w)

	switch W {
	case "CAPABILITY":
		p.xspace()
		caps := []Capability{Capability(strings.ToUpper(p.xatom()))}
		for p.take(' ') {
			caps = append(caps, Capability(strings.ToUpper(p.xatom())))
		}
		return CodeCapability(caps)
	case "PERMANENTFLAGS":
		l := []string{} // Must be non-nil.
		if p.take(' ') {
			p.xtake("(")
			if !p.take(')') {
				l = []string{p.xflagPerm()}
				for p.take(' ') {
					l = append(l, p.xflagPerm())
				}
				p.xtake(")")
			}
		}
		return CodePermanentFlags(l)
	case "UIDNEXT":
		p.xspace()
		return CodeUIDNext(p.xnzuint32())
	case "UIDVALIDITY":
		p.xspace()
		return CodeUIDValidity(p.xnzuint32())
	case "UNSEEN":
		p.xspace()
		return CodeUnseen(p.xnzuint32())
	case "HIGHESTMODSEQ":
		p.xspace()
		return CodeHighestModSeq(p.xint64())
	}

	var args []string
	for p.take(' ') {
		arg := ""
		for !p.peek(' ') && !p.peek(']') {
			arg += string(rune(p.xbyte()))
		}
		args = append(args, arg)
	}
	if args == nil {
		return CodeWord(W)
	}
	return CodeParams{W, args}
}

// "*" SP is already consumed
// ../rfc/9051:6868
func (p *parser) xuntagged() Untagged {
	w := p.xnonspace()
	W := strings.ToUpper(w)
	switch W {
	case "PREAUTH":
		p.xspace()
		code, text := p.xrespText()
		p.xcrlf()
		return UntaggedPreauth{code, text}

	case "BYE":
		p.xspace()
		code, text := p.xrespText()
		p.xcrlf()
		return UntaggedBye{code, text}

	case "OK", "NO", "BAD":
		// Some servers send a bare "* OK" without text.
		var r Result
		if p.take(' ') {
			r = p.xresult(Status(W))
		} else {
			r = Result{Status: Status(W)}
		}
		p.xcrlf()
		return UntaggedResult(r)

	case "CAPABILITY":
		// ../rfc/9051:6427
		var caps []Capability
		for p.take(' ') {
			caps = append(caps, Capability(strings.ToUpper(p.xnonspace())))
		}
		p.xcrlf()
		return UntaggedCapability(caps)

	case "ENABLED":
		// ../rfc/9051:6520
		var caps []Capability
		for p.take(' ') {
			caps = append(caps, Capability(strings.ToUpper(p.xnonspace())))
		}
		p.xcrlf()
		return UntaggedEnabled(caps)

	case "FLAGS":
		p.xspace()
		r := UntaggedFlags(p.xflagList())
		p.xcrlf()
		return r

	case "LIST":
		p.xspace()
		r := p.xmailboxList()
		p.xcrlf()
		return r

	case "STATUS":
		// ../rfc/9051:6681
		p.xspace()
		mailbox := p.xastring()
		p.xspace()
		p.xtake("(")
		attrs := map[StatusAttr]int64{}
		for !p.take(')') {
			if len(attrs) > 0 {
				p.xspace()
			}
			s := StatusAttr(strings.ToUpper(p.xatom()))
			p.xspace()
			if _, ok := attrs[s]; ok {
				p.xerrorf("status: duplicate attribute %q", s)
			}
			attrs[s] = p.xint64()
		}
		p.xcrlf()
		return UntaggedStatus{mailbox, attrs}

	case "SEARCH":
		// ../rfc/9051:6809
		var nums []uint32
		for p.take(' ') {
			// ../rfc/7162:2557
			if p.take('(') {
				p.xtake("MODSEQ ")
				p.xint64()
				p.xtake(")")
				break
			}
			nums = append(nums, p.xnzuint32())
		}
		p.xcrlf()
		return UntaggedSearch(nums)

	case "ESEARCH":
		r := p.xesearchResponse()
		p.xcrlf()
		return r

	// ../rfc/7162:2623
	case "VANISHED":
		p.xspace()
		var earlier bool
		if p.take('(') {
			p.xtake("EARLIER)")
			p.xspace()
			earlier = true
		}
		uids := p.xsequenceSet()
		p.xcrlf()
		return UntaggedVanished{earlier, uids}
	}

	v, err := strconv.ParseUint(w, 10, 32)
	if err != nil {
		p.xerrorf("unknown untagged response %q", w)
	}
	num := uint32(v)
	p.xspace()
	w = p.xatom()
	switch strings.ToUpper(w) {
	case "FETCH":
		if num == 0 {
			p.xerrorf("invalid zero number for untagged fetch response")
		}
		p.xspace()
		r := p.xfetch(num)
		p.xcrlf()
		return r

	case "EXPUNGE":
		if num == 0 {
			p.xerrorf("invalid zero number for untagged expunge response")
		}
		p.xcrlf()
		return UntaggedExpunge(num)

	case "EXISTS":
		p.xcrlf()
		return UntaggedExists(num)

	case "RECENT":
		p.xcrlf()
		return UntaggedRecent(num)
	}
	p.xerrorf("unknown untagged numbered response %q", w)
	panic("not reached")
}

// ../rfc/3501:4864 ../rfc/9051:6742
// Already parsed: "*" SP nznumber SP "FETCH" SP
func (p *parser) xfetch(num uint32) UntaggedFetch {
	p.xtake("(")
	attrs := []FetchAttr{p.xmsgatt1()}
	for p.take(' ') {
		attrs = append(attrs, p.xmsgatt1())
	}
	p.xtake(")")
	return UntaggedFetch{num, attrs}
}

// ../rfc/9051:6746
func (p *parser) xmsgatt1() FetchAttr {
	o := p.o
	for p.o < len(p.s) {
		b := p.s[p.o]
		if b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '.' {
			p.o++
			continue
		}
		break
	}
	f := p.s[o:p.o]

	F := strings.ToUpper(f)
	switch F {
	case "FLAGS":
		p.xspace()
		return FetchFlags(p.xflagList())

	case "ENVELOPE":
		p.xspace()
		return FetchEnvelope(p.xenvelope())

	case "INTERNALDATE":
		p.xspace()
		s := p.xquoted()
		// ../rfc/9051:6616
		t, err := time.Parse("_2-Jan-2006 15:04:05 -0700", s)
		p.xcheckf(err, "parsing internaldate")
		return FetchInternalDate{t}

	case "RFC822.SIZE":
		p.xspace()
		return FetchRFC822Size(p.xint64())

	case "BODY":
		if p.take(' ') {
			p.xskipList()
			return FetchBodystructure{F}
		}
		o := p.o
		section := p.xsection()
		var offset int32
		if p.take('<') {
			offset = p.xint32()
			p.xtake(">")
		}
		F += p.s[o:p.o]
		p.xspace()
		body := p.xnilString()
		return FetchBody{F, section, offset, body}

	case "BODYSTRUCTURE":
		p.xspace()
		p.xskipList()
		return FetchBodystructure{F}

	case "UID":
		p.xspace()
		return FetchUID(p.xuint32())

	case "MODSEQ":
		// ../rfc/7162:2488
		p.xspace()
		p.xtake("(")
		modseq := p.xint64()
		p.xtake(")")
		return FetchModSeq(modseq)
	}
	p.xerrorf("unknown fetch attribute %q", f)
	panic("not reached")
}

// xskipList skips a parenthesized list, including nested lists, strings and
// literals. Used for BODYSTRUCTURE, which we don't interpret.
func (p *parser) xskipList() {
	p.xtake("(")
	depth := 1
	for depth > 0 {
		switch {
		case p.peek('"'):
			p.xquoted()
		case p.peek('{'):
			p.xliteral()
		default:
			switch p.xbyte() {
			case '(':
				depth++
			case ')':
				depth--
			case '\r', '\n':
				p.xerrorf("unexpected end of line in list")
			}
		}
	}
}

func (p *parser) xnilString() string {
	if p.peek('"') {
		return p.xquoted()
	} else if p.peek('{') || p.peek('~') {
		p.take('~')
		return p.xliteral()
	}
	p.xtake("NIL")
	return ""
}

func (p *parser) xastring() string {
	if p.peek('"') {
		return p.xquoted()
	} else if p.peek('{') {
		return p.xliteral()
	}
	return p.xatom()
}

// ../rfc/9051:6856 ../rfc/6855:153
func (p *parser) xquoted() string {
	p.xtake(`"`)
	var sb strings.Builder
	for !p.take('"') {
		b := p.xbyte()
		if b == '\\' {
			b = p.xbyte()
			if b != '\\' && b != '"' {
				p.xerrorf("quoted char not backslash or dquote: %c", b)
			}
		} else if b == '\r' || b == '\n' {
			p.xerrorf("newline in quoted string")
		}
		sb.WriteByte(b)
	}
	return sb.String()
}

// Literals have already been read into the response by the pipeline, so we
// only take the size and the inline data.
func (p *parser) xliteral() string {
	p.xtake("{")
	size := p.xint64()
	p.take('+')
	p.xtake("}")
	p.xtake("\r\n")
	if int64(len(p.s)-p.o) < size {
		p.xerrorf("literal of %d bytes exceeds response", size)
	}
	s := p.s[p.o : p.o+int(size)]
	p.o += int(size)
	return s
}

// ../rfc/9051:6565
func (p *parser) xflag0(allowPerm bool) string {
	s := ""
	if p.take('\\') {
		s = `\`
		if allowPerm && p.take('*') {
			return `\*`
		}
	} else if p.take('$') {
		s = "$"
	}
	s += p.xatom()
	return s
}

func (p *parser) xflag() string {
	return p.xflag0(false)
}

func (p *parser) xflagPerm() string {
	return p.xflag0(true)
}

func (p *parser) xsection() string {
	p.xtake("[")
	s := p.xtakeuntil(']')
	p.xtake("]")
	return s
}

// ../rfc/9051:6522
func (p *parser) xenvelope() Envelope {
	p.xtake("(")
	date := p.xnilString()
	p.xspace()
	subject := p.xnilString()
	p.xspace()
	from := p.xaddresses()
	p.xspace()
	sender := p.xaddresses()
	p.xspace()
	replyTo := p.xaddresses()
	p.xspace()
	to := p.xaddresses()
	p.xspace()
	cc := p.xaddresses()
	p.xspace()
	bcc := p.xaddresses()
	p.xspace()
	inReplyTo := p.xnilString()
	p.xspace()
	messageID := p.xnilString()
	p.xtake(")")
	return Envelope{date, subject, from, sender, replyTo, to, cc, bcc, inReplyTo, messageID}
}

// ../rfc/9051:6526
func (p *parser) xaddresses() []Address {
	if !p.take('(') {
		p.xtake("NIL")
		return nil
	}
	l := []Address{p.xaddress()}
	for !p.take(')') {
		p.take(' ') // Some servers separate addresses by a space.
		l = append(l, p.xaddress())
	}
	return l
}

// ../rfc/9051:6303
func (p *parser) xaddress() Address {
	p.xtake("(")
	name := p.xnilString()
	p.xspace()
	adl := p.xnilString()
	p.xspace()
	mailbox := p.xnilString()
	p.xspace()
	host := p.xnilString()
	p.xtake(")")
	return Address{name, adl, mailbox, host}
}

// ../rfc/9051:6584
func (p *parser) xflagList() []string {
	p.xtake("(")
	var l []string
	if !p.take(')') {
		l = []string{p.xflag()}
		for p.take(' ') {
			l = append(l, p.xflag())
		}
		p.xtake(")")
	}
	return l
}

// ../rfc/9051:6690
func (p *parser) xmailboxList() UntaggedList {
	p.xtake("(")
	var flags []string
	if !p.peek(')') {
		flags = append(flags, p.xflag())
		for p.take(' ') {
			flags = append(flags, p.xflag())
		}
	}
	p.xtake(")")
	p.xspace()
	var b byte
	if p.peek('"') {
		quoted := p.xquoted()
		if len(quoted) != 1 {
			p.xerrorf("mailbox-list has multichar quoted part: %q", quoted)
		}
		b = byte(quoted[0])
	} else {
		p.xtake("NIL")
	}
	p.xspace()
	mailbox := p.xastring()
	ul := UntaggedList{flags, b, mailbox}
	if p.take(' ') {
		// Extended data, e.g. CHILDINFO, we don't use it.
		p.xskipList()
	}
	return ul
}

// ../rfc/9051:7034
func (p *parser) xsequenceSet() NumSet {
	if p.take('$') {
		return NumSet{SearchResult: true}
	}
	var ss NumSet
	for {
		var sr NumRange
		if !p.take('*') {
			sr.First = p.xnzuint32()
		}
		if p.take(':') {
			var num uint32
			if !p.take('*') {
				num = p.xnzuint32()
			}
			sr.Last = &num
		}
		ss.Ranges = append(ss.Ranges, sr)
		if !p.take(',') {
			break
		}
	}
	return ss
}

// ../rfc/9051:6546
// Already consumed: "ESEARCH"
func (p *parser) xesearchResponse() (r UntaggedEsearch) {
	if !p.take(' ') {
		return
	}
	if p.take('(') {
		// ../rfc/9051:6921
		p.xtake("TAG ")
		r.Correlator = p.xastring()
		p.xtake(")")
		if !p.take(' ') {
			return
		}
	}
	w := p.xnonspace()
	W := strings.ToUpper(w)
	if W == "UID" {
		r.UID = true
		if !p.take(' ') {
			return
		}
		W = strings.ToUpper(p.xnonspace())
	}
	for {
		// ../rfc/9051:6957
		p.xspace()
		switch W {
		case "MIN":
			r.Min = p.xnzuint32()
		case "MAX":
			r.Max = p.xnzuint32()
		case "ALL":
			r.All = p.xsequenceSet()
		case "COUNT":
			num := p.xuint32()
			r.Count = &num
		case "MODSEQ":
			r.ModSeq = p.xint64()
		default:
			p.xerrorf("unknown esearch return data %q", W)
		}
		if !p.take(' ') {
			break
		}
		W = strings.ToUpper(p.xnonspace())
	}
	return
}

// ParseUntagged parses a complete untagged response, including inline literals
// and the required trailing crlf.
//
// Example:
//
//	"* BYE shutting down connection\r\n"
func ParseUntagged(s string) (untagged Untagged, rerr error) {
	p := parser{s: s}
	defer p.recover(&rerr)
	p.xtake("* ")
	untagged = p.xuntagged()
	return
}

// ParseResult parses a line, including required crlf, as a command result line.
//
// Example:
//
//	"~A1 OK [READ-WRITE] done\r\n"
func ParseResult(s string) (tag string, result Result, rerr error) {
	p := parser{s: s}
	defer p.recover(&rerr)
	tag = p.xnonspace()
	p.xspace()
	status := p.xstatus()
	if p.take(' ') {
		result = p.xresult(status)
	} else {
		result = Result{Status: status}
	}
	p.xcrlf()
	return
}

// ParseCode parses a response code. The string must not have enclosing brackets.
//
// Example:
//
//	"UIDVALIDITY 123"
func ParseCode(s string) (code Code, rerr error) {
	p := parser{s: s + "]"}
	defer p.recover(&rerr)
	code = p.xrespCode()
	p.xtake("]")
	if !p.empty() {
		p.xerrorf("leftover data")
	}
	return code, nil
}

// ParseNumSet parses a sequence set, e.g. "1:3,5,7:*".
func ParseNumSet(s string) (ns NumSet, rerr error) {
	p := parser{s: s}
	defer p.recover(&rerr)
	ns = p.xsequenceSet()
	if !p.empty() {
		p.xerrorf("leftover data")
	}
	return
}

// UntaggedKind returns the upper case kind of an untagged response line without
// parsing it fully, e.g. "FETCH" for "* 1 FETCH (...)", or "CAPABILITY". Used by
// response handlers to decide whether to claim a line.
func UntaggedKind(line string) string {
	s, ok := strings.CutPrefix(line, "* ")
	if !ok {
		return ""
	}
	w, rest, _ := strings.Cut(strings.TrimRight(s, "\r\n"), " ")
	if _, err := strconv.ParseUint(w, 10, 32); err == nil {
		w, _, _ = strings.Cut(rest, " ")
	}
	return strings.ToUpper(w)
}

// literalSize returns the size of a literal that the line announces at its end,
// i.e. "{123}\r\n", "{123+}\r\n" or "~{123}\r\n". The line must include the crlf.
func literalSize(line string) (size int64, ok bool) {
	s, found := strings.CutSuffix(line, "}\r\n")
	if !found {
		return 0, false
	}
	i := strings.LastIndexByte(s, '{')
	if i < 0 {
		return 0, false
	}
	num := strings.TrimSuffix(s[i+1:], "+")
	if num == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(num, 10, 63)
	if err != nil {
		return 0, false
	}
	return v, true
}

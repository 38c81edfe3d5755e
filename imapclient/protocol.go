package imapclient

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Capability is a known string for with the ENABLED command and response and
// CAPABILITY responses. Servers could send unknown values. Always in upper case.
type Capability string

const (
	CapIMAP4rev1           Capability = "IMAP4REV1"               // ../rfc/3501:1310
	CapIMAP4rev2           Capability = "IMAP4REV2"               // ../rfc/9051:1219
	CapLoginDisabled       Capability = "LOGINDISABLED"           // ../rfc/3501:3792
	CapStartTLS            Capability = "STARTTLS"                // ../rfc/3501:1327
	CapAuthPlain           Capability = "AUTH=PLAIN"              // ../rfc/4616
	CapAuthLogin           Capability = "AUTH=LOGIN"              // Not standardized, but common.
	CapAuthSCRAMSHA256Plus Capability = "AUTH=SCRAM-SHA-256-PLUS" // ../rfc/7677:80
	CapAuthSCRAMSHA256     Capability = "AUTH=SCRAM-SHA-256"
	CapAuthSCRAMSHA1Plus   Capability = "AUTH=SCRAM-SHA-1-PLUS" // ../rfc/5802:465
	CapAuthSCRAMSHA1       Capability = "AUTH=SCRAM-SHA-1"
	CapSASLIR              Capability = "SASL-IR"          // ../rfc/4959
	CapLiteralPlus         Capability = "LITERAL+"         // ../rfc/2088:45
	CapLiteralMinus        Capability = "LITERAL-"         // ../rfc/7888:26
	CapIdle                Capability = "IDLE"             // ../rfc/2177:69
	CapUidplus             Capability = "UIDPLUS"          // ../rfc/4315:36
	CapEsearch             Capability = "ESEARCH"          // ../rfc/4731:69
	CapEnable              Capability = "ENABLE"           // ../rfc/5161:52
	CapSpecialUse          Capability = "SPECIAL-USE"      // ../rfc/6154:156
	CapCondstore           Capability = "CONDSTORE"        // ../rfc/7162:411
	CapQresync             Capability = "QRESYNC"          // ../rfc/7162:1376
	CapCompressDeflate     Capability = "COMPRESS=DEFLATE" // ../rfc/4978:65
	CapUTF8Accept          Capability = "UTF8=ACCEPT"
)

// Status is the tagged final result of a command.
type Status string

const (
	BAD Status = "BAD" // Syntax error.
	NO  Status = "NO"  // Command failed.
	OK  Status = "OK"  // Command succeeded.
)

// Response is a response to an IMAP command including any preceding untagged
// responses claimed by the command. Response implements the error interface
// through result.
type Response struct {
	Untagged []Untagged
	Result
}

// UntaggedResponses returns all untagged responses of type T in the response.
func UntaggedResponses[T Untagged](resp Response) []T {
	var l []T
	for _, e := range resp.Untagged {
		if tt, ok := e.(T); ok {
			l = append(l, tt)
		}
	}
	return l
}

// Result is the final response for a command, indicating success or failure.
type Result struct {
	Status Status
	Code   Code   // Set if response code is present.
	Text   string // Any remaining text.
}

func (r Result) Error() string {
	s := fmt.Sprintf("IMAP result %s", r.Status)
	if r.Code != nil {
		s += " [" + r.Code.CodeString() + "]"
	}
	if r.Text != "" {
		s += " " + r.Text
	}
	return s
}

// Code represents a response code with optional arguments, i.e. the data between [] in the response line.
type Code interface {
	CodeString() string
}

// CodeWord is a response code without parameters, always in upper case.
type CodeWord string

func (c CodeWord) CodeString() string {
	return string(c)
}

// CodeParams is an unrecognized response code with parameters.
type CodeParams struct {
	Code string // Always in upper case.
	Args []string
}

func (c CodeParams) CodeString() string {
	return c.Code + " " + strings.Join(c.Args, " ")
}

// CodeCapability is a CAPABILITY response code with the capabilities supported by the server.
type CodeCapability []Capability

func (c CodeCapability) CodeString() string {
	var s string
	for _, c := range c {
		s += " " + string(c)
	}
	return "CAPABILITY" + s
}

type CodePermanentFlags []string

func (c CodePermanentFlags) CodeString() string {
	return "PERMANENTFLAGS (" + strings.Join([]string(c), " ") + ")"
}

type CodeUIDNext uint32

func (c CodeUIDNext) CodeString() string {
	return fmt.Sprintf("UIDNEXT %d", c)
}

type CodeUIDValidity uint32

func (c CodeUIDValidity) CodeString() string {
	return fmt.Sprintf("UIDVALIDITY %d", c)
}

type CodeUnseen uint32

func (c CodeUnseen) CodeString() string {
	return fmt.Sprintf("UNSEEN %d", c)
}

// For CONDSTORE.
type CodeHighestModSeq int64

func (c CodeHighestModSeq) CodeString() string {
	return fmt.Sprintf("HIGHESTMODSEQ %d", c)
}

// atom or string.
func astring(s string) string {
	if len(s) == 0 {
		return stringx(s)
	}
	for _, c := range s {
		if c <= ' ' || c >= 0x7f || c == '(' || c == ')' || c == '{' || c == '%' || c == '*' || c == '"' || c == '\\' || c == ']' {
			return stringx(s)
		}
	}
	return s
}

// imap "string", i.e. double-quoted string. Strings that cannot be quoted, with
// CR/LF/NUL or non-ASCII, return ok false and must be sent as literal.
func quoted(s string) (string, bool) {
	r := `"`
	for _, c := range s {
		if c == '\x00' || c == '\r' || c == '\n' || c >= 0x80 {
			return "", false
		}
		if c == '\\' || c == '"' {
			r += `\`
		}
		r += string(c)
	}
	r += `"`
	return r, true
}

// stringx returns s quoted, or as non-synchronizing literal if it cannot be
// quoted. Only use when the server announced LITERAL+ or LITERAL-.
func stringx(s string) string {
	if q, ok := quoted(s); ok {
		return q
	}
	return fmt.Sprintf("{%d+}\r\n", len(s)) + s
}

// Untagged is a parsed untagged response. See types starting with Untagged.
type Untagged any

type UntaggedBye struct {
	Code Code   // Set if response code is present.
	Text string // Any remaining text.
}
type UntaggedPreauth struct {
	Code Code   // Set if response code is present.
	Text string // Any remaining text.
}
type UntaggedExpunge uint32
type UntaggedExists uint32
type UntaggedRecent uint32

// UntaggedCapability lists all capabilities the server implements.
type UntaggedCapability []Capability

// UntaggedEnabled indicates the capabilities that were enabled on the connection
// by the server, typically in response to an ENABLE command.
type UntaggedEnabled []Capability

type UntaggedResult Result
type UntaggedFlags []string
type UntaggedList struct {
	// ../rfc/9051:6690

	Flags     []string
	Separator byte // 0 for NIL
	Mailbox   string
}
type UntaggedFetch struct {
	Seq   uint32
	Attrs []FetchAttr
}

// UID returns the UID attribute of the fetch response, or 0 if absent.
func (f UntaggedFetch) UID() uint32 {
	for _, a := range f.Attrs {
		if uid, ok := a.(FetchUID); ok {
			return uint32(uid)
		}
	}
	return 0
}

// Flags returns the FLAGS attribute of the fetch response, and whether it was present.
func (f UntaggedFetch) Flags() (FetchFlags, bool) {
	for _, a := range f.Attrs {
		if flags, ok := a.(FetchFlags); ok {
			return flags, true
		}
	}
	return nil, false
}

type UntaggedSearch []uint32

type UntaggedStatus struct {
	Mailbox string
	Attrs   map[StatusAttr]int64 // Upper case status attributes.
}

type StatusAttr string

// ../rfc/9051:7059

const (
	StatusMessages      StatusAttr = "MESSAGES"
	StatusUIDNext       StatusAttr = "UIDNEXT"
	StatusUIDValidity   StatusAttr = "UIDVALIDITY"
	StatusUnseen        StatusAttr = "UNSEEN"
	StatusDeleted       StatusAttr = "DELETED"
	StatusSize          StatusAttr = "SIZE"
	StatusRecent        StatusAttr = "RECENT"
	StatusHighestModSeq StatusAttr = "HIGHESTMODSEQ"
)

// Fields are optional and zero if absent.
type UntaggedEsearch struct {
	Correlator string // ../rfc/9051:6546
	UID        bool
	Min        uint32
	Max        uint32
	All        NumSet
	Count      *uint32
	ModSeq     int64
}

// UntaggedVanished is used in QRESYNC to send UIDs that have been removed.
type UntaggedVanished struct {
	Earlier bool
	UIDs    NumSet
}

// FetchAttr represents a FETCH response attribute.
type FetchAttr interface {
	Attr() string // Name of attribute in upper case, e.g. "UID".
}

// NumSet is a set of message sequence numbers or UIDs.
type NumSet struct {
	SearchResult bool // True if "$", in which case Ranges is irrelevant.
	Ranges       []NumRange
}

func (ns NumSet) IsZero() bool {
	return !ns.SearchResult && ns.Ranges == nil
}

func (ns NumSet) String() string {
	if ns.SearchResult {
		return "$"
	}
	var r string
	for i, x := range ns.Ranges {
		if i > 0 {
			r += ","
		}
		r += x.String()
	}
	return r
}

// Numbers expands the set into individual numbers. Ranges with "*" cannot be
// expanded and cause an error.
func (ns NumSet) Numbers() ([]uint32, error) {
	var l []uint32
	for _, r := range ns.Ranges {
		if r.First == 0 || r.Last != nil && *r.Last == 0 {
			return nil, fmt.Errorf("cannot expand %q with star", r.String())
		}
		if r.Last == nil {
			l = append(l, r.First)
			continue
		}
		first, last := r.First, *r.Last
		if first > last {
			first, last = last, first
		}
		for v := first; ; v++ {
			l = append(l, v)
			if v == last {
				break
			}
		}
	}
	return l, nil
}

// NumSetFrom returns a compact NumSet for the numbers, which are sorted first.
func NumSetFrom(nums ...uint32) NumSet {
	l := append([]uint32{}, nums...)
	sort.Slice(l, func(i, j int) bool { return l[i] < l[j] })
	var ns NumSet
	for i := 0; i < len(l); {
		first := l[i]
		last := first
		i++
		for i < len(l) && (l[i] == last || l[i] == last+1) {
			last = l[i]
			i++
		}
		r := NumRange{First: first}
		if last != first {
			v := last
			r.Last = &v
		}
		ns.Ranges = append(ns.Ranges, r)
	}
	return ns
}

// NumRange is a single number or range.
type NumRange struct {
	First uint32  // 0 for "*".
	Last  *uint32 // Nil if absent, 0 for "*".
}

func (nr NumRange) String() string {
	var r string
	if nr.First == 0 {
		r += "*"
	} else {
		r += fmt.Sprintf("%d", nr.First)
	}
	if nr.Last == nil {
		return r
	}
	r += ":"
	v := *nr.Last
	if v == 0 {
		r += "*"
	} else {
		r += fmt.Sprintf("%d", v)
	}
	return r
}

// "FLAGS" fetch response.
type FetchFlags []string

func (f FetchFlags) Attr() string { return "FLAGS" }

// Has returns whether flag is present, compared case-insensitively.
func (f FetchFlags) Has(flag string) bool {
	for _, s := range f {
		if strings.EqualFold(s, flag) {
			return true
		}
	}
	return false
}

// "ENVELOPE" fetch response.
type FetchEnvelope Envelope

func (f FetchEnvelope) Attr() string { return "ENVELOPE" }

// Envelope holds the basic email message fields.
type Envelope struct {
	Date                               string
	Subject                            string
	From, Sender, ReplyTo, To, CC, BCC []Address
	InReplyTo, MessageID               string
}

// Address is an address field in an email message, e.g. To.
type Address struct {
	Name, Adl, Mailbox, Host string
}

// String returns the address as "Name <mailbox@host>", or just the address.
func (a Address) String() string {
	addr := a.Mailbox
	if a.Host != "" {
		addr += "@" + a.Host
	}
	if a.Name == "" {
		return addr
	}
	return fmt.Sprintf("%s <%s>", a.Name, addr)
}

// "INTERNALDATE" fetch response.
type FetchInternalDate struct {
	Date time.Time
}

func (f FetchInternalDate) Attr() string { return "INTERNALDATE" }

// "RFC822.SIZE" fetch response.
type FetchRFC822Size int64

func (f FetchRFC822Size) Attr() string { return "RFC822.SIZE" }

// "BODYSTRUCTURE" fetch response. The structure itself is skipped while parsing.
type FetchBodystructure struct {
	RespAttr string
}

func (f FetchBodystructure) Attr() string { return f.RespAttr }

// "BODY" fetch response.
type FetchBody struct {
	// ../rfc/9051:6756 ../rfc/9051:6985

	RespAttr string
	Section  string
	Offset   int32
	Body     string
}

func (f FetchBody) Attr() string { return f.RespAttr }

// "UID" fetch response.
type FetchUID uint32

func (f FetchUID) Attr() string { return "UID" }

// "MODSEQ" fetch response.
type FetchModSeq int64

func (f FetchModSeq) Attr() string { return "MODSEQ" }

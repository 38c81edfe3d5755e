package imapclient

import (
	"fmt"
	"reflect"
	"testing"
	"time"
)

func tcheckf(t *testing.T, err error, format string, args ...any) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", fmt.Sprintf(format, args...), err)
	}
}

func tcompare(t *testing.T, a, b any) {
	t.Helper()
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", a, b)
	}
}

func uint32ptr(v uint32) *uint32 { return &v }

func TestParse(t *testing.T) {
	code, err := ParseCode("UIDVALIDITY 123")
	tcheckf(t, err, "parsing code")
	tcompare(t, code, CodeUIDValidity(123))

	code, err = ParseCode("READ-WRITE")
	tcheckf(t, err, "parsing code")
	tcompare(t, code, CodeWord("READ-WRITE"))

	ut, err := ParseUntagged("* BYE done\r\n")
	tcheckf(t, err, "parsing untagged")
	tcompare(t, ut, UntaggedBye{Text: "done"})

	tag, result, err := ParseResult("~A1 OK [ALERT] Hello\r\n")
	tcheckf(t, err, "parsing result")
	tcompare(t, tag, "~A1")
	tcompare(t, result, Result{Status: OK, Code: CodeWord("ALERT"), Text: "Hello"})

	_, result, err = ParseResult("~A2 NO\r\n")
	tcheckf(t, err, "parsing result without text")
	tcompare(t, result, Result{Status: NO})

	ut, err = ParseUntagged("* CAPABILITY IMAP4rev1 idle AUTH=PLAIN\r\n")
	tcheckf(t, err, "parsing capability")
	tcompare(t, ut, UntaggedCapability{CapIMAP4rev1, CapIdle, CapAuthPlain})

	ut, err = ParseUntagged("* OK [PERMANENTFLAGS (\\Seen \\Answered \\*)] Limited\r\n")
	tcheckf(t, err, "parsing permanentflags")
	tcompare(t, ut, UntaggedResult{Status: OK, Code: CodePermanentFlags{`\Seen`, `\Answered`, `\*`}, Text: "Limited"})

	ut, err = ParseUntagged("* SEARCH 2 10 30\r\n")
	tcheckf(t, err, "parsing search")
	tcompare(t, ut, UntaggedSearch{2, 10, 30})

	ut, err = ParseUntagged("* SEARCH\r\n")
	tcheckf(t, err, "parsing empty search")
	tcompare(t, ut, UntaggedSearch(nil))

	ut, err = ParseUntagged("* ESEARCH (TAG \"~A3\") UID ALL 1:3,7\r\n")
	tcheckf(t, err, "parsing esearch")
	tcompare(t, ut, UntaggedEsearch{Correlator: "~A3", UID: true, All: NumSet{Ranges: []NumRange{{1, uint32ptr(3)}, {7, nil}}}})

	ut, err = ParseUntagged("* LIST (\\HasNoChildren \\Sent) \"/\" \"Sent Items\"\r\n")
	tcheckf(t, err, "parsing list")
	tcompare(t, ut, UntaggedList{Flags: []string{`\HasNoChildren`, `\Sent`}, Separator: '/', Mailbox: "Sent Items"})

	ut, err = ParseUntagged("* LIST () NIL {5}\r\nInbox\r\n")
	tcheckf(t, err, "parsing list with literal")
	tcompare(t, ut, UntaggedList{Mailbox: "Inbox"})

	ut, err = ParseUntagged("* 12 EXISTS\r\n")
	tcheckf(t, err, "parsing exists")
	tcompare(t, ut, UntaggedExists(12))

	ut, err = ParseUntagged("* 3 EXPUNGE\r\n")
	tcheckf(t, err, "parsing expunge")
	tcompare(t, ut, UntaggedExpunge(3))

	ut, err = ParseUntagged("* STATUS Inbox (MESSAGES 3 UIDNEXT 10)\r\n")
	tcheckf(t, err, "parsing status")
	tcompare(t, ut, UntaggedStatus{"Inbox", map[StatusAttr]int64{StatusMessages: 3, StatusUIDNext: 10}})

	ut, err = ParseUntagged("* VANISHED (EARLIER) 3:5\r\n")
	tcheckf(t, err, "parsing vanished")
	tcompare(t, ut, UntaggedVanished{true, NumSet{Ranges: []NumRange{{3, uint32ptr(5)}}}})

	envelope := `("Mon, 1 Jan 2024 10:00:00 +0000" {7}` + "\r\nsubject" + ` (("Mox" NIL "mox" "example.org")) NIL NIL ((NIL NIL "rcpt" "example.com")) NIL NIL NIL "<id@example.org>")`
	ut, err = ParseUntagged("* 1 FETCH (UID 10 FLAGS (\\Seen $Junk) RFC822.SIZE 1234 INTERNALDATE \" 1-Jan-2024 10:00:00 +0000\" ENVELOPE " + envelope + ")\r\n")
	tcheckf(t, err, "parsing fetch")
	// Parsed times may get the local zone, compare separately.
	fetch := ut.(UntaggedFetch)
	date := fetch.Attrs[3].(FetchInternalDate).Date
	if !date.Equal(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("got internaldate %v", date)
	}
	fetch.Attrs[3] = FetchInternalDate{}
	tcompare(t, fetch, UntaggedFetch{
		Seq: 1,
		Attrs: []FetchAttr{
			FetchUID(10),
			FetchFlags{`\Seen`, "$Junk"},
			FetchRFC822Size(1234),
			FetchInternalDate{},
			FetchEnvelope{
				Date:      "Mon, 1 Jan 2024 10:00:00 +0000",
				Subject:   "subject",
				From:      []Address{{Name: "Mox", Mailbox: "mox", Host: "example.org"}},
				To:        []Address{{Mailbox: "rcpt", Host: "example.com"}},
				MessageID: "<id@example.org>",
			},
		},
	})

	ut, err = ParseUntagged("* 2 FETCH (BODYSTRUCTURE (\"text\" \"plain\" (\"charset\" \"utf-8\") NIL NIL \"7bit\" 12 1) BODY[1]<0> \"hi\")\r\n")
	tcheckf(t, err, "parsing fetch with bodystructure")
	tcompare(t, ut, UntaggedFetch{2, []FetchAttr{FetchBodystructure{"BODYSTRUCTURE"}, FetchBody{"BODY[1]<0>", "1", 0, "hi"}}})

	ns, err := ParseNumSet("1:3,5,7:*")
	tcheckf(t, err, "parsing numset")
	tcompare(t, ns.String(), "1:3,5,7:*")

	_, err = ParseUntagged("* 0 FETCH (UID 1)\r\n")
	if err == nil {
		t.Fatalf("expected error for zero sequence number")
	}
	_, err = ParseUntagged("* 1 FETCH (UID 1)")
	if err == nil {
		t.Fatalf("expected error for missing crlf")
	}
}

func TestUntaggedKind(t *testing.T) {
	tcompare(t, UntaggedKind("* 1 FETCH (UID 1)\r\n"), "FETCH")
	tcompare(t, UntaggedKind("* search 1 2\r\n"), "SEARCH")
	tcompare(t, UntaggedKind("* OK [UIDVALIDITY 1] x\r\n"), "OK")
	tcompare(t, UntaggedKind("* 3 EXISTS\r\n"), "EXISTS")
	tcompare(t, UntaggedKind("~A1 OK done\r\n"), "")
}

func TestLiteralSize(t *testing.T) {
	check := func(line string, expSize int64, expOK bool) {
		t.Helper()
		size, ok := literalSize(line)
		tcompare(t, ok, expOK)
		tcompare(t, size, expSize)
	}
	check("* 1 FETCH (BODY[] {10}\r\n", 10, true)
	check("* LIST () \"/\" {5+}\r\n", 5, true)
	check("* 1 FETCH (BINARY[] ~{3}\r\n", 3, true)
	check("* OK {x}\r\n", 0, false)
	check("* OK {}\r\n", 0, false)
	check("* OK done\r\n", 0, false)
}

func TestNumSet(t *testing.T) {
	tcompare(t, NumSetFrom(5, 1, 2, 3, 9, 10, 3).String(), "1:3,5,9:10")
	tcompare(t, NumSetFrom(7).String(), "7")
	nums, err := NumSet{Ranges: []NumRange{{1, uint32ptr(3)}, {8, nil}}}.Numbers()
	tcheckf(t, err, "expanding")
	tcompare(t, nums, []uint32{1, 2, 3, 8})
	_, err = NumSet{Ranges: []NumRange{{1, uint32ptr(0)}}}.Numbers()
	if err == nil {
		t.Fatalf("expected error expanding star")
	}
}

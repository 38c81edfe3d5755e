package imapclient

import (
	"testing"
)

func FuzzParser(f *testing.F) {
	seeds := []string{
		"* OK [CAPABILITY IMAP4rev1 IDLE] ready\r\n",
		"* BYE shutting down\r\n",
		"* 3 EXISTS\r\n",
		"* 2 EXPUNGE\r\n",
		"* SEARCH 1 2 3\r\n",
		"* ESEARCH (TAG \"~A1\") UID ALL 1:3\r\n",
		"* LIST (\\HasNoChildren) \"/\" Inbox\r\n",
		"* 1 FETCH (UID 1 FLAGS (\\Seen) BODY[] {3}\r\nabc)\r\n",
		"* FLAGS (\\Seen \\Answered)\r\n",
		"~A1 OK [READ-WRITE] done\r\n",
		"~A2 NO [ALERT] failed\r\n",
		"1:3",
		"3:1",
		"3,1",
		"*",
	}
	for _, s := range seeds {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, data string) {
		ParseUntagged(data)
		ParseCode(data)
		ParseResult(data)
		ParseNumSet(data)
		UntaggedKind(data)
		literalSize(data)
	})
}

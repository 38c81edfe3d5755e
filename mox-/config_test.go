package mox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mjl-/mailsync/mlog"
)

func TestParseConfig(t *testing.T) {
	log := mlog.New("mox", nil)
	dir := t.TempDir()
	write := func(s string) string {
		t.Helper()
		p := filepath.Join(dir, "mailsync.conf")
		if err := os.WriteFile(p, []byte(s), 0660); err != nil {
			t.Fatalf("write config: %v", err)
		}
		return p
	}

	p := write(`DataDir: data
LogLevel: debug
PackageLogLevels:
	imapclient: trace
Accounts:
	mjl:
		Host: imap.example
		Username: mjl
		Password: test1234
		Folders:
			- inbox
			- Archive
`)
	c, errs := ParseConfig(context.Background(), log, p, false)
	if len(errs) != 0 {
		t.Fatalf("parse config: %v", errs)
	}
	if c.Log[""] != mlog.LevelDebug || c.Log["imapclient"] != mlog.LevelTrace {
		t.Fatalf("unexpected log levels %v", c.Log)
	}
	acc := c.Static.Accounts["mjl"]
	if acc.Port != 993 || acc.Folders[0] != "INBOX" {
		t.Fatalf("defaults not applied: port %d, folders %v", acc.Port, acc.Folders)
	}
	if _, err := os.Stat(filepath.Join(dir, "data")); err != nil {
		t.Fatalf("data directory not created: %v", err)
	}

	p = write(`DataDir: data
LogLevel: bogus
Accounts:
	a/b:
		Host: imap.example
		Username: mjl
		Password: test1234
		TLS: plain
`)
	_, errs = ParseConfig(context.Background(), log, p, true)
	var l []string
	for _, err := range errs {
		l = append(l, err.Error())
	}
	s := strings.Join(l, "\n")
	for _, exp := range []string{`invalid log level "bogus"`, `account "a/b": invalid name`, `unknown tls mode "plain"`} {
		if !strings.Contains(s, exp) {
			t.Fatalf("missing error %q in %q", exp, s)
		}
	}
}

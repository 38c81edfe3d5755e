package config

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/sconf"
)

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got %#v, expected %#v", got, exp)
	}
}

func TestRetryDelay(t *testing.T) {
	var acc Account
	acc.Defaults()
	r := acc.Retry

	tcompare(t, r.Delay(0), 15*time.Second)
	tcompare(t, r.Delay(1), 15*time.Second)
	tcompare(t, r.Delay(2), time.Minute)
	tcompare(t, r.Delay(3), 2*time.Minute)
	tcompare(t, r.Delay(4), 4*time.Minute)
	tcompare(t, r.Delay(6), 16*time.Minute)
	tcompare(t, r.Delay(7), 30*time.Minute)
	tcompare(t, r.Delay(100), 30*time.Minute)

	r = Retry{Initial: time.Second, Second: 10 * time.Second, Factor: 1.5, Max: time.Hour}
	tcompare(t, r.Delay(3), 15*time.Second)
}

func TestDefaults(t *testing.T) {
	acc := Account{Host: "imap.example", Username: "mjl"}
	acc.Defaults()
	tcompare(t, acc.TLS, TLSImmediate)
	tcompare(t, acc.Port, 993)
	tcompare(t, acc.SyncWindowDays, 30)
	tcompare(t, acc.HeaderBatchSize, 100)
	tcompare(t, acc.MaxMessagesPerFolder, 5000)
	tcompare(t, acc.SyncInterval, 15*time.Minute)
	tcompare(t, acc.Timeouts, Timeouts{Connect: 30 * time.Second, Inactivity: time.Minute, Command: 30 * time.Second, KeepAlive: 28 * time.Minute})
	tcompare(t, acc.Addr("192.0.2.1"), "192.0.2.1:993")
	tcompare(t, acc.Check(), []error(nil))

	acc = Account{TLS: TLSStartTLS}
	acc.Defaults()
	tcompare(t, acc.Port, 143)

	// Explicit values stay.
	acc = Account{Port: 1143, SyncWindowDays: -1}
	acc.Defaults()
	tcompare(t, acc.Port, 1143)
	tcompare(t, acc.SyncWindowDays, -1)
}

func TestCheck(t *testing.T) {
	acc := Account{TLS: "bogus", AuthMechanism: "cram-md5", DNSResolver: "192.0.2.1"}
	acc.Defaults()
	errs := acc.Check()
	var l []string
	for _, err := range errs {
		l = append(l, err.Error())
	}
	tcompare(t, l, []string{
		"missing host",
		`unknown tls mode "bogus"`,
		"missing username",
		`unknown auth mechanism "cram-md5"`,
		"dns resolver: address 192.0.2.1: missing port in address",
	})

	acc = Account{Host: "imap.example", Username: "mjl", AuthMechanism: "SCRAM-SHA-256"}
	acc.Defaults()
	acc.Retry.Max = time.Second
	errs = acc.Check()
	tcompare(t, len(errs), 1)
}

func TestKeepAliveInterval(t *testing.T) {
	to := Timeouts{KeepAlive: 28 * time.Minute}
	tcompare(t, to.KeepAliveInterval(), 28*time.Minute)
	to.IdleKeepAliveCap = 5 * time.Minute
	tcompare(t, to.KeepAliveInterval(), 5*time.Minute)
	to.IdleKeepAliveCap = time.Hour
	tcompare(t, to.KeepAliveInterval(), 28*time.Minute)
}

func TestSyncWindow(t *testing.T) {
	now := time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)
	acc := Account{SyncWindowDays: 10}
	tcompare(t, acc.SyncWindow(now), time.Date(2024, 2, 24, 0, 0, 0, 0, time.UTC))
	acc.SyncWindowDays = -1
	tcompare(t, acc.SyncWindow(now).IsZero(), true)
}

func TestParse(t *testing.T) {
	const conf = `DataDir: data
LogLevel: info
PackageLogLevels:
	imapclient: trace
Accounts:
	work:
		Host: imap.example
		Username: mjl
		Password: test1234
		Folders:
			- INBOX
			- Archive
		Push: true
		SyncInterval: 5m
		Timeouts:
			KeepAlive: 10m
		Retry:
			Factor: 1.5
`
	var c Static
	err := sconf.Parse(strings.NewReader(conf), &c)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	tcompare(t, c.PackageLogLevels, map[string]string{"imapclient": "trace"})
	acc := c.Accounts["work"]
	tcompare(t, acc.Folders, []string{"INBOX", "Archive"})
	tcompare(t, acc.Push, true)
	tcompare(t, acc.SyncInterval, 5*time.Minute)
	acc.Defaults()
	tcompare(t, acc.Timeouts.KeepAlive, 10*time.Minute)
	tcompare(t, acc.Retry.Factor, 1.5)
	tcompare(t, acc.Retry.Initial, 15*time.Second)
	tcompare(t, acc.Check(), []error(nil))
}

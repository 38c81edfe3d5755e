// Command mailsync keeps local copies of message summaries of remote IMAP
// accounts synchronized, see "mailsync help".
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/mjl-/sconf"

	"github.com/mjl-/mailsync/alarm"
	"github.com/mjl-/mailsync/config"
	"github.com/mjl-/mailsync/mlog"
	"github.com/mjl-/mailsync/mox-"
	"github.com/mjl-/mailsync/moxvar"
	"github.com/mjl-/mailsync/session"
	"github.com/mjl-/mailsync/store"
	"github.com/mjl-/mailsync/webctl"
)

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"serve", cmdServe},
	{"sync", cmdSync},
	{"folders", cmdFolders},
	{"emails", cmdEmails},
	{"status", cmdStatus},
	{"retry", cmdRetry},
	{"loglevels", cmdLoglevels},
	{"config test", cmdConfigTest},
	{"config describe", cmdConfigDescribe},
	{"version", cmdVersion},
	{"help", cmdHelp},
	{"helpall", cmdHelpall},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	unlisted bool   // If set, command is not listed until at least some words are matched from command.
	params   string // Arguments to command. Multiple lines possible.
	help     string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help/usage for that command.
	args     []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, we just run the command but cause this
	// panic after the command has registered its flags and set its params and help
	// information. This is then caught and that info printed.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("mailsync "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		// panic generated by Parse.
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "mailsync " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) printUsage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
}

func (c *cmd) Usage() {
	c.printUsage()
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	prefix := func(l, pre []string) bool {
		if len(pre) > len(l) {
			return false
		}
		return slices.Equal(pre, l[:len(pre)])
	}

	var partial []cmd
	for _, c := range cmds {
		if slices.Equal(c.words, args) {
			c.gather()
			fmt.Print(c.makeUsage())
			if c.help != "" {
				fmt.Print("\n" + c.help + "\n")
			}
			return
		} else if prefix(c.words, args) {
			partial = append(partial, c)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, c := range partial {
		c.gather()
		line := "mailsync " + strings.Join(c.words, " ")
		fmt.Printf("%s\n", line)
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

func cmdHelpall(c *cmd) {
	c.unlisted = true
	c.help = `Print all detailed usage and help information for all listed commands.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	n := 0
	for _, c := range cmds {
		c.gather()
		if c.unlisted {
			continue
		}
		if n > 0 {
			fmt.Fprintf(os.Stderr, "\n")
		}
		n++

		fmt.Fprintf(os.Stderr, "# mailsync %s\n\n", strings.Join(c.words, " "))
		if c.help != "" {
			fmt.Fprintln(os.Stderr, c.help+"\n")
		}
		s := c.makeUsage()
		s = "\t" + strings.ReplaceAll(s, "\n", "\n\t")
		fmt.Fprintln(os.Stderr, s)
	}
}

func usage(l []cmd, unlisted bool) {
	var lines []string
	if !unlisted {
		lines = append(lines, "mailsync [-config mailsync.conf] [-loglevel level] ...")
	}
	for _, c := range l {
		c.gather()
		if c.unlisted && !unlisted {
			continue
		}
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"mailsync"}, c.words...)
			if line != "" {
				x = append(x, line)
			}
			lines = append(lines, strings.Join(x, " "))
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

var loglevel string // Empty will be interpreted as info, except for serve.

// Subcommands that are not "serve" use this function to load the config. It keeps
// the loglevel from the command-line instead of using the loglevels from the
// config file.
func mustLoadConfig() {
	mox.MustLoadConfig()
	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		mox.Conf.Log[""] = level
		mlog.SetConfig(mox.Conf.Log)
	} else {
		log.Fatalf("unknown loglevel %q", loglevel)
	}
}

func main() {
	log.SetFlags(0)

	flag.StringVar(&mox.ConfigStaticPath, "config", envString("MAILSYNCCONF", "mailsync.conf"), "configuration file, defaults to $MAILSYNCCONF with a fallback to mailsync.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup")

	flag.Usage = func() { usage(cmds, false) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds, false)
	}

	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		mox.Conf.Log[""] = level
		mlog.SetConfig(mox.Conf.Log)
		// note: SetConfig may be called again when subcommands loads config.
	} else {
		log.Fatalf("unknown loglevel %q", loglevel)
	}

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("mailsync "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""), nil)
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial, true)
	}
	usage(cmds, false)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

func cmdVersion(c *cmd) {
	c.help = "Prints this mailsync version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(moxvar.Version)
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, all errors encountered
are printed.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	_, errs := mox.ParseConfig(context.Background(), c.log, mox.ConfigStaticPath, true)
	if len(errs) > 1 {
		log.Printf("multiple errors:")
		for _, err := range errs {
			log.Printf("%s", err)
		}
		os.Exit(1)
	} else if len(errs) == 1 {
		log.Fatalf("%s", errs[0])
	}
	fmt.Println("config OK")
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">mailsync.conf"
	c.help = `Prints an annotated empty configuration for use as mailsync.conf.

This configuration file needs modifications to make it valid. For example, it
may contain unfinished list items.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	var sc config.Static
	err := sconf.Describe(os.Stdout, &sc)
	xcheckf(err, "describing config")
}

// xopenAccount opens the database of an account, for commands that work while
// mailsync is not serving.
func xopenAccount(c *cmd, name string) (config.Account, *store.DB) {
	acc, ok := mox.Conf.Account(name)
	if !ok {
		log.Fatalf("unknown account %q", name)
	}
	db, err := store.Open(context.Background(), c.log, mox.DataDirPath(""), name)
	xcheckf(err, "open account database (is mailsync serving? use the ctl api instead)")
	return acc, db
}

func cmdSync(c *cmd) {
	c.params = "[-folder name] account"
	c.help = `Connect and synchronize an account once, then log out.

Only for use while mailsync is not serving. Local flag changes are stored on the
server as part of the synchronization.
`
	var folder string
	var timeout time.Duration
	c.flag.StringVar(&folder, "folder", "", "only synchronize this folder, which must be known from an earlier synchronization")
	c.flag.DurationVar(&timeout, "timeout", 10*time.Minute, "abort after this duration")
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig()

	acc, db := xopenAccount(c, args[0])
	defer func() {
		err := db.Close()
		c.log.Check(err, "closing account database")
	}()

	// No persistent alarms, the session ends after this sync.
	acc.Push = false
	alarms := alarm.New(mlog.New("alarm", nil))
	defer alarms.Close()
	m := session.NewManager(mox.Context, mlog.New("session", nil), alarms)
	s, err := m.Add(args[0], acc, db, session.Opts{})
	xcheckf(err, "starting session")
	defer m.Stop()

	done := make(chan error, 1)
	fn := func(err error) {
		done <- err
	}
	if folder == "" {
		s.SyncAll(fn)
	} else {
		s.SyncFolder(folder, fn)
	}
	select {
	case err := <-done:
		if err != nil {
			if st := s.Status(); st.Error != "" {
				log.Printf("session error: %s", st.Error)
			}
		}
		xcheckf(err, "sync")
	case <-time.After(timeout):
		log.Fatalf("sync: timeout after %s", timeout)
	}
	st, err := db.Status(context.Background())
	xcheckf(err, "get status")
	fmt.Printf("synchronized, last sync %s\n", st.LastSync.Format(time.RFC3339))
}

func cmdFolders(c *cmd) {
	c.params = "account"
	c.help = `List the folders of an account as stored locally.

Only for use while mailsync is not serving.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig()

	_, db := xopenAccount(c, args[0])
	defer db.Close()
	l, err := db.Folders(context.Background())
	xcheckf(err, "listing folders")
	for _, f := range l {
		var flags string
		if !f.Selectable() {
			flags = " (not selectable)"
		}
		n, err := db.EmailCount(context.Background(), f.ID)
		xcheckf(err, "counting messages")
		fmt.Printf("%s\t%d messages, uidvalidity %d, uidnext %d%s\n", f.Name, n, f.UIDValidity, f.UIDNext, flags)
	}
}

func cmdEmails(c *cmd) {
	c.params = "[-limit n] account folder"
	c.help = `List the newest messages of a folder as stored locally.

Only for use while mailsync is not serving.
`
	var limit int
	c.flag.IntVar(&limit, "limit", 20, "maximum number of messages to print, 0 for all")
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}
	mustLoadConfig()

	_, db := xopenAccount(c, args[0])
	defer db.Close()
	f, err := db.FolderByName(context.Background(), args[1])
	xcheckf(err, "looking up folder")
	l, err := db.Emails(context.Background(), f.ID, limit)
	xcheckf(err, "listing messages")
	for _, e := range l {
		var flags []string
		if e.Seen {
			flags = append(flags, `\Seen`)
		}
		if e.Answered {
			flags = append(flags, `\Answered`)
		}
		if e.Flagged {
			flags = append(flags, `\Flagged`)
		}
		if e.LocalEdit {
			flags = append(flags, "(local)")
		}
		fmt.Printf("%d\t%s\t%s\t%q\t%s\n", e.UID, e.Date.Format("2006-01-02 15:04"), e.From, e.Subject, strings.Join(flags, " "))
	}
}

func cmdStatus(c *cmd) {
	c.params = "[account]"
	c.help = `Print the session status of accounts of a serving mailsync.

Uses the control API, CtlListen must be configured.
`
	args := c.Parse()
	if len(args) > 1 {
		c.Usage()
	}
	mustLoadConfig()

	names := args
	if len(names) == 0 {
		xctlcall("Accounts", nil, &names)
	}
	for _, name := range names {
		var st webctl.AccountStatus
		xctlcall("AccountStatus", []any{name}, &st)
		fmt.Printf("%s: %s", st.Account, st.State)
		if st.Connected {
			fmt.Printf(", connected")
		}
		if st.Running != "" {
			fmt.Printf(", running %s", st.Running)
		}
		if len(st.Pending) > 0 {
			fmt.Printf(", pending %s", strings.Join(st.Pending, ","))
		}
		if !st.RetryAt.IsZero() {
			fmt.Printf(", retry %d at %s", st.Retries, st.RetryAt.Format(time.RFC3339))
		}
		fmt.Println()
		if st.ErrorKind != "" {
			fmt.Printf("\t%s error at %s: %s\n", st.ErrorKind, st.ErrorTime.Format(time.RFC3339), st.ErrorText)
		}
		if !st.LastSync.IsZero() {
			fmt.Printf("\tlast sync %s\n", st.LastSync.Format(time.RFC3339))
		}
	}
}

func cmdRetry(c *cmd) {
	c.params = "account"
	c.help = `Connect again immediately, skipping a backoff delay or retrying after an authentication failure.

Uses the control API, CtlListen must be configured.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig()
	xctlcall("Retry", []any{args[0]}, nil)
}

func cmdLoglevels(c *cmd) {
	c.params = "[level [pkg]]"
	c.help = `Print the log levels, or set a new default log level, or a level for the given package.

By default, a single log level applies to all logging in mailsync. But for each
"pkg", an overriding log level can be configured. Examples of packages:
imapclient, session, syncsession, store, alarm, webctl.

Specify a pkg and an empty level to clear the configured level for a package.

Valid labels: error, info, debug, trace, traceauth, tracedata.

Uses the control API, CtlListen must be configured. Changes are not persisted.
`
	args := c.Parse()
	if len(args) > 2 {
		c.Usage()
	}
	mustLoadConfig()

	if len(args) == 0 {
		var levels map[string]string
		xctlcall("LogLevels", nil, &levels)
		var pkgs []string
		for pkg := range levels {
			pkgs = append(pkgs, pkg)
		}
		slices.Sort(pkgs)
		for _, pkg := range pkgs {
			name := pkg
			if name == "" {
				name = "(default)"
			}
			fmt.Printf("%s: %s\n", name, levels[pkg])
		}
		return
	}
	var pkg string
	if len(args) == 2 {
		pkg = args[1]
	}
	xctlcall("LogLevelSet", []any{pkg, args[0]}, nil)
}

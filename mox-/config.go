package mox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"

	"github.com/mjl-/sconf"

	"github.com/mjl-/mailsync/config"
	"github.com/mjl-/mailsync/mlog"
)

var pkglog = mlog.New("mox", nil)

// ConfigStaticPath is set early in program startup.
var (
	ConfigStaticPath string
	Conf             = Config{Log: map[string]slog.Level{"": slog.LevelError}}
)

var ErrConfig = errors.New("config error")

// Config as used in the code, a processed version of what is in the config file.
type Config struct {
	Static config.Static // Does not change during the lifetime of a running instance.

	logMutex sync.Mutex // For accessing the log levels.
	Log      map[string]slog.Level
}

// LogLevelSet sets a new log level for pkg. An empty pkg sets the default log
// value that is used if no explicit log level is configured for a package.
// This change is ephemeral, no config file is changed.
func (c *Config) LogLevelSet(log mlog.Log, pkg string, level slog.Level) {
	c.logMutex.Lock()
	defer c.logMutex.Unlock()
	l := c.copyLogLevels()
	l[pkg] = level
	c.Log = l
	log.Print("log level changed", slog.String("pkg", pkg), slog.Any("level", mlog.LevelStrings[level]))
	mlog.SetConfig(c.Log)
}

// LogLevelRemove removes a configured log level for a package.
func (c *Config) LogLevelRemove(log mlog.Log, pkg string) {
	c.logMutex.Lock()
	defer c.logMutex.Unlock()
	l := c.copyLogLevels()
	delete(l, pkg)
	c.Log = l
	log.Print("log level cleared", slog.String("pkg", pkg))
	mlog.SetConfig(c.Log)
}

// copyLogLevels returns a copy of c.Log, for modifications.
// must be called with log lock held.
func (c *Config) copyLogLevels() map[string]slog.Level {
	m := map[string]slog.Level{}
	for pkg, level := range c.Log {
		m[pkg] = level
	}
	return m
}

// LogLevels returns a copy of the current log levels.
func (c *Config) LogLevels() map[string]slog.Level {
	c.logMutex.Lock()
	defer c.logMutex.Unlock()
	return c.copyLogLevels()
}

// Accounts returns the configured account names, sorted.
func (c *Config) Accounts() []string {
	var l []string
	for name := range c.Static.Accounts {
		l = append(l, name)
	}
	sort.Strings(l)
	return l
}

// Account returns the configuration of account name, with defaults applied.
func (c *Config) Account(name string) (acc config.Account, ok bool) {
	acc, ok = c.Static.Accounts[name]
	return
}

// MustLoadConfig loads the config, quitting on errors.
func MustLoadConfig() {
	errs := LoadConfig(context.Background(), pkglog)
	if len(errs) > 1 {
		pkglog.Error("loading config file: multiple errors")
		for _, err := range errs {
			pkglog.Errorx("config error", err)
		}
		pkglog.Fatal("stopping after multiple config errors")
	} else if len(errs) == 1 {
		pkglog.Fatalx("loading config file", errs[0])
	}
}

// LoadConfig attempts to parse and load a config, returning any errors
// encountered.
func LoadConfig(ctx context.Context, log mlog.Log) []error {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	Context, ContextCancel = context.WithCancel(context.Background())

	c, errs := ParseConfig(ctx, log, ConfigStaticPath, false)
	if len(errs) > 0 {
		return errs
	}

	mlog.SetConfig(c.Log)
	SetConfig(c)
	return nil
}

// SetConfig sets a new config. Not to be used during normal operation.
func SetConfig(c *Config) {
	// Cannot just assign *c to Conf, it would copy the mutex.
	Conf = Config{c.Static, sync.Mutex{}, c.Log}
}

// ParseConfig parses the static config at path p. If checkOnly is true, only
// checks are done, no directories are created.
func ParseConfig(ctx context.Context, log mlog.Log, p string, checkOnly bool) (c *Config, errs []error) {
	c = &Config{
		Static: config.Static{
			DataDir: ".",
		},
	}

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) && os.Getenv("MAILSYNCCONF") == "" {
			return nil, []error{fmt.Errorf("open config file: %v (hint: use mailsync -config ... or set MAILSYNCCONF=...)", err)}
		}
		return nil, []error{fmt.Errorf("open config file: %v", err)}
	}
	defer f.Close()
	if err := sconf.Parse(f, &c.Static); err != nil {
		return nil, []error{fmt.Errorf("parsing %s%v", p, err)}
	}

	if xerrs := PrepareStaticConfig(ctx, log, p, c, checkOnly); len(xerrs) > 0 {
		return nil, xerrs
	}
	return c, nil
}

// PrepareStaticConfig checks the static config, sets defaults and prepares the
// log levels.
func PrepareStaticConfig(ctx context.Context, log mlog.Log, configFile string, conf *Config, checkOnly bool) (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	c := &conf.Static

	// Post-process logging config.
	if logLevel, ok := mlog.Levels[c.LogLevel]; ok {
		conf.Log = map[string]slog.Level{"": logLevel}
	} else {
		addErrorf("invalid log level %q", c.LogLevel)
		conf.Log = map[string]slog.Level{"": slog.LevelError}
	}
	for pkg, s := range c.PackageLogLevels {
		if logLevel, ok := mlog.Levels[s]; ok {
			conf.Log[pkg] = logLevel
		} else {
			addErrorf("invalid package log level %q", s)
		}
	}

	if len(c.Accounts) == 0 {
		addErrorf("no accounts configured")
	}
	for name, acc := range c.Accounts {
		if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
			addErrorf("account %q: invalid name, must be a valid directory name", name)
		}
		acc.Defaults()
		for _, err := range acc.Check() {
			addErrorf("account %q: %v", name, err)
		}
		if acc.Host != "" {
			if _, err := idna.Lookup.ToASCII(acc.Host); err != nil {
				addErrorf("account %q: host %q: %v", name, acc.Host, err)
			}
		}
		// Folder names are compared with NFC-normalized names from the server.
		for i, folder := range acc.Folders {
			s := norm.NFC.String(folder)
			if strings.EqualFold(s, "inbox") {
				s = "INBOX"
			}
			acc.Folders[i] = s
		}
		c.Accounts[name] = acc
	}

	if !checkOnly {
		dataDir := configDirPath(configFile, c.DataDir)
		if err := os.MkdirAll(dataDir, 0770); err != nil {
			addErrorf("creating data directory: %v", err)
		}
	}
	return
}

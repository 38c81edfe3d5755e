package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mjl-/mailsync/alarm"
	"github.com/mjl-/mailsync/mlog"
	"github.com/mjl-/mailsync/mox-"
	"github.com/mjl-/mailsync/moxvar"
	"github.com/mjl-/mailsync/session"
	"github.com/mjl-/mailsync/store"
	"github.com/mjl-/mailsync/webctl"
)

func cmdServe(c *cmd) {
	c.help = `Start mailsync, synchronizing all configured accounts.

Each account gets a session that connects to the IMAP server when there is work
to do: a scheduled synchronization, local flag changes, or requests through the
control API. With Push, the session stays connected and waits for changes with
IDLE.

On SIGINT or SIGTERM, sessions log out and mailsync exits. Alarms for scheduled
synchronizations and retries are stored and restored on the next start.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	mox.MustLoadConfig()
	log := c.log
	log.Print("starting mailsync", slog.String("version", moxvar.Version), slog.String("config", mox.ConfigStaticPath))

	dataDir := mox.DataDirPath("")
	alarms, err := alarm.Open(mox.Context, mlog.New("alarm", nil), filepath.Join(dataDir, "alarms.db"))
	xcheckf(err, "open alarm database")

	m := session.NewManager(mox.Context, mlog.New("session", nil), alarms)
	var dbs []*store.DB
	for _, name := range mox.Conf.Accounts() {
		acc, _ := mox.Conf.Account(name)
		db, err := store.Open(mox.Context, mlog.New("store", nil), dataDir, name)
		xcheckf(err, "open database for account %q", name)
		dbs = append(dbs, db)
		_, err = m.Add(name, acc, db, session.Opts{})
		xcheckf(err, "adding session for account %q", name)
	}
	n := alarms.Restore()
	log.Debug("alarms restored", slog.Int("count", n))

	var servers []*http.Server
	listen := func(addr string, h http.Handler, what string) {
		ln, err := net.Listen("tcp", addr)
		xcheckf(err, "listen for %s", what)
		srv := &http.Server{Handler: h, ReadHeaderTimeout: 30 * time.Second}
		servers = append(servers, srv)
		log.Print("serving "+what, slog.String("addr", addr))
		go func() {
			err := srv.Serve(ln)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorx("serving "+what, err)
			}
		}()
	}
	if addr := mox.Conf.Static.MetricsListen; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		listen(addr, mux, "metrics")
	}
	if addr := mox.Conf.Static.CtlListen; addr != "" {
		h, err := webctl.Handler("/ctl/", m)
		xcheckf(err, "ctl api handler")
		mux := http.NewServeMux()
		mux.Handle("/ctl/", h)
		listen(addr, mux, "ctl api")
	}

	// Graceful shutdown.
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	sig := <-sigc
	log.Print("shutting down, waiting max 3s for sessions to log out", slog.Any("signal", sig))

	for _, srv := range servers {
		err := srv.Shutdown(context.Background())
		log.Check(err, "shutting down http server")
	}
	shutdown(log, m)
	for _, db := range dbs {
		err := db.Close()
		log.Check(err, "closing account database", slog.String("account", db.Name))
	}
	err = alarms.Close()
	log.Check(err, "closing alarm database")

	if num, ok := sig.(syscall.Signal); ok {
		os.Exit(int(num))
	} else {
		os.Exit(1)
	}
}

func shutdown(log mlog.Log, m *session.Manager) {
	// We indicate we are shutting down. Sessions end their sync sessions and log out.
	mox.ShutdownCancel()

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		log.Print("sessions stopped")

	case <-time.After(3 * time.Second):
		// We now cancel all pending operations, and set an immediate deadline on sockets.
		// Should get us a clean shutdown relatively quickly.
		mox.ContextCancel()
		mox.Connections.Shutdown()

		select {
		case <-stopped:
			log.Print("sessions stopped after aborting connections")
		case <-time.After(time.Second):
			log.Print("shutting down with pending sessions")
		}
	}
}

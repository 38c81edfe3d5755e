// Package webctl implements the control API for a running mailsync, for
// inspecting sessions and local state, and for requesting synchronizations and
// flag changes.
package webctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	_ "embed"

	"github.com/mjl-/sherpa"
	"github.com/mjl-/sherpadoc"
	"github.com/mjl-/sherpaprom"

	"github.com/mjl-/mailsync/metrics"
	"github.com/mjl-/mailsync/mlog"
	"github.com/mjl-/mailsync/mox-"
	"github.com/mjl-/mailsync/moxvar"
	"github.com/mjl-/mailsync/session"
	"github.com/mjl-/mailsync/store"
	"github.com/mjl-/mailsync/syncdiff"
)

var pkglog = mlog.New("webctl", nil)

//go:embed ctlapi.json
var ctlapiJSON []byte

var ctlDoc = mustParseAPI("ctl", ctlapiJSON)

var collector *sherpaprom.Collector

// Sessions of the accounts, set by Handler.
var manager *session.Manager

func mustParseAPI(api string, buf []byte) (doc sherpadoc.Section) {
	err := json.Unmarshal(buf, &doc)
	if err != nil {
		pkglog.Fatalx("parsing api docs", err, slog.String("api", api))
	}
	return doc
}

func init() {
	var err error
	collector, err = sherpaprom.NewCollector("mailsyncctl", nil)
	if err != nil {
		pkglog.Fatalx("creating sherpa prometheus collector", err)
	}
}

// Handler returns an http handler for the control API at path, e.g. /ctl/.
func Handler(path string, m *session.Manager) (http.Handler, error) {
	manager = m
	doc := ctlDoc
	h, err := sherpa.NewHandler(path, moxvar.Version, Ctl{}, &doc, &sherpa.HandlerOpts{Collector: collector, AdjustFunctionNames: "none"})
	if err != nil {
		return nil, fmt.Errorf("sherpa handler: %v", err)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := mox.Cid()
		ctx := context.WithValue(r.Context(), mlog.CidKey, cid)
		defer func() {
			x := recover()
			if x == nil {
				return
			}
			// Errors for the API are handled by sherpa, this is an unexpected problem.
			pkglog.WithCid(cid).Error("unhandled panic in ctl api", slog.Any("panic", x))
			metrics.PanicInc(metrics.Ctl)
			http.Error(w, "500 - internal server error", http.StatusInternalServerError)
		}()
		h.ServeHTTP(w, r.WithContext(ctx))
	}), nil
}

// Ctl exports the control API functions. Requests are not authenticated, the
// API must only be served on a loopback address.
type Ctl struct{}

func xcheckf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	errmsg := fmt.Sprintf("%s: %s", msg, err)
	pkglog.WithContext(ctx).Errorx(msg, err)
	panic(&sherpa.Error{Code: "server:error", Message: errmsg})
}

func xcheckuserf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	errmsg := fmt.Sprintf("%s: %s", msg, err)
	pkglog.WithContext(ctx).Debugx(msg, err)
	panic(&sherpa.Error{Code: "user:error", Message: errmsg})
}

func xsession(account string) *session.Session {
	s := manager.Session(account)
	if s == nil {
		panic(&sherpa.Error{Code: "user:notFound", Message: "account not found"})
	}
	return s
}

// xwait waits for a request to a session to complete, or the context to be
// canceled.
func xwait[T any](ctx context.Context, ch <-chan T) T {
	select {
	case v := <-ch:
		return v
	case <-ctx.Done():
		xcheckf(ctx, ctx.Err(), "waiting for result")
	}
	panic("not reached")
}

// AccountStatus combines the state of the session of an account with its stored
// status.
type AccountStatus struct {
	Account    string
	State      string
	Connected  bool
	Compressed bool
	Retries    int
	RetryAt    time.Time // Zero if no retry is scheduled.
	Running    string    // Name of running command, if any.
	Pending    []string  // Names of queued commands.
	Syncing    []string  // Folders being synchronized.
	Error      string    // Last session error.

	ErrorKind string // Kind of the stored error: network, auth, protocol, config.
	ErrorText string
	ErrorTime time.Time
	LastLogin time.Time
	LastSync  time.Time
}

// Accounts returns the names of the configured accounts.
func (Ctl) Accounts(ctx context.Context) []string {
	return manager.Names()
}

// AccountStatus returns the status of an account.
func (Ctl) AccountStatus(ctx context.Context, account string) AccountStatus {
	s := xsession(account)
	st := s.Status()
	dbst, err := s.DB().Status(ctx)
	xcheckf(ctx, err, "get stored status")
	return AccountStatus{
		Account:    st.Account,
		State:      st.State,
		Connected:  st.Connected,
		Compressed: st.Compressed,
		Retries:    st.Retries,
		RetryAt:    st.RetryAt,
		Running:    st.Running,
		Pending:    st.Pending,
		Syncing:    st.Syncing,
		Error:      st.Error,
		ErrorKind:  dbst.ErrorKind,
		ErrorText:  dbst.ErrorText,
		ErrorTime:  dbst.ErrorTime,
		LastLogin:  dbst.LastLogin,
		LastSync:   dbst.LastSync,
	}
}

// Folders returns the folders of an account as known from the last listing.
func (Ctl) Folders(ctx context.Context, account string) []store.Folder {
	s := xsession(account)
	l, err := s.DB().Folders(ctx)
	xcheckf(ctx, err, "listing folders")
	return l
}

// Emails returns the newest messages in a folder, at most limit if > 0.
func (Ctl) Emails(ctx context.Context, account, folder string, limit int) []store.Email {
	s := xsession(account)
	f, err := s.DB().FolderByName(ctx, folder)
	xcheckuserf(ctx, err, "looking up folder")
	l, err := s.DB().Emails(ctx, f.ID, limit)
	xcheckf(ctx, err, "listing messages")
	return l
}

// SyncNow synchronizes a folder, or all folders if folder is empty, and waits
// for the result.
func (Ctl) SyncNow(ctx context.Context, account, folder string) {
	s := xsession(account)
	done := make(chan error, 1)
	fn := func(err error) {
		done <- err
	}
	if folder == "" {
		s.SyncAll(fn)
	} else {
		s.SyncFolder(folder, fn)
	}
	err := xwait(ctx, done)
	if errors.Is(err, store.ErrUnknownFolder) {
		xcheckuserf(ctx, err, "sync")
	}
	xcheckf(ctx, err, "sync")
}

// EmailSetFlags changes the flags of a message locally. The change is stored
// on the server in the background. The new revision of the message is returned.
func (Ctl) EmailSetFlags(ctx context.Context, account string, emailID int64, flags syncdiff.Flags) int64 {
	s := xsession(account)
	r, err := s.DB().EmailSetFlagsLocal(ctx, emailID, flags)
	if errors.Is(err, store.ErrUnknownEmail) {
		xcheckuserf(ctx, err, "set flags")
	}
	xcheckf(ctx, err, "set flags")
	return r.Revision
}

// PartFetch fetches a body section of a message, e.g. "1" or "TEXT", into the
// local part cache if not yet present, and returns the path of the cached file.
func (Ctl) PartFetch(ctx context.Context, account string, emailID int64, section string) string {
	s := xsession(account)
	e, err := s.DB().EmailByID(ctx, emailID)
	if errors.Is(err, store.ErrUnknownEmail) {
		xcheckuserf(ctx, err, "fetch part")
	}
	xcheckf(ctx, err, "get message")

	type result struct {
		path string
		err  error
	}
	done := make(chan result, 1)
	s.FetchPart(e.FolderID, e.UID, section, func(path string, err error) {
		done <- result{path, err}
	})
	r := xwait(ctx, done)
	xcheckf(ctx, r.err, "fetch part")
	return r.path
}

// Retry connects again immediately, also after an authentication failure.
func (Ctl) Retry(ctx context.Context, account string) {
	xsession(account).Retry()
}

// ClearError removes the stored error of an account, e.g. after it was shown to
// the user.
func (Ctl) ClearError(ctx context.Context, account string) {
	err := xsession(account).DB().ClearError(ctx)
	xcheckf(ctx, err, "clearing error")
}

// LogLevels returns the current log levels, the empty package is the default.
func (Ctl) LogLevels(ctx context.Context) map[string]string {
	m := map[string]string{}
	for pkg, level := range mox.Conf.LogLevels() {
		m[pkg] = mlog.LevelStrings[level]
	}
	return m
}

// LogLevelSet sets a log level for a package, or the default for the empty
// package. The change is not persisted in the config file.
func (Ctl) LogLevelSet(ctx context.Context, pkg string, levelStr string) {
	level, ok := mlog.Levels[levelStr]
	if !ok {
		xcheckuserf(ctx, errors.New("unknown"), "parsing level")
	}
	mox.Conf.LogLevelSet(pkglog.WithContext(ctx), pkg, level)
}

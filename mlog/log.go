// Package mlog provides logging with log levels and fields on top of log/slog.
//
// Each log level has a function to log with and without error. Each such function
// takes a varargs list of slog attributes. Variable data should be in attributes.
// Logging strings themselves should be constant, for easier log processing (e.g.
// building metrics based on log messages).
//
// The log levels can be configured per originating package, e.g. imapclient,
// session. The configuration is application-global, so each Log instance uses the
// same log levels.
//
// Print* should be used for lines that always should be printed, regardless of
// configured log levels. Useful for startup logging and subcommands.
//
// Fatal* stops the program. Its log text is always printed.
package mlog

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var noctx = context.Background()

// Logfmt enables logfmt output instead of the default human-readable lines.
var Logfmt bool

// Levels below slog.LevelDebug are protocol traces. Traceauth includes
// credentials, tracedata includes full message data.
const (
	LevelTracedata = slog.LevelDebug - 8
	LevelTraceauth = slog.LevelDebug - 6
	LevelTrace     = slog.LevelDebug - 4
	LevelDebug     = slog.LevelDebug
	LevelInfo      = slog.LevelInfo
	LevelWarn      = slog.LevelWarn
	LevelError     = slog.LevelError
	LevelFatal     = slog.LevelError + 4 // Printed regardless of configured log level.
	LevelPrint     = slog.LevelError + 8 // Printed regardless of configured log level.
)

var LevelStrings = map[slog.Level]string{
	LevelTracedata: "tracedata",
	LevelTraceauth: "traceauth",
	LevelTrace:     "trace",
	LevelDebug:     "debug",
	LevelInfo:      "info",
	LevelWarn:      "warn",
	LevelError:     "error",
	LevelFatal:     "fatal",
	LevelPrint:     "print",
}

var Levels = map[string]slog.Level{
	"tracedata": LevelTracedata,
	"traceauth": LevelTraceauth,
	"trace":     LevelTrace,
	"debug":     LevelDebug,
	"info":      LevelInfo,
	"warn":      LevelWarn,
	"error":     LevelError,
	"fatal":     LevelFatal,
	"print":     LevelPrint,
}

// Holds a map[string]slog.Level, mapping a package (field pkg in logs) to a log
// level. The empty string is the default/fallback log level.
var config atomic.Pointer[map[string]slog.Level]

func init() {
	SetConfig(map[string]slog.Level{"": LevelError})
}

// SetConfig atomically sets the new log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(&c)
}

// Log wraps a slog.Logger, adding convenience functions with an error
// parameter.
type Log struct {
	*slog.Logger
}

// New returns a Log that adds a "pkg" attribute. If logger is nil, a new
// Logger is created with a default handler writing to stderr, honoring the
// configured per-package log levels.
func New(pkg string, logger *slog.Logger) Log {
	if logger == nil {
		logger = slog.New(&handler{w: os.Stderr})
	}
	return Log{logger}.WithPkg(pkg)
}

// WithPkg returns a copy of the logger with a "pkg" attribute.
func (l Log) WithPkg(pkg string) Log {
	return Log{l.Logger.With(slog.String("pkg", pkg))}
}

// WithCid adds attribute "cid".
func (l Log) WithCid(cid int64) Log {
	return Log{l.Logger.With(slog.Int64("cid", cid))}
}

type key string

// CidKey can be used with context.WithValue to store a "cid" in a context, for logging.
var CidKey key = "cid"

// WithContext adds cid from context, if present. Contexts are often passed to
// functions, especially between packages, to pass a "cid" for an operation.
func (l Log) WithContext(ctx context.Context) Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	return l.WithCid(cidv.(int64))
}

// With adds attributes to each logged line.
func (l Log) With(attrs ...slog.Attr) Log {
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return Log{l.Logger.With(args...)}
}

// Check logs an error if err is not nil. Intended for logging errors of
// function calls in defer, such as Close.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

func errAttrs(err error, attrs []slog.Attr) []slog.Attr {
	if err != nil {
		attrs = append([]slog.Attr{slog.String("err", err.Error())}, attrs...)
	}
	return attrs
}

func (l Log) Fatal(msg string, attrs ...slog.Attr) { l.Fatalx(msg, nil, attrs...) }
func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	l.LogAttrs(noctx, LevelFatal, msg, errAttrs(err, attrs)...)
	os.Exit(1)
}

func (l Log) Print(msg string, attrs ...slog.Attr) { l.Printx(msg, nil, attrs...) }
func (l Log) Printx(msg string, err error, attrs ...slog.Attr) {
	l.LogAttrs(noctx, LevelPrint, msg, errAttrs(err, attrs)...)
}

func (l Log) Debug(msg string, attrs ...slog.Attr) { l.Debugx(msg, nil, attrs...) }
func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.LogAttrs(noctx, LevelDebug, msg, errAttrs(err, attrs)...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) { l.Infox(msg, nil, attrs...) }
func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.LogAttrs(noctx, LevelInfo, msg, errAttrs(err, attrs)...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) { l.Errorx(msg, nil, attrs...) }
func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.LogAttrs(noctx, LevelError, msg, errAttrs(err, attrs)...)
}

// Trace logs data as protocol trace with msg as prefix, at level. For
// LevelTraceauth and LevelTracedata, if only LevelTrace is enabled, the data is
// replaced with "***" and "..." respectively.
func (l Log) Trace(level slog.Level, msg string, data []byte) {
	h := l.Handler()
	if h.Enabled(noctx, level) {
		l.LogAttrs(noctx, level, msg+string(data))
		return
	}
	if level < LevelTrace && h.Enabled(noctx, LevelTrace) {
		s := "..."
		if level == LevelTraceauth {
			s = "***"
		}
		l.LogAttrs(noctx, LevelTrace, msg+s)
	}
}

// handler is the slog.Handler for New without explicit logger. It writes
// single lines to w, filtering based on the package-level configuration.
type handler struct {
	w     io.Writer
	pkg   string
	attrs []slog.Attr
	group string
}

var writeMutex sync.Mutex

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= LevelFatal {
		return true
	}
	cl := *config.Load()
	if v, ok := cl[h.pkg]; ok && h.pkg != "" {
		return level >= v
	}
	v, ok := cl[""]
	return ok && level >= v
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	b := &bytes.Buffer{}
	level := r.Level
	if level < LevelTrace {
		level = LevelTrace
	}
	ls := LevelStrings[level]
	if Logfmt {
		fmt.Fprintf(b, "t=%s l=%s m=%s", r.Time.Format(time.RFC3339Nano), ls, logfmtValue(r.Message))
	} else {
		fmt.Fprintf(b, "%s: %s", ls, logfmtValue(r.Message))
	}
	var attrs []slog.Attr
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		a.Key = h.key(a.Key)
		attrs = append(attrs, a)
		return true
	})
	if Logfmt {
		for _, a := range attrs {
			fmt.Fprintf(b, " %s=%s", a.Key, logfmtValue(stringValue(a.Key == "cid", false, a.Value.Any())))
		}
	} else if len(attrs) > 0 {
		b.WriteString(" (")
		for i, a := range attrs {
			if i > 0 {
				b.WriteString("; ")
			}
			fmt.Fprintf(b, "%s: %s", a.Key, logfmtValue(stringValue(a.Key == "cid", false, a.Value.Any())))
		}
		b.WriteString(")")
	}
	b.WriteString("\n")

	writeMutex.Lock()
	defer writeMutex.Unlock()
	_, err := h.w.Write(b.Bytes())
	return err
}

func (h *handler) key(k string) string {
	if h.group != "" {
		return h.group + "." + k
	}
	return k
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		if a.Key == "pkg" {
			nh.pkg = a.Value.String()
		}
		a.Key = h.key(a.Key)
		nh.attrs = append(nh.attrs, a)
	}
	return &nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	nh := *h
	if nh.group != "" {
		nh.group += "." + name
	} else {
		nh.group = name
	}
	return &nh
}

// escape logfmt string if required, otherwise return original string.
func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return fmt.Sprintf("%q", s)
		}
	}
	return s
}

func stringValue(iscid, nested bool, v any) string {
	// Handle some common types first.
	if v == nil {
		return ""
	}
	switch r := v.(type) {
	case string:
		return r
	case int:
		return strconv.Itoa(r)
	case int64:
		if iscid {
			return fmt.Sprintf("%x", v)
		}
		return strconv.FormatInt(r, 10)
	case bool:
		if r {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case []byte:
		return base64.RawURLEncoding.EncodeToString(r)
	case []string:
		if nested && len(r) == 0 {
			// Drop field from logging.
			return ""
		}
		return "[" + strings.Join(r, ",") + "]"
	case error:
		return r.Error()
	case time.Duration:
		return r.String()
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr && rv.IsNil() {
		return ""
	}

	if r, ok := v.(fmt.Stringer); ok {
		return r.String()
	}

	if rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
		return stringValue(iscid, nested, rv.Interface())
	}
	if rv.Kind() == reflect.Slice {
		n := rv.Len()
		if nested && n == 0 {
			// Drop field.
			return ""
		}
		b := &strings.Builder{}
		b.WriteString("[")
		for i := 0; i < n; i++ {
			if i > 0 {
				b.WriteString(";")
			}
			b.WriteString(stringValue(false, true, rv.Index(i).Interface()))
		}
		b.WriteString("]")
		return b.String()
	} else if rv.Kind() != reflect.Struct {
		return fmt.Sprintf("%v", v)
	}
	n := rv.NumField()
	t := rv.Type()
	b := &strings.Builder{}
	first := true
	for i := 0; i < n; i++ {
		fv := rv.Field(i)
		if !t.Field(i).IsExported() {
			continue
		}
		if fv.Kind() == reflect.Struct || fv.Kind() == reflect.Ptr || fv.Kind() == reflect.Interface {
			// Don't recurse.
			continue
		}
		vs := stringValue(false, true, fv.Interface())
		if vs == "" {
			continue
		}
		if !first {
			b.WriteByte(' ')
		}
		first = false
		k := strings.ToLower(t.Field(i).Name)
		b.WriteString(k + "=" + logfmtValue(vs))
	}
	return b.String()
}

type errWriter struct {
	log   Log
	level slog.Level
	msg   string
}

func (w *errWriter) Write(buf []byte) (int, error) {
	err := fmt.Errorf("%s", strings.TrimSpace(string(buf)))
	w.log.LogAttrs(noctx, w.level, w.msg, slog.String("err", err.Error()))
	return len(buf), nil
}

// ErrWriter returns a writer that turns each write into a logging call on "log"
// with given "level" and "msg" and the written content as an error.
// Can be used for making a Go log.Logger for use in http.Server.ErrorLog.
func ErrWriter(log Log, level slog.Level, msg string) io.Writer {
	return &errWriter{log, level, msg}
}

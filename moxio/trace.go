package moxio

import (
	"io"
	"log/slog"

	"github.com/mjl-/mailsync/mlog"
)

// TraceWriter logs everything written through it at a configurable trace level,
// and keeps count of the number of bytes written.
type TraceWriter struct {
	log    mlog.Log
	prefix string
	w      io.Writer
	level  slog.Level
	n      int64
}

// NewTraceWriter wraps "w" into a writer that logs all writes to "log" with
// log level trace, prefixed with "prefix".
func NewTraceWriter(log mlog.Log, prefix string, w io.Writer) *TraceWriter {
	return &TraceWriter{log: log, prefix: prefix, w: w, level: mlog.LevelTrace}
}

// Write logs a trace line for writing buf to the server, then writes to the
// underlying writer.
func (w *TraceWriter) Write(buf []byte) (int, error) {
	w.log.Trace(w.level, w.prefix, buf)
	n, err := w.w.Write(buf)
	w.n += int64(n)
	return n, err
}

// SetTrace changes the trace level for following writes, returning a function
// that restores the previous level.
func (w *TraceWriter) SetTrace(level slog.Level) (restore func()) {
	prev := w.level
	w.level = level
	return func() {
		w.level = prev
	}
}

// Count returns the number of bytes written so far.
func (w *TraceWriter) Count() int64 {
	return w.n
}

// TraceReader is the reading counterpart of TraceWriter.
type TraceReader struct {
	log    mlog.Log
	prefix string
	r      io.Reader
	level  slog.Level
	n      int64
}

// NewTraceReader wraps reader "r" into a reader that logs all reads to "log"
// with log level trace, prefixed with "prefix".
func NewTraceReader(log mlog.Log, prefix string, r io.Reader) *TraceReader {
	return &TraceReader{log: log, prefix: prefix, r: r, level: mlog.LevelTrace}
}

// Read does a single Read on its underlying reader, logs data of successful
// reads, and returns the data read.
func (r *TraceReader) Read(buf []byte) (int, error) {
	n, err := r.r.Read(buf)
	if n > 0 {
		r.log.Trace(r.level, r.prefix, buf[:n])
		r.n += int64(n)
	}
	return n, err
}

// SetTrace changes the trace level for following reads, returning a function
// that restores the previous level.
func (r *TraceReader) SetTrace(level slog.Level) (restore func()) {
	prev := r.level
	r.level = level
	return func() {
		r.level = prev
	}
}

// Count returns the number of bytes read so far.
func (r *TraceReader) Count() int64 {
	return r.n
}

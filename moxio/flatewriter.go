package moxio

import (
	"compress/flate"
	"io"
)

// FlateWriter wraps a flate.Writer and ensures no Write/Flush/Close calls are made
// again on the underlying flate writer after an earlier call failed, e.g. because
// the connection it writes to broke. After such a failure the compressor state
// no longer matches what the peer has seen, so the stream cannot be continued.
type FlateWriter struct {
	w   *flate.Writer
	err error
}

// NewFlateWriter returns a raw deflate writer (RFC 1951, no zlib header) for
// use with IMAP COMPRESS=DEFLATE.
func NewFlateWriter(w io.Writer) (*FlateWriter, error) {
	fw, err := flate.NewWriter(w, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	return &FlateWriter{w: fw}, nil
}

func (w *FlateWriter) Write(data []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	n, err := w.w.Write(data)
	w.err = err
	return n, err
}

// Flush writes any pending compressed data with a sync flush, so the peer can
// decompress everything written so far.
func (w *FlateWriter) Flush() error {
	if w.err != nil {
		return w.err
	}
	w.err = w.w.Flush()
	return w.err
}

func (w *FlateWriter) Close() error {
	if w.err != nil {
		return w.err
	}
	w.err = w.w.Close()
	return w.err
}

package moxio

import (
	"bufio"
	"io"
	"net"
)

// PrefixConn is a net.Conn prefixed with a reader that is first drained.
// Used for STARTTLS where a buffered reader may already hold initial TLS data.
type PrefixConn struct {
	PrefixReader io.Reader // If not nil, reads are fulfilled from here. It is cleared when a read returns io.EOF.
	net.Conn
}

// Read returns data from PrefixReader when not nil, and from net.Conn otherwise.
func (c *PrefixConn) Read(buf []byte) (int, error) {
	if c.PrefixReader != nil {
		n, err := c.PrefixReader.Read(buf)
		if err == io.EOF {
			c.PrefixReader = nil
			if n == 0 {
				return c.Conn.Read(buf)
			}
			err = nil
		}
		return n, err
	}
	return c.Conn.Read(buf)
}

// NewPrefixConn returns a PrefixConn that first returns the bytes still buffered
// in br, then reads from conn.
func NewPrefixConn(conn net.Conn, br *bufio.Reader) *PrefixConn {
	n := br.Buffered()
	if n == 0 {
		return &PrefixConn{Conn: conn}
	}
	buf, _ := br.Peek(n)
	return &PrefixConn{PrefixReader: &byteReader{buf: append([]byte{}, buf...)}, Conn: conn}
}

type byteReader struct {
	buf []byte
}

func (r *byteReader) Read(buf []byte) (int, error) {
	if len(r.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(buf, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

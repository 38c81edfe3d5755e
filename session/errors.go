package session

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"

	"github.com/mjl-/adns"

	"github.com/mjl-/mailsync/imapclient"
	"github.com/mjl-/mailsync/mox-"
	"github.com/mjl-/mailsync/moxio"
	"github.com/mjl-/mailsync/store"
)

// ErrorKind classifies session errors. It determines whether a failed session
// is retried.
type ErrorKind string

const (
	// No network, connection failures, timeouts, TLS failures. Retried with backoff.
	ErrorNetwork ErrorKind = "network"

	// Bad credentials, or no usable authentication mechanism. Not retried.
	ErrorAuth ErrorKind = "auth"

	// Malformed responses, unexpected results. The connection is closed and retried.
	ErrorProtocol ErrorKind = "protocol"

	// Invalid configuration or missing folder. Not retried.
	ErrorConfig ErrorKind = "config"
)

// Retry returns whether errors of this kind are retried automatically.
func (k ErrorKind) Retry() bool {
	return k == ErrorNetwork || k == ErrorProtocol
}

// Error is a classified session error.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e Error) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e Error) Unwrap() error {
	return e.Err
}

func errorf(kind ErrorKind, format string, args ...any) Error {
	return Error{kind, fmt.Errorf(format, args...)}
}

// Classify returns the kind of err. Errors that are not recognized are
// protocol errors.
func Classify(err error) ErrorKind {
	var serr Error
	if errors.As(err, &serr) {
		return serr.Kind
	}
	var dnsErr *adns.DNSError
	var netErr net.Error
	var certErr *tls.CertificateVerificationError
	var unknownAuthErr x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	switch {
	case errors.Is(err, store.ErrUnknownFolder):
		return ErrorConfig
	case errors.As(err, &certErr), errors.As(err, &unknownAuthErr), errors.As(err, &hostErr):
		// The server certificate will not change by itself, retrying won't help.
		return ErrorConfig
	case errors.As(err, &dnsErr), errors.Is(err, imapclient.ErrBye), moxio.IsClosed(err), moxio.IsTimeout(err), errors.As(err, &netErr):
		return ErrorNetwork
	}
	if _, ok := mox.AsTLSAlert(err); ok {
		return ErrorNetwork
	}
	return ErrorProtocol
}

// fatal returns whether the connection can no longer be used after err, i.e.
// transport failures and errors after which the byte stream may be out of sync.
func fatal(err error) bool {
	if err == nil {
		return false
	}
	var result imapclient.Result
	if errors.As(err, &result) {
		// A NO or BAD for a command is the failure of only that command.
		return false
	}
	var protoErr imapclient.Error
	var serr Error
	if errors.As(err, &protoErr) || errors.As(err, &serr) && serr.Kind != ErrorConfig {
		return true
	}
	return errors.Is(err, imapclient.ErrBye) || moxio.IsClosed(err) || moxio.IsTimeout(err) || errors.Is(err, errPanic)
}

var errPanic = errors.New("panic during command")

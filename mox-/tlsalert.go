package mox

import (
	"errors"
	"net"
	"reflect"
)

// AsTLSAlert returns the TLS alert the server sent when it aborted the handshake
// or connection, e.g. for a protocol version or certificate problem.
func AsTLSAlert(err error) (alert uint8, ok bool) {
	// crypto/tls gives us a net.OpError with "Op" set to "remote error", an Err
	// with the unexported type "alert", a uint8. So we try to read it.
	var opErr *net.OpError
	if !errors.As(err, &opErr) || opErr.Op != "remote error" || opErr.Err == nil {
		return
	}
	v := reflect.ValueOf(opErr.Err)
	if v.Kind() != reflect.Uint8 || v.Type().Name() != "alert" {
		return
	}
	return uint8(v.Uint()), true
}

package moxio

import (
	"errors"
)

// ErrLimit is returned by writers that enforce a maximum size.
var ErrLimit = errors.New("input exceeds maximum size")

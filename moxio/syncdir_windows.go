package moxio

import (
	"github.com/mjl-/mailsync/mlog"
)

// SyncDir is a no-op on Windows.
func SyncDir(log mlog.Log, dir string) error {
	return nil
}

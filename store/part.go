package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mjl-/mailsync/moxio"
)

// PartPath returns the path of the cached body section of a message. Section
// is an IMAP section specifier like "1.2" or "TEXT", empty for the full message.
func (db *DB) PartPath(folderID int64, uid uint32, section string) string {
	if section == "" {
		section = "full"
	}
	section = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '.' || r == '-' {
			return r
		}
		return '_'
	}, section)
	return filepath.Join(db.Dir, "parts", fmt.Sprintf("%d", folderID), fmt.Sprintf("%d.%s", uid, section))
}

// HasPart returns whether the body section is present in the cache.
func (db *DB) HasPart(folderID int64, uid uint32, section string) bool {
	_, err := os.Stat(db.PartPath(folderID, uid, section))
	return err == nil
}

// PartFile is a body section being written to the cache. Data only becomes
// visible at the final path after Commit.
type PartFile struct {
	*os.File
	db    *DB
	path  string
	limit int64
	n     int64
}

// CreatePart starts writing a body section to the cache. Writes beyond limit
// bytes fail with moxio.ErrLimit, limit 0 means no limit. The caller must call
// Commit or Abort.
func (db *DB) CreatePart(folderID int64, uid uint32, section string, limit int64) (*PartFile, error) {
	p := db.PartPath(folderID, uid, section)
	if err := os.MkdirAll(filepath.Dir(p), 0770); err != nil {
		return nil, fmt.Errorf("creating part directory: %v", err)
	}
	f, err := os.CreateTemp(filepath.Dir(p), ".part-*")
	if err != nil {
		return nil, err
	}
	return &PartFile{File: f, db: db, path: p, limit: limit}, nil
}

// Write writes to the temporary file, enforcing the size limit.
func (pf *PartFile) Write(buf []byte) (int, error) {
	if pf.limit > 0 && pf.n+int64(len(buf)) > pf.limit {
		return 0, moxio.ErrLimit
	}
	n, err := pf.File.Write(buf)
	pf.n += int64(n)
	return n, err
}

// Commit syncs the data and moves it into place.
func (pf *PartFile) Commit() error {
	tmp := pf.File.Name()
	if err := pf.File.Sync(); err != nil {
		pf.Abort()
		return fmt.Errorf("sync part: %w", err)
	}
	if err := pf.File.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close part: %w", err)
	}
	if err := os.Rename(tmp, pf.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename part: %w", err)
	}
	return moxio.SyncDir(pf.db.log, filepath.Dir(pf.path))
}

// Abort removes the temporary file.
func (pf *PartFile) Abort() {
	tmp := pf.File.Name()
	err := pf.File.Close()
	pf.db.log.Check(err, "closing part file")
	err = os.Remove(tmp)
	pf.db.log.Check(err, "removing part file")
}

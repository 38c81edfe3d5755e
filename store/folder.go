package store

import (
	"context"
	"fmt"

	"github.com/mjl-/bstore"
)

// Folders returns all folders, sorted by name.
func (db *DB) Folders(ctx context.Context) ([]Folder, error) {
	return bstore.QueryDB[Folder](ctx, db.DB).SortAsc("Name").List()
}

// FolderByName returns the folder with name, or ErrUnknownFolder.
func (db *DB) FolderByName(ctx context.Context, name string) (Folder, error) {
	f, err := bstore.QueryDB[Folder](ctx, db.DB).FilterNonzero(Folder{Name: name}).Get()
	if err == bstore.ErrAbsent {
		return Folder{}, fmt.Errorf("%w: %q", ErrUnknownFolder, name)
	}
	return f, err
}

// FolderByID returns the folder with id, or ErrUnknownFolder.
func (db *DB) FolderByID(ctx context.Context, id int64) (Folder, error) {
	f := Folder{ID: id}
	err := db.DB.Get(ctx, &f)
	if err == bstore.ErrAbsent {
		return Folder{}, fmt.Errorf("%w: id %d", ErrUnknownFolder, id)
	}
	return f, err
}

// FolderMerge makes the local folders match the listed folders by name. New
// folders are inserted, the delimiter and attributes of existing folders are
// updated. Folders that are not listed are removed with their messages.
func (db *DB) FolderMerge(ctx context.Context, listed []Folder) (added, removed []Folder, rerr error) {
	var changes []Change
	rerr = db.DB.Write(ctx, func(tx *bstore.Tx) error {
		local, err := bstore.QueryTx[Folder](tx).List()
		if err != nil {
			return fmt.Errorf("listing folders: %v", err)
		}
		byName := map[string]Folder{}
		for _, f := range local {
			byName[f.Name] = f
		}
		seen := map[string]bool{}
		for _, lf := range listed {
			if seen[lf.Name] {
				continue
			}
			seen[lf.Name] = true
			f, ok := byName[lf.Name]
			if !ok {
				f = Folder{Name: lf.Name, Delimiter: lf.Delimiter, Attributes: lf.Attributes}
				if err := tx.Insert(&f); err != nil {
					return fmt.Errorf("inserting folder %q: %v", lf.Name, err)
				}
				added = append(added, f)
				continue
			}
			if f.Delimiter == lf.Delimiter && equalStrings(f.Attributes, lf.Attributes) {
				continue
			}
			f.Delimiter = lf.Delimiter
			f.Attributes = lf.Attributes
			if err := tx.Update(&f); err != nil {
				return fmt.Errorf("updating folder %q: %v", f.Name, err)
			}
		}
		for _, f := range local {
			if seen[f.Name] {
				continue
			}
			rev, err := removeFolder(tx, f.ID)
			if err != nil {
				return err
			}
			removed = append(removed, f)
			changes = append(changes, Change{Revision: rev, FolderID: f.ID})
		}
		return nil
	})
	if rerr == nil {
		for _, c := range changes {
			db.broadcast(c)
		}
	}
	return
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func removeFolder(tx *bstore.Tx, id int64) (int64, error) {
	rev, err := nextRevision(tx)
	if err != nil {
		return 0, err
	}
	if _, err := bstore.QueryTx[Email](tx).FilterNonzero(Email{FolderID: id}).Delete(); err != nil {
		return 0, fmt.Errorf("removing messages of folder: %v", err)
	}
	if err := tx.Delete(&Folder{ID: id}); err != nil {
		return 0, fmt.Errorf("removing folder: %v", err)
	}
	return rev, nil
}

// FolderRemove removes a folder and its messages.
func (db *DB) FolderRemove(ctx context.Context, id int64) error {
	var rev int64
	err := db.DB.Write(ctx, func(tx *bstore.Tx) error {
		if err := tx.Get(&Folder{ID: id}); err == bstore.ErrAbsent {
			return fmt.Errorf("%w: id %d", ErrUnknownFolder, id)
		} else if err != nil {
			return err
		}
		var err error
		rev, err = removeFolder(tx, id)
		return err
	})
	if err == nil {
		db.broadcast(Change{Revision: rev, FolderID: id})
	}
	return err
}

// FolderUpdate stores the sync metadata of folder f.
func (db *DB) FolderUpdate(ctx context.Context, f Folder) error {
	err := db.DB.Update(ctx, &f)
	if err == bstore.ErrAbsent {
		return fmt.Errorf("%w: id %d", ErrUnknownFolder, f.ID)
	}
	return err
}

// FolderReset removes all messages of a folder after the server changed its
// UIDVALIDITY, and stores the new uidvalidity. The returned revision covers the
// removal.
func (db *DB) FolderReset(ctx context.Context, id int64, uidvalidity uint32) (rev int64, rerr error) {
	rerr = db.DB.Write(ctx, func(tx *bstore.Tx) error {
		f := Folder{ID: id}
		if err := tx.Get(&f); err == bstore.ErrAbsent {
			return fmt.Errorf("%w: id %d", ErrUnknownFolder, id)
		} else if err != nil {
			return err
		}
		var err error
		rev, err = nextRevision(tx)
		if err != nil {
			return err
		}
		if _, err := bstore.QueryTx[Email](tx).FilterNonzero(Email{FolderID: id}).Delete(); err != nil {
			return fmt.Errorf("removing messages: %v", err)
		}
		f.UIDValidity = uidvalidity
		f.UIDNext = 0
		f.HighestModSeq = 0
		return tx.Update(&f)
	})
	if rerr == nil {
		db.broadcast(Change{Revision: rev, FolderID: id})
	}
	return
}

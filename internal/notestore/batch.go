package notestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/starford/sealbook/internal/apperr"
)

// Batch gives raw, unsealed access to one notebook while its mutex is held.
// It is only valid inside the Exclusive callback.
type Batch struct {
	s  *Store
	nb string
}

// Notebook returns the notebook the batch operates on.
func (b *Batch) Notebook() string { return b.nb }

// IDs returns the ids of every note file in the notebook, sorted.
func (b *Batch) IDs() ([]string, error) {
	files, err := b.s.files.ListNotes(b.nb)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(files))
	for _, f := range files {
		ids = append(ids, f.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

// ReadRaw returns the stored bytes and modification time of a note.
func (b *Batch) ReadRaw(id string) ([]byte, time.Time, error) {
	f, err := b.s.stat(b.nb, id)
	if err != nil {
		return nil, time.Time{}, err
	}
	raw, err := b.s.files.Read(b.nb, id)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, time.Time{}, fmt.Errorf("notestore: note %s/%s: %w", b.nb, id, apperr.ErrNotFound)
		}
		return nil, time.Time{}, apperr.NewIOError("read", b.nb+"/"+id, err)
	}
	return raw, f.ModifiedAt, nil
}

// WriteRaw atomically replaces a note's bytes, keeping mtime.
func (b *Batch) WriteRaw(id string, data []byte, mtime time.Time) error {
	if err := b.s.files.Write(b.nb, id, data, mtime); err != nil {
		return apperr.NewIOError("write", b.nb+"/"+id, err)
	}
	return nil
}

// Exclusive runs fn while holding nb's mutex. No other store operation on nb
// can run until fn returns.
func (s *Store) Exclusive(ctx context.Context, nb string, fn func(*Batch) error) error {
	if err := validRef(nb); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	defer s.lock(nb)()
	return fn(&Batch{s: s, nb: nb})
}

package index

import (
	"log/slog"

	"github.com/starford/sealbook/internal/checksum"
	"github.com/starford/sealbook/internal/models"
	"github.com/starford/sealbook/internal/storage"
)

// ProtectedFunc reports whether a notebook is protected. Implementations should
// fail closed and report true when they cannot tell.
type ProtectedFunc func(nb string) bool

// Sync walks the notes tree and brings the index up to date:
//   - new/changed files are upserted
//   - files removed from disk are deleted from the index
func Sync(db *DB, store storage.Provider, protected ProtectedFunc, logger *slog.Logger) error {
	files, err := allFiles(store)
	if err != nil {
		return err
	}

	checksums, err := db.AllChecksums()
	if err != nil {
		return err
	}

	disk := make(map[NoteKey]struct{}, len(files))
	for _, f := range files {
		key := NoteKey{Notebook: f.Notebook, ID: f.ID}
		disk[key] = struct{}{}

		data, err := store.Read(f.Notebook, f.ID)
		if err != nil {
			logger.Warn("sync: read failed", slog.String("notebook", f.Notebook), slog.String("id", f.ID), slog.String("error", err.Error()))
			continue
		}
		if checksums[key] == checksum.Sum(data) {
			continue
		}
		if err := db.IndexFile(f.Notebook, f.ID, data, protected(f.Notebook), WithModTime(f.ModifiedAt)); err != nil {
			logger.Warn("sync: index failed", slog.String("notebook", f.Notebook), slog.String("id", f.ID), slog.String("error", err.Error()))
		} else {
			logger.Debug("sync: indexed", slog.String("notebook", f.Notebook), slog.String("id", f.ID))
		}
	}

	// Remove stale entries.
	for k := range checksums {
		if _, ok := disk[k]; !ok {
			if err := db.DeleteNote(k.Notebook, k.ID); err != nil {
				logger.Warn("sync: delete failed", slog.String("notebook", k.Notebook), slog.String("id", k.ID), slog.String("error", err.Error()))
			} else {
				logger.Debug("sync: removed stale", slog.String("notebook", k.Notebook), slog.String("id", k.ID))
			}
		}
	}

	return nil
}

// ReindexNotebook re-reads every file of nb. Used after a protection change,
// when every payload in the notebook has been rewritten.
func ReindexNotebook(db *DB, store storage.Provider, nb string, protected bool, logger *slog.Logger) error {
	if err := db.DeleteNotebook(nb); err != nil {
		return err
	}
	files, err := store.ListNotes(nb)
	if err != nil {
		return err
	}
	for _, f := range files {
		data, err := store.Read(nb, f.ID)
		if err != nil {
			logger.Warn("reindex: read failed", slog.String("notebook", nb), slog.String("id", f.ID), slog.String("error", err.Error()))
			continue
		}
		if err := db.IndexFile(nb, f.ID, data, protected, WithModTime(f.ModifiedAt)); err != nil {
			return err
		}
	}
	return nil
}

// allFiles lists root notes and the notes of every notebook.
func allFiles(store storage.Provider) ([]models.NoteFile, error) {
	out, err := store.ListNotes("")
	if err != nil {
		return nil, err
	}
	nbs, err := store.ListNotebooks()
	if err != nil {
		return nil, err
	}
	for _, nb := range nbs {
		files, err := store.ListNotes(nb.Path)
		if err != nil {
			return nil, err
		}
		out = append(out, files...)
	}
	return out, nil
}

// Package archive exports the notes tree to a zip file and imports one back.
//
// Entries mirror the tree on disk: root notes are "<id>.txt" and notebook notes
// are "<notebook>/<id>.txt". Every entry holds the plaintext payload, so a
// protected notebook can only be exported while it is unlocked.
package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/starford/sealbook/internal/apperr"
	"github.com/starford/sealbook/internal/models"
	"github.com/starford/sealbook/internal/notestore"
	"github.com/starford/sealbook/internal/parser"
	"github.com/starford/sealbook/internal/storage"
)

// maxEntrySize caps the uncompressed size of one imported note.
const maxEntrySize = 16 << 20

// Reader lists the tree to export.
type Reader interface {
	ListNotebooks(ctx context.Context) ([]models.Notebook, error)
	ReadAll(ctx context.Context, nb string) ([]models.Note, error)
}

// Writer receives imported notebooks and notes.
type Writer interface {
	ListNotebooks(ctx context.Context) ([]models.Notebook, error)
	CreateNotebook(ctx context.Context, name string) error
	Add(ctx context.Context, n models.Note) (models.Note, error)
}

// ExportOptions controls Export.
type ExportOptions struct {
	// SkipLocked omits locked protected notebooks instead of failing.
	SkipLocked bool
	Logger     *slog.Logger
}

// ExportReport summarises an export.
type ExportReport struct {
	Notebooks int      `json:"notebooks"`
	Notes     int      `json:"notes"`
	Skipped   []string `json:"skipped"`
}

// Export writes every note readable through r to w as a zip archive.
func Export(ctx context.Context, w io.Writer, r Reader, opts ExportOptions) (ExportReport, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var rep ExportReport

	nbs, err := r.ListNotebooks(ctx)
	if err != nil {
		return rep, fmt.Errorf("archive: list notebooks: %w", err)
	}

	if len(nbs) == 0 || nbs[0].Path != "" {
		nbs = append([]models.Notebook{{Path: ""}}, nbs...)
	}

	zw := zip.NewWriter(w)
	for _, nb := range nbs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		notes, err := r.ReadAll(ctx, nb.Path)
		if err != nil {
			if opts.SkipLocked && errors.Is(err, apperr.ErrAuthenticationRequired) {
				logger.Info("archive: skipping locked notebook", slog.String("notebook", nb.Path))
				rep.Skipped = append(rep.Skipped, nb.Path)
				continue
			}
			return rep, fmt.Errorf("archive: export %q: %w", nb.Path, err)
		}
		if nb.Path != "" {
			if _, err := zw.CreateHeader(&zip.FileHeader{Name: nb.Path + "/", Modified: nb.CreatedAt}); err != nil {
				return rep, fmt.Errorf("archive: write %q: %w", nb.Path, err)
			}
			rep.Notebooks++
		}
		for _, n := range notes {
			if err := writeNote(zw, n); err != nil {
				return rep, err
			}
			rep.Notes++
		}
	}
	if err := zw.Close(); err != nil {
		return rep, fmt.Errorf("archive: finish: %w", err)
	}
	logger.Info("archive: exported",
		slog.Int("notebooks", rep.Notebooks), slog.Int("notes", rep.Notes), slog.Int("skipped", len(rep.Skipped)))
	return rep, nil
}

func writeNote(zw *zip.Writer, n models.Note) error {
	name := n.ID + storage.NoteExt
	if n.Notebook != "" {
		name = n.Notebook + "/" + name
	}
	fw, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: n.ModifiedAt})
	if err != nil {
		return fmt.Errorf("archive: write %s: %w", name, err)
	}
	if _, err := fw.Write(parser.Format(n.Title, n.Content)); err != nil {
		return fmt.Errorf("archive: write %s: %w", name, err)
	}
	return nil
}

// ImportReport summarises an import.
type ImportReport struct {
	// Notebooks maps archive directory names to the notebooks created for them.
	Notebooks map[string]string `json:"notebooks"`
	Notes     int               `json:"notes"`
	Skipped   int               `json:"skipped"`
}

// Import adds the archive's notes through w. Top-level files become root
// notes; each top-level directory becomes a new notebook named after it, or
// name_N when that name is taken. Any other entry, and any entry that cannot
// be read, is skipped and counted.
func Import(ctx context.Context, zr *zip.Reader, w Writer, logger *slog.Logger) (ImportReport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rep := ImportReport{Notebooks: map[string]string{}}

	existing, err := w.ListNotebooks(ctx)
	if err != nil {
		return rep, fmt.Errorf("archive: list notebooks: %w", err)
	}
	taken := make(map[string]bool, len(existing))
	for _, nb := range existing {
		taken[nb.Path] = true
	}

	// notebookFor creates the target notebook on first use.
	notebookFor := func(dir string) (string, error) {
		if nb, ok := rep.Notebooks[dir]; ok {
			return nb, nil
		}
		nb, err := notestore.UniqueName(dir, func(name string) (bool, error) { return taken[name], nil })
		if err != nil {
			return "", err
		}
		if err := w.CreateNotebook(ctx, nb); err != nil {
			return "", err
		}
		taken[nb] = true
		rep.Notebooks[dir] = nb
		return nb, nil
	}

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		dir, id, ok := splitEntry(f.Name)
		if !ok {
			if !f.FileInfo().IsDir() {
				logger.Debug("archive: skipping entry", slog.String("name", f.Name))
				rep.Skipped++
			}
			continue
		}

		if dir != "" && notestore.ValidateNotebook(dir) != nil {
			rep.Skipped++
			continue
		}
		data, err := readEntry(f)
		if err != nil {
			logger.Warn("archive: skipping unreadable entry", slog.String("name", f.Name), slog.String("error", err.Error()))
			rep.Skipped++
			continue
		}
		p := parser.Parse(data)
		if parser.IsBlank(p.Title, p.Content) {
			rep.Skipped++
			continue
		}

		nb := ""
		if dir != "" {
			if nb, err = notebookFor(dir); err != nil {
				return rep, fmt.Errorf("archive: create notebook %q: %w", dir, err)
			}
		}
		if _, err := w.Add(ctx, models.Note{
			ID:         id,
			Title:      p.Title,
			Content:    p.Content,
			ModifiedAt: f.Modified,
			Notebook:   nb,
		}); err != nil {
			return rep, fmt.Errorf("archive: import %s: %w", f.Name, err)
		}
		rep.Notes++
	}

	logger.Info("archive: imported",
		slog.Int("notebooks", len(rep.Notebooks)), slog.Int("notes", rep.Notes), slog.Int("skipped", rep.Skipped))
	return rep, nil
}

// splitEntry maps an archive path to (notebook dir, note id). ok is false for
// directories, nested paths, hidden names and non-note files.
func splitEntry(name string) (dir, id string, ok bool) {
	name = strings.ReplaceAll(name, `\`, "/")
	if strings.HasSuffix(name, "/") || path.IsAbs(name) {
		return "", "", false
	}
	parts := strings.Split(name, "/")
	if len(parts) > 2 {
		return "", "", false
	}
	for _, p := range parts {
		if p == "" || strings.HasPrefix(p, ".") {
			return "", "", false
		}
	}
	file := parts[len(parts)-1]
	if !strings.HasSuffix(file, storage.NoteExt) {
		return "", "", false
	}
	id = strings.TrimSuffix(file, storage.NoteExt)
	if id == "" {
		return "", "", false
	}
	if len(parts) == 2 {
		dir = parts[0]
	}
	return dir, id, true
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxEntrySize+1))
	if err != nil {
		return nil, fmt.Errorf("archive: read %s: %w", f.Name, err)
	}
	if len(data) > maxEntrySize {
		return nil, fmt.Errorf("archive: %s exceeds %d bytes: %w", f.Name, maxEntrySize, apperr.ErrInvalidName)
	}
	return data, nil
}

package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/starford/sealbook/internal/apperr"
	"github.com/starford/sealbook/internal/models"
)

const tmpPrefix = ".sealbook-tmp-"

// FS implements Provider backed by the local file system.
type FS struct {
	root string // absolute path to the notes directory
}

// NewFS creates a new FS provider rooted at the given directory.
// The directory must already exist.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	return &FS{root: abs}, nil
}

// Root returns the absolute notes directory.
func (f *FS) Root() string { return f.root }

// safePath resolves a relative path against the root and rejects
// any result that escapes it (directory traversal).
func (f *FS) safePath(rel string) (string, error) {
	if rel == "" {
		return f.root, nil
	}
	cleaned := filepath.Clean(rel)
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("storage: absolute paths not allowed: %s: %w", rel, apperr.ErrInvalidName)
	}
	joined := filepath.Join(f.root, cleaned)
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("storage: resolve path: %w", err)
	}
	// Ensure the resolved path is still under root.
	if !strings.HasPrefix(abs, f.root+string(os.PathSeparator)) && abs != f.root {
		return "", fmt.Errorf("storage: path escapes notes root: %s: %w", rel, apperr.ErrInvalidName)
	}
	return abs, nil
}

// notebookPath resolves a notebook directory. Notebooks are a single level deep.
func (f *FS) notebookPath(nb string) (string, error) {
	if strings.ContainsAny(nb, `/\`) {
		return "", fmt.Errorf("storage: notebook %q: %w", nb, apperr.ErrInvalidName)
	}
	return f.safePath(nb)
}

// notePath resolves <nb>/<id>.txt.
func (f *FS) notePath(nb, id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("storage: note id %q: %w", id, apperr.ErrInvalidName)
	}
	if strings.ContainsAny(nb, `/\`) {
		return "", fmt.Errorf("storage: notebook %q: %w", nb, apperr.ErrInvalidName)
	}
	return f.safePath(filepath.Join(nb, id+NoteExt))
}

// Hidden reports whether a directory entry name is skipped by listings.
func Hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// ListNotebooks returns the visible top-level directories.
func (f *FS) ListNotebooks() ([]models.Notebook, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, apperr.NewIOError("list notebooks", f.root, err)
	}
	var out []models.Notebook
	for _, e := range entries {
		if !e.IsDir() || Hidden(e.Name()) || e.Name() == TrashDir {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, apperr.NewIOError("stat notebook", e.Name(), err)
		}
		notes, err := f.ListNotes(e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, models.Notebook{
			Path:      e.Name(),
			CreatedAt: info.ModTime(),
			NoteCount: len(notes),
		})
	}
	return out, nil
}

// NotebookExists reports whether nb is an existing directory.
func (f *FS) NotebookExists(nb string) (bool, error) {
	abs, err := f.notebookPath(nb)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(abs)
	switch {
	case err == nil:
		return info.IsDir(), nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, apperr.NewIOError("stat notebook", nb, err)
	}
}

// CreateNotebook creates the notebook directory. It fails with
// ErrAlreadyExists when the directory is already there.
func (f *FS) CreateNotebook(nb string) error {
	abs, err := f.notebookPath(nb)
	if err != nil {
		return err
	}
	if err := os.Mkdir(abs, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("storage: notebook %q: %w", nb, apperr.ErrAlreadyExists)
		}
		return apperr.NewIOError("create notebook", nb, err)
	}
	return nil
}

// TrashNotebook moves nb to .trashed/<nb>_<unix millis>.
func (f *FS) TrashNotebook(nb string, now time.Time) (string, error) {
	if nb == "" {
		return "", fmt.Errorf("storage: cannot trash the root notebook: %w", apperr.ErrInvalidName)
	}
	abs, err := f.notebookPath(nb)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("storage: notebook %q: %w", nb, apperr.ErrNotFound)
		}
		return "", apperr.NewIOError("stat notebook", nb, err)
	}
	trash := filepath.Join(f.root, TrashDir)
	if err := os.MkdirAll(trash, 0o755); err != nil {
		return "", apperr.NewIOError("mkdir trash", trash, err)
	}
	name := nb + "_" + strconv.FormatInt(now.UnixMilli(), 10)
	if err := os.Rename(abs, filepath.Join(trash, name)); err != nil {
		return "", apperr.NewIOError("trash notebook", nb, err)
	}
	return name, nil
}

// ListNotes returns metadata for every .txt file directly inside nb.
func (f *FS) ListNotes(nb string) ([]models.NoteFile, error) {
	base, err := f.notebookPath(nb)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(base)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.NewIOError("list notes", nb, err)
	}
	var out []models.NoteFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || Hidden(name) || !strings.HasSuffix(name, NoteExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, apperr.NewIOError("stat note", filepath.Join(nb, name), err)
		}
		out = append(out, models.NoteFile{
			Notebook:   nb,
			ID:         strings.TrimSuffix(name, NoteExt),
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
		})
	}
	return out, nil
}

// Read returns the raw bytes of a note file.
func (f *FS) Read(nb, id string) ([]byte, error) {
	abs, err := f.notePath(nb, id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s/%s: %w", nb, id, err)
	}
	return data, nil
}

// Write atomically writes content: tmp file → fsync → rename. A non-zero mtime
// is applied to the final file.
func (f *FS) Write(nb, id string, content []byte, mtime time.Time) error {
	abs, err := f.notePath(nb, id)
	if err != nil {
		return err
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()

	// Clean up on any failure path.
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("storage: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}
	success = true

	if !mtime.IsZero() {
		if err := os.Chtimes(abs, mtime, mtime); err != nil {
			return fmt.Errorf("storage: set mtime: %w", err)
		}
	}
	return nil
}

// Delete removes a note file.
func (f *FS) Delete(nb, id string) error {
	abs, err := f.notePath(nb, id)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil {
		return fmt.Errorf("storage: delete %s/%s: %w", nb, id, err)
	}
	return nil
}

// Exists reports whether the note file exists.
func (f *FS) Exists(nb, id string) (bool, error) {
	abs, err := f.notePath(nb, id)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(abs)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("storage: stat %s/%s: %w", nb, id, err)
	}
}

// Stat returns the file metadata of a note.
func (f *FS) Stat(nb, id string) (models.NoteFile, error) {
	abs, err := f.notePath(nb, id)
	if err != nil {
		return models.NoteFile{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return models.NoteFile{}, fmt.Errorf("storage: stat %s/%s: %w", nb, id, err)
	}
	return models.NoteFile{Notebook: nb, ID: id, Size: info.Size(), ModifiedAt: info.ModTime()}, nil
}

// Move renames a note file, possibly into another notebook.
func (f *FS) Move(srcNB, srcID, dstNB, dstID string) error {
	absOld, err := f.notePath(srcNB, srcID)
	if err != nil {
		return err
	}
	absNew, err := f.notePath(dstNB, dstID)
	if err != nil {
		return err
	}
	dir := filepath.Dir(absNew)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir for move: %w", err)
	}
	if err := os.Rename(absOld, absNew); err != nil {
		return fmt.Errorf("storage: move: %w", err)
	}
	return nil
}

// Stats counts visible notebooks, notes and bytes. Root notes count toward
// the totals; the root itself is not a notebook.
func (f *FS) Stats() (models.StorageStats, error) {
	var st models.StorageStats
	root, err := f.ListNotes("")
	if err != nil {
		return st, err
	}
	for _, n := range root {
		st.NoteCount++
		st.TotalBytes += n.Size
	}
	nbs, err := f.ListNotebooks()
	if err != nil {
		return st, err
	}
	for _, nb := range nbs {
		st.NotebookCount++
		notes, err := f.ListNotes(nb.Path)
		if err != nil {
			return st, err
		}
		for _, n := range notes {
			st.NoteCount++
			st.TotalBytes += n.Size
		}
	}
	return st, nil
}

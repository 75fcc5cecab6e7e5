// Package storage defines the notes file-tree abstraction. A notebook is a
// directory under the root; a note is <id>.txt inside it. The empty notebook
// name is the root directory itself.
package storage

import (
	"time"

	"github.com/starford/sealbook/internal/models"
)

// NoteExt is the file extension of note files.
const NoteExt = ".txt"

// TrashDir holds notebooks removed with TrashNotebook.
const TrashDir = ".trashed"

// Provider is the interface for raw note file operations. It knows nothing
// about encryption; payloads are opaque bytes.
type Provider interface {
	// Root returns the absolute path of the notes directory.
	Root() string
	// ListNotebooks returns every visible notebook directory with its note count.
	ListNotebooks() ([]models.Notebook, error)
	// NotebookExists reports whether the notebook directory exists.
	NotebookExists(nb string) (bool, error)
	// CreateNotebook creates the notebook directory.
	CreateNotebook(nb string) error
	// TrashNotebook moves the notebook into TrashDir and returns the new name.
	TrashNotebook(nb string, now time.Time) (string, error)
	// ListNotes returns every .txt file in nb. A missing directory lists as empty.
	ListNotes(nb string) ([]models.NoteFile, error)
	// Read returns the raw bytes of a note file.
	Read(nb, id string) ([]byte, error)
	// Write atomically writes content; mtime is applied when non-zero.
	Write(nb, id string, content []byte, mtime time.Time) error
	// Delete removes a note file.
	Delete(nb, id string) error
	// Exists reports whether the note file exists.
	Exists(nb, id string) (bool, error)
	// Stat returns the file metadata of a note.
	Stat(nb, id string) (models.NoteFile, error)
	// Move renames a note file, possibly across notebooks.
	Move(srcNB, srcID, dstNB, dstID string) error
	// Stats summarises the tree.
	Stats() (models.StorageStats, error)
}

// Verify *FS satisfies Provider at compile time.
var _ Provider = (*FS)(nil)

// Package models defines the domain types for sealbook.
package models

import "time"

// Note is a single note in a notebook. ID is the file name stem.
type Note struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	ModifiedAt time.Time `json:"modified_at"`
	Notebook   string    `json:"notebook"`
}

// Notebook is a directory of notes. Path is both the key and the display name;
// the empty path is the root notebook.
type Notebook struct {
	Path        string    `json:"path"`
	CreatedAt   time.Time `json:"created_at"`
	NoteCount   int       `json:"note_count"`
	IsEncrypted bool      `json:"is_encrypted"`
}

// NoteFile is the raw on-disk view of a note, without its payload.
type NoteFile struct {
	Notebook   string    `json:"notebook"`
	ID         string    `json:"id"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// StorageStats summarises the notes tree.
type StorageStats struct {
	NotebookCount int   `json:"notebook_count"`
	NoteCount     int   `json:"note_count"`
	TotalBytes    int64 `json:"total_bytes"`
}

package api

import (
	"github.com/starford/sealbook/internal/lockstate"
	"github.com/starford/sealbook/internal/models"
)

// CreateNotebookRequest is the request body for creating a notebook.
type CreateNotebookRequest struct {
	Name string `json:"name" example:"journal" validate:"required"`
}

// DeleteNotebookResponse reports where a deleted notebook went.
type DeleteNotebookResponse struct {
	Trashed string `json:"trashed" example:"journal_1728900000000" validate:"required"`
}

// NoteRequest is the request body for creating, updating or drafting a note.
type NoteRequest struct {
	Title   string `json:"title" example:"Groceries"`
	Content string `json:"content" example:"milk\neggs"`
}

// RenameRequest is the request body for renaming a note.
type RenameRequest struct {
	Title string `json:"title" example:"Shopping" validate:"required"`
}

// MoveRequest is the request body for moving a note. Use "-" or "" for the
// root notebook.
type MoveRequest struct {
	Target string `json:"target" example:"archive" validate:"required"`
}

// UnlockRequest carries the presence secret (the PIN).
type UnlockRequest struct {
	Secret string `json:"secret" example:"1234"`
}

// NotebookList wraps notebook listings.
type NotebookList struct {
	Notebooks []models.Notebook `json:"notebooks" validate:"required"`
}

// NoteList wraps note listings.
type NoteList struct {
	Notes []models.Note `json:"notes" validate:"required"`
	Total int           `json:"total" example:"42" validate:"required"`
}

// FlushResponse reports how many drafts were written.
type FlushResponse struct {
	Written int `json:"written" example:"2" validate:"required"`
}

// StateResponse is a notebook's lock status (aliased from the lock state layer).
type StateResponse = lockstate.Status

// SearchResult is a single search hit in the API response.
type SearchResult struct {
	Notebook string `json:"notebook" example:"journal"`
	ID       string `json:"id" example:"hello" validate:"required"`
	Title    string `json:"title" example:"Hello" validate:"required"`
	Snippet  string `json:"snippet" example:"...matched text..." validate:"required"`
}

// SearchResponse wraps search results.
type SearchResponse struct {
	Results []SearchResult `json:"results" validate:"required"`
}

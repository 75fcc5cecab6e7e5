package api

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/starford/sealbook/internal/noteservice"
)

// RootNotebook is the URL segment naming the root notebook.
const RootNotebook = "-"

// Handler holds API route handlers.
type Handler struct {
	svc *noteservice.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *noteservice.Service) *Handler {
	return &Handler{svc: svc}
}

// notebookParam extracts the notebook from the URL. "-" is the root notebook.
// Supports encoded slashes from OpenAPI clients.
func notebookParam(r *http.Request) string {
	return notebookName(urlParam(r, "nb"))
}

func notebookName(raw string) string {
	if raw == RootNotebook {
		return ""
	}
	return raw
}

func urlParam(r *http.Request, key string) string {
	raw := chi.URLParam(r, key)
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// ListNotebooks handles GET /api/notebooks.
//
//	@Summary		List notebooks, root first
//	@Tags			notebooks
//	@Produce		json
//	@Success		200	{object}	NotebookList
//	@Security		BearerAuth
//	@Router			/notebooks [get]
func (h *Handler) ListNotebooks(w http.ResponseWriter, r *http.Request) {
	nbs, err := h.svc.ListNotebooks(r.Context())
	if err != nil {
		writeError(w, "list notebooks", err)
		return
	}
	writeJSON(w, http.StatusOK, NotebookList{Notebooks: nonNil(nbs)})
}

// CreateNotebook handles POST /api/notebooks.
//
//	@Summary		Create an empty notebook
//	@Tags			notebooks
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateNotebookRequest	true	"Notebook name"
//	@Success		201		{object}	models.Notebook
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notebooks [post]
func (h *Handler) CreateNotebook(w http.ResponseWriter, r *http.Request) {
	var req CreateNotebookRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("name is required"))
		return
	}
	nb, err := h.svc.CreateNotebook(r.Context(), req.Name)
	if err != nil {
		writeError(w, "create notebook", err)
		return
	}
	writeJSON(w, http.StatusCreated, nb)
}

// DeleteNotebook handles DELETE /api/notebooks/{nb}.
//
//	@Summary		Move a notebook into the trash
//	@Tags			notebooks
//	@Produce		json
//	@Param			nb	path		string	true	"Notebook"
//	@Success		200	{object}	DeleteNotebookResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notebooks/{nb} [delete]
func (h *Handler) DeleteNotebook(w http.ResponseWriter, r *http.Request) {
	nb := notebookParam(r)
	if nb == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("the root notebook cannot be deleted"))
		return
	}
	trashed, err := h.svc.DeleteNotebook(r.Context(), nb)
	if err != nil {
		writeError(w, "delete notebook", err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteNotebookResponse{Trashed: trashed})
}

// ListNotes handles GET /api/notebooks/{nb}/notes.
//
//	@Summary		List the notes of a notebook
//	@Tags			notes
//	@Produce		json
//	@Param			nb	path		string	true	"Notebook ('-' for root)"
//	@Success		200	{object}	NoteList
//	@Failure		423	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notebooks/{nb}/notes [get]
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	notes, err := h.svc.ListNotes(r.Context(), notebookParam(r))
	if err != nil {
		writeError(w, "list notes", err)
		return
	}
	writeJSON(w, http.StatusOK, NoteList{Notes: nonNil(notes), Total: len(notes)})
}

// GetNote handles GET /api/notebooks/{nb}/notes/{id}.
//
//	@Summary		Get a single note
//	@Tags			notes
//	@Produce		json
//	@Param			nb	path		string	true	"Notebook ('-' for root)"
//	@Param			id	path		string	true	"Note id"
//	@Success		200	{object}	models.Note
//	@Failure		404	{object}	errResponse
//	@Failure		422	{object}	errResponse
//	@Failure		423	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notebooks/{nb}/notes/{id} [get]
func (h *Handler) GetNote(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.GetNote(r.Context(), notebookParam(r), urlParam(r, "id"))
	if err != nil {
		writeError(w, "get note", err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// CreateNote handles POST /api/notebooks/{nb}/notes.
//
//	@Summary		Create a note; its id is derived from the title
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			nb		path		string		true	"Notebook ('-' for root)"
//	@Param			body	body		NoteRequest	true	"Note"
//	@Success		201		{object}	models.Note
//	@Failure		423		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notebooks/{nb}/notes [post]
func (h *Handler) CreateNote(w http.ResponseWriter, r *http.Request) {
	var req NoteRequest
	if !readJSON(w, r, &req) {
		return
	}
	n, err := h.svc.CreateNote(r.Context(), notebookParam(r), req.Title, req.Content)
	if err != nil {
		writeError(w, "create note", err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

// UpdateNote handles PUT /api/notebooks/{nb}/notes/{id}.
//
//	@Summary		Overwrite a note; a blank note is purged on the next listing
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			nb		path		string		true	"Notebook ('-' for root)"
//	@Param			id		path		string		true	"Note id"
//	@Param			body	body		NoteRequest	true	"Note"
//	@Success		200		{object}	models.Note
//	@Failure		404		{object}	errResponse
//	@Failure		423		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notebooks/{nb}/notes/{id} [put]
func (h *Handler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	var req NoteRequest
	if !readJSON(w, r, &req) {
		return
	}
	n, err := h.svc.UpdateNote(r.Context(), notebookParam(r), urlParam(r, "id"), req.Title, req.Content)
	if err != nil {
		writeError(w, "update note", err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// SaveDraft handles PUT /api/notebooks/{nb}/notes/{id}/draft.
//
//	@Summary		Cache an edit; protected notebooks keep it in memory until flush or lock
//	@Tags			notes
//	@Accept			json
//	@Param			nb		path	string		true	"Notebook ('-' for root)"
//	@Param			id		path	string		true	"Note id"
//	@Param			body	body	NoteRequest	true	"Draft"
//	@Success		202
//	@Failure		423		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notebooks/{nb}/notes/{id}/draft [put]
func (h *Handler) SaveDraft(w http.ResponseWriter, r *http.Request) {
	var req NoteRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := h.svc.CacheEdit(r.Context(), notebookParam(r), urlParam(r, "id"), req.Title, req.Content); err != nil {
		writeError(w, "save draft", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// RenameNote handles POST /api/notebooks/{nb}/notes/{id}/rename.
//
//	@Summary		Retitle a note; its id follows the title
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			nb		path		string			true	"Notebook ('-' for root)"
//	@Param			id		path		string			true	"Note id"
//	@Param			body	body		RenameRequest	true	"New title"
//	@Success		200		{object}	models.Note
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notebooks/{nb}/notes/{id}/rename [post]
func (h *Handler) RenameNote(w http.ResponseWriter, r *http.Request) {
	var req RenameRequest
	if !readJSON(w, r, &req) {
		return
	}
	n, err := h.svc.RenameNote(r.Context(), notebookParam(r), urlParam(r, "id"), req.Title)
	if err != nil {
		writeError(w, "rename note", err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// MoveNote handles POST /api/notebooks/{nb}/notes/{id}/move.
//
//	@Summary		Move a note to another notebook
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			nb		path		string		true	"Notebook ('-' for root)"
//	@Param			id		path		string		true	"Note id"
//	@Param			body	body		MoveRequest	true	"Target notebook"
//	@Success		200		{object}	models.Note
//	@Failure		409		{object}	errResponse
//	@Failure		423		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notebooks/{nb}/notes/{id}/move [post]
func (h *Handler) MoveNote(w http.ResponseWriter, r *http.Request) {
	var req MoveRequest
	if !readJSON(w, r, &req) {
		return
	}
	n, err := h.svc.MoveNote(r.Context(), notebookParam(r), urlParam(r, "id"), notebookName(req.Target))
	if err != nil {
		writeError(w, "move note", err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// DeleteNote handles DELETE /api/notebooks/{nb}/notes/{id}.
//
//	@Summary		Delete a note
//	@Tags			notes
//	@Param			nb	path	string	true	"Notebook ('-' for root)"
//	@Param			id	path	string	true	"Note id"
//	@Success		204
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notebooks/{nb}/notes/{id} [delete]
func (h *Handler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteNote(r.Context(), notebookParam(r), urlParam(r, "id")); err != nil {
		writeError(w, "delete note", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Flush handles POST /api/notebooks/{nb}/flush.
//
//	@Summary		Write pending drafts of a notebook to disk
//	@Tags			notebooks
//	@Produce		json
//	@Param			nb	path		string	true	"Notebook ('-' for root)"
//	@Success		200	{object}	FlushResponse
//	@Security		BearerAuth
//	@Router			/notebooks/{nb}/flush [post]
func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Flush(r.Context(), notebookParam(r))
	if err != nil {
		writeError(w, "flush", err)
		return
	}
	writeJSON(w, http.StatusOK, FlushResponse{Written: n})
}

// State handles GET /api/notebooks/{nb}/state.
//
//	@Summary		Lock status of a notebook
//	@Tags			protection
//	@Produce		json
//	@Param			nb	path		string	true	"Notebook ('-' for root)"
//	@Success		200	{object}	StateResponse
//	@Security		BearerAuth
//	@Router			/notebooks/{nb}/state [get]
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.State(r.Context(), notebookParam(r))
	if err != nil {
		writeError(w, "state", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Unlock handles POST /api/notebooks/{nb}/unlock.
//
//	@Summary		Pass the presence check and open a session
//	@Tags			protection
//	@Accept			json
//	@Produce		json
//	@Param			nb		path		string			true	"Notebook ('-' for root)"
//	@Param			body	body		UnlockRequest	false	"Presence secret"
//	@Success		200		{object}	StateResponse
//	@Failure		401		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notebooks/{nb}/unlock [post]
func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	var req UnlockRequest
	if r.ContentLength != 0 && !readJSON(w, r, &req) {
		return
	}
	st, err := h.svc.Unlock(r.Context(), notebookParam(r), req.Secret)
	if err != nil {
		writeError(w, "unlock", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Lock handles POST /api/notebooks/{nb}/lock.
//
//	@Summary		Save pending drafts and drop the session
//	@Tags			protection
//	@Produce		json
//	@Param			nb	path		string	true	"Notebook ('-' for root)"
//	@Success		200	{object}	StateResponse
//	@Security		BearerAuth
//	@Router			/notebooks/{nb}/lock [post]
func (h *Handler) Lock(w http.ResponseWriter, r *http.Request) {
	nb := notebookParam(r)
	if err := h.svc.Lock(r.Context(), nb); err != nil {
		writeError(w, "lock", err)
		return
	}
	st, err := h.svc.State(r.Context(), nb)
	if err != nil {
		writeError(w, "lock", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Protect handles POST /api/notebooks/{nb}/protect.
//
//	@Summary		Encrypt every note of a notebook
//	@Tags			protection
//	@Produce		json
//	@Param			nb	path		string	true	"Notebook ('-' for root)"
//	@Success		200	{object}	StateResponse
//	@Failure		404	{object}	errResponse
//	@Failure		409	{object}	errResponse
//	@Failure		500	{object}	partialResponse
//	@Security		BearerAuth
//	@Router			/notebooks/{nb}/protect [post]
func (h *Handler) Protect(w http.ResponseWriter, r *http.Request) {
	nb := notebookParam(r)
	if err := h.svc.Protect(r.Context(), nb); err != nil {
		writeError(w, "protect", err)
		return
	}
	h.State(w, r)
}

// Unprotect handles POST /api/notebooks/{nb}/unprotect.
//
//	@Summary		Decrypt every note of an unlocked notebook and drop its key
//	@Tags			protection
//	@Produce		json
//	@Param			nb	path		string	true	"Notebook ('-' for root)"
//	@Success		200	{object}	StateResponse
//	@Failure		409	{object}	errResponse
//	@Failure		423	{object}	errResponse
//	@Failure		500	{object}	partialResponse
//	@Security		BearerAuth
//	@Router			/notebooks/{nb}/unprotect [post]
func (h *Handler) Unprotect(w http.ResponseWriter, r *http.Request) {
	nb := notebookParam(r)
	if err := h.svc.Unprotect(r.Context(), nb); err != nil {
		writeError(w, "unprotect", err)
		return
	}
	h.State(w, r)
}

// Lifecycle handles POST /api/lifecycle/{event}.
//
//	@Summary		Report the host moving to the background or foreground
//	@Tags			protection
//	@Param			event	path	string	true	"Lifecycle event"	Enums(background, foreground)
//	@Success		204
//	@Failure		400	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/lifecycle/{event} [post]
func (h *Handler) Lifecycle(w http.ResponseWriter, r *http.Request) {
	switch chi.URLParam(r, "event") {
	case "background":
		h.svc.Background()
	case "foreground":
		h.svc.Foreground()
	default:
		writeJSON(w, http.StatusBadRequest, errorBody("event must be background or foreground"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Search handles GET /api/search?q=...
//
//	@Summary		Search readable notes
//	@Tags			search
//	@Produce		json
//	@Param			q		query		string	true	"Search query"
//	@Param			limit	query		int		false	"Max results"
//	@Success		200		{object}	SearchResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("q parameter is required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	results, err := h.svc.Search(r.Context(), q, limit)
	if err != nil {
		writeError(w, "search", err)
		return
	}
	out := make([]SearchResult, 0, len(results))
	for _, res := range results {
		out = append(out, SearchResult{Notebook: res.Notebook, ID: res.ID, Title: res.Title, Snippet: res.Snippet})
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: out})
}

// Stats handles GET /api/stats.
//
//	@Summary		Notes tree statistics
//	@Tags			search
//	@Produce		json
//	@Success		200	{object}	models.StorageStats
//	@Security		BearerAuth
//	@Router			/stats [get]
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Stats(r.Context())
	if err != nil {
		writeError(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

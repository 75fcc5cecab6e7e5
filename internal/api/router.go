package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/starford/sealbook/internal/noteservice"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *noteservice.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)
	ah := NewArchiveHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Notebooks.
	r.Get("/notebooks", h.ListNotebooks)
	r.Post("/notebooks", h.CreateNotebook)
	r.Route("/notebooks/{nb}", func(r chi.Router) {
		r.Delete("/", h.DeleteNotebook)
		r.Post("/flush", h.Flush)

		// Lock state and protection.
		r.Get("/state", h.State)
		r.Post("/unlock", h.Unlock)
		r.Post("/lock", h.Lock)
		r.Post("/protect", h.Protect)
		r.Post("/unprotect", h.Unprotect)

		// Notes.
		r.Get("/notes", h.ListNotes)
		r.Post("/notes", h.CreateNote)
		r.Get("/notes/{id}", h.GetNote)
		r.Put("/notes/{id}", h.UpdateNote)
		r.Delete("/notes/{id}", h.DeleteNote)
		r.Put("/notes/{id}/draft", h.SaveDraft)
		r.Post("/notes/{id}/rename", h.RenameNote)
		r.Post("/notes/{id}/move", h.MoveNote)
	})

	r.Post("/lifecycle/{event}", h.Lifecycle)

	// Search and stats.
	r.Get("/search", h.Search)
	r.Get("/stats", h.Stats)

	// Zip export and import.
	r.Get("/export", ah.Export)
	r.Post("/import", ah.Import)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}

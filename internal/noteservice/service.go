// Package noteservice is the facade every outer surface (REST, MCP, CLI) uses.
// It composes the note store, lock state, protection transitions and the
// search index, and publishes change events.
package noteservice

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/sealbook/internal/apperr"
	"github.com/starford/sealbook/internal/index"
	"github.com/starford/sealbook/internal/lockstate"
	"github.com/starford/sealbook/internal/models"
	"github.com/starford/sealbook/internal/notestore"
	"github.com/starford/sealbook/internal/presence"
	"github.com/starford/sealbook/internal/registry"
	"github.com/starford/sealbook/internal/sse"
	"github.com/starford/sealbook/internal/storage"
	"github.com/starford/sealbook/internal/transition"
)

// Publisher receives change events. *sse.Broker implements it.
type Publisher interface {
	PublishNoteEvent(kind, nb, id string)
	PublishNotebookEvent(typ, nb string)
	PublishLockChange(c sse.LockChange)
}

// Deps are the components a Service composes.
type Deps struct {
	Files       storage.Provider
	Store       *notestore.Store
	Index       *index.DB
	Registry    *registry.Registry
	Machine     *lockstate.Machine
	Transitions *transition.Service
	Prompter    presence.Prompter
	Events      Publisher
	Logger      *slog.Logger
}

// Service coordinates storage, lock state and index operations.
type Service struct {
	files       storage.Provider
	store       *notestore.Store
	db          *index.DB
	reg         *registry.Registry
	machine     *lockstate.Machine
	transitions *transition.Service
	prompter    presence.Prompter
	events      Publisher
	logger      *slog.Logger
}

// NewService creates a new note service and subscribes its publisher to lock
// state changes.
func NewService(d Deps) *Service {
	s := &Service{
		files:       d.Files,
		store:       d.Store,
		db:          d.Index,
		reg:         d.Registry,
		machine:     d.Machine,
		transitions: d.Transitions,
		prompter:    d.Prompter,
		events:      d.Events,
		logger:      d.Logger,
	}
	if s.prompter == nil {
		s.prompter = presence.NoPrompt
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.events != nil {
		s.machine.OnChange(func(ev lockstate.Event) {
			c := sse.LockChange{Notebook: ev.Notebook, Kind: ev.Kind, Reason: ev.Reason}
			if ev.Kind == lockstate.KindState {
				c.From, c.To = ev.From.String(), ev.To.String()
			}
			s.events.PublishLockChange(c)
		})
	}
	return s
}

// IsProtected reports whether nb is protected. Lookup failures report true so
// callers fail closed.
func (s *Service) IsProtected(nb string) bool {
	prot, err := s.reg.IsProtected(nb)
	if err != nil {
		s.logger.Warn("noteservice: registry lookup failed", slog.String("notebook", nb), slog.String("error", err.Error()))
		return true
	}
	return prot
}

func (s *Service) publishNote(kind, nb, id string) {
	if s.events != nil {
		s.events.PublishNoteEvent(kind, nb, id)
	}
}

func (s *Service) publishNotebook(typ, nb string) {
	if s.events != nil {
		s.events.PublishNotebookEvent(typ, nb)
	}
}

// indexNote re-reads a note file and upserts it into the index. The index is
// derived data, so failures are logged and not returned.
func (s *Service) indexNote(nb, id string) {
	f, err := s.files.Stat(nb, id)
	if err == nil {
		var raw []byte
		if raw, err = s.files.Read(nb, id); err == nil {
			err = s.db.IndexFile(nb, id, raw, s.IsProtected(nb), index.WithModTime(f.ModifiedAt))
		}
	}
	if err != nil {
		s.logger.Warn("noteservice: index failed", slog.String("notebook", nb), slog.String("id", id), slog.String("error", err.Error()))
	}
}

func (s *Service) unindexNote(nb, id string) {
	if err := s.db.DeleteNote(nb, id); err != nil {
		s.logger.Warn("noteservice: unindex failed", slog.String("notebook", nb), slog.String("id", id), slog.String("error", err.Error()))
	}
}

func (s *Service) reindexNotebook(nb string) {
	if err := index.ReindexNotebook(s.db, s.files, nb, s.IsProtected(nb), s.logger); err != nil {
		s.logger.Warn("noteservice: reindex failed", slog.String("notebook", nb), slog.String("error", err.Error()))
	}
}

// ListNotebooks returns the root notebook followed by every other notebook.
func (s *Service) ListNotebooks(ctx context.Context) ([]models.Notebook, error) {
	rootNotes, err := s.files.ListNotes("")
	if err != nil {
		return nil, err
	}
	nbs, err := s.store.ListNotebooks(ctx)
	if err != nil {
		return nil, err
	}
	root := models.Notebook{Path: "", NoteCount: len(rootNotes), IsEncrypted: s.IsProtected("")}
	return append([]models.Notebook{root}, nbs...), nil
}

// CreateNotebook creates an empty notebook.
func (s *Service) CreateNotebook(ctx context.Context, name string) (models.Notebook, error) {
	if err := s.store.CreateNotebook(ctx, name); err != nil {
		return models.Notebook{}, err
	}
	s.publishNotebook(sse.TypeNotebookCreated, name)
	return models.Notebook{Path: name, CreatedAt: time.Now()}, nil
}

// DeleteNotebook moves a notebook into the trash and returns its trashed name.
// A protected notebook is locked first and its registry entry follows it into
// the trash, so its key stays available for recovery.
func (s *Service) DeleteNotebook(ctx context.Context, name string) (string, error) {
	alias, protected, err := s.reg.KeyAliasFor(name)
	if err != nil {
		return "", err
	}
	if protected {
		s.machine.Lock(name)
	}
	trashed, err := s.store.DeleteNotebook(ctx, name)
	if err != nil {
		return "", err
	}
	if protected {
		if err := s.reg.Rename(name, storage.TrashDir+"/"+trashed); err != nil {
			s.logger.Error("noteservice: move protection record to trash failed",
				slog.String("notebook", name), slog.String("alias", alias), slog.String("error", err.Error()))
			return trashed, err
		}
	}
	if err := s.db.DeleteNotebook(name); err != nil {
		s.logger.Warn("noteservice: unindex notebook failed", slog.String("notebook", name), slog.String("error", err.Error()))
	}
	s.publishNotebook(sse.TypeNotebookDeleted, name)
	return trashed, nil
}

// ListNotes returns every note of nb, with pending cached edits applied.
func (s *Service) ListNotes(ctx context.Context, nb string) ([]models.Note, error) {
	notes, err := s.store.ReadAll(ctx, nb)
	if err != nil {
		return nil, err
	}
	if !s.IsProtected(nb) {
		return notes, nil
	}
	for i, n := range notes {
		if err := s.machine.Remember(nb, n.ID, n.Content, n.Title); err != nil {
			return nil, err
		}
		if d, ok, _ := s.machine.Cached(nb, n.ID); ok && d.Dirty {
			notes[i].Title, notes[i].Content = d.Title, d.Content
		}
	}
	return notes, nil
}

// GetNote returns one note, preferring a pending cached edit.
func (s *Service) GetNote(ctx context.Context, nb, id string) (models.Note, error) {
	n, err := s.store.Read(ctx, nb, id)
	if err != nil {
		return models.Note{}, err
	}
	if !s.IsProtected(nb) {
		return n, nil
	}
	if err := s.machine.Remember(nb, id, n.Content, n.Title); err != nil {
		return models.Note{}, err
	}
	if d, ok, _ := s.machine.Cached(nb, id); ok && d.Dirty {
		n.Title, n.Content = d.Title, d.Content
	}
	return n, nil
}

// CreateNote adds a note whose id is derived from its title.
func (s *Service) CreateNote(ctx context.Context, nb, title, content string) (models.Note, error) {
	n, err := s.store.Create(ctx, nb, title, content)
	if err != nil {
		return models.Note{}, err
	}
	s.afterWrite(n)
	s.publishNote("created", nb, n.ID)
	return n, nil
}

// UpdateNote saves a note's title and content, replacing any pending edit.
func (s *Service) UpdateNote(ctx context.Context, nb, id, title, content string) (models.Note, error) {
	ok, err := s.store.Exists(ctx, nb, id)
	if err != nil {
		return models.Note{}, err
	}
	if !ok {
		return models.Note{}, fmt.Errorf("noteservice: note %s/%s: %w", nb, id, apperr.ErrNotFound)
	}
	n := models.Note{ID: id, Title: title, Content: content, ModifiedAt: time.Now(), Notebook: nb}
	if err := s.store.Write(ctx, n); err != nil {
		return models.Note{}, err
	}
	s.afterWrite(n)
	s.publishNote("updated", nb, id)
	return n, nil
}

// afterWrite refreshes the session cache and the index for a saved note.
func (s *Service) afterWrite(n models.Note) {
	if s.IsProtected(n.Notebook) {
		s.machine.Forget(n.Notebook, n.ID)
		_ = s.machine.Remember(n.Notebook, n.ID, n.Content, n.Title)
	}
	s.indexNote(n.Notebook, n.ID)
}

// CacheEdit records a live edit. Protected notebooks keep it in the session
// cache until Flush; other notebooks are written straight to disk.
func (s *Service) CacheEdit(ctx context.Context, nb, id, title, content string) error {
	if !s.IsProtected(nb) {
		_, err := s.UpdateNote(ctx, nb, id, title, content)
		return err
	}
	ok, err := s.store.Exists(ctx, nb, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("noteservice: note %s/%s: %w", nb, id, apperr.ErrNotFound)
	}
	return s.machine.CacheEdit(nb, id, content, title)
}

// Flush writes every pending cached edit of nb to disk and returns how many
// notes were written.
func (s *Service) Flush(ctx context.Context, nb string) (int, error) {
	if !s.IsProtected(nb) {
		return 0, nil
	}
	drafts, err := s.machine.PendingEdits(nb)
	if err != nil {
		return 0, err
	}
	written := 0
	for _, d := range drafts {
		n := models.Note{ID: d.ID, Title: d.Title, Content: d.Content, ModifiedAt: time.Now(), Notebook: nb}
		if err := s.store.Write(ctx, n); err != nil {
			return written, fmt.Errorf("noteservice: flush %s/%s: %w", nb, d.ID, err)
		}
		if err := s.machine.MarkFlushed(nb, d.ID); err != nil {
			return written, err
		}
		s.indexNote(nb, d.ID)
		s.publishNote("updated", nb, d.ID)
		written++
	}
	if written > 0 {
		s.logger.Info("noteservice: flushed edits", slog.String("notebook", nb), slog.Int("notes", written))
	}
	return written, nil
}

// RenameNote retitles a note and returns it under its new id. A pending edit
// of the note is saved as part of the rename.
func (s *Service) RenameNote(ctx context.Context, nb, id, newTitle string) (models.Note, error) {
	n, err := s.saveDraft(ctx, nb, id)
	if err != nil {
		return models.Note{}, err
	}
	newID, err := s.store.Rename(ctx, n, newTitle)
	if err != nil {
		return models.Note{}, err
	}
	if s.IsProtected(nb) {
		s.machine.Forget(nb, id)
	}
	n.ID, n.Title = newID, newTitle
	if newID != id {
		s.unindexNote(nb, id)
		s.publishNote("deleted", nb, id)
		s.afterWrite(n)
		s.publishNote("created", nb, newID)
	} else {
		s.afterWrite(n)
		s.publishNote("updated", nb, newID)
	}
	return s.store.Read(ctx, nb, newID)
}

// saveDraft writes a pending cached edit of the note, if any, and returns the
// note as stored.
func (s *Service) saveDraft(ctx context.Context, nb, id string) (models.Note, error) {
	n, err := s.GetNote(ctx, nb, id)
	if err != nil {
		return models.Note{}, err
	}
	if !s.IsProtected(nb) {
		return n, nil
	}
	if d, ok, _ := s.machine.Cached(nb, id); ok && d.Dirty {
		return s.UpdateNote(ctx, nb, id, d.Title, d.Content)
	}
	return n, nil
}

// MoveNote moves a note into target, keeping its id.
func (s *Service) MoveNote(ctx context.Context, nb, id, target string) (models.Note, error) {
	n, err := s.saveDraft(ctx, nb, id)
	if err != nil {
		return models.Note{}, err
	}
	if err := s.store.Move(ctx, n, target); err != nil {
		return models.Note{}, err
	}
	s.machine.Forget(nb, id)
	s.unindexNote(nb, id)
	s.indexNote(target, id)
	s.publishNote("deleted", nb, id)
	s.publishNote("created", target, id)
	return s.store.Read(ctx, target, id)
}

// DeleteNote removes a note from storage, the session cache and the index.
func (s *Service) DeleteNote(ctx context.Context, nb, id string) error {
	if err := s.store.Delete(ctx, models.Note{Notebook: nb, ID: id}); err != nil {
		return err
	}
	s.machine.Forget(nb, id)
	s.unindexNote(nb, id)
	s.publishNote("deleted", nb, id)
	return nil
}

// Search runs a full-text query. Protected notebooks are never searchable.
func (s *Service) Search(_ context.Context, query string, limit int) ([]index.SearchResult, error) {
	return s.db.Search(query, limit)
}

// Stats summarises the notes tree.
func (s *Service) Stats(_ context.Context) (models.StorageStats, error) {
	return s.store.Stats()
}

// OnIndexEvent forwards a watcher-driven index change to subscribers.
func (s *Service) OnIndexEvent(kind, nb, id string) {
	if s.IsProtected(nb) {
		s.machine.Forget(nb, id)
	}
	s.publishNote(kind, nb, id)
}

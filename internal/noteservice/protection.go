package noteservice

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/starford/sealbook/internal/apperr"
	"github.com/starford/sealbook/internal/archive"
	"github.com/starford/sealbook/internal/lockstate"
	"github.com/starford/sealbook/internal/models"
	"github.com/starford/sealbook/internal/sse"
	"github.com/starford/sealbook/internal/transition"
)

// Unlock authenticates secret for nb and opens a session. For presence mode
// "none" the secret is ignored.
func (s *Service) Unlock(ctx context.Context, nb, secret string) (lockstate.Status, error) {
	if err := s.machine.Unlock(ctx, nb, s.prompter.Prompt(secret)); err != nil {
		return lockstate.Status{}, err
	}
	return s.machine.Status(nb)
}

// Lock saves nb's pending edits and drops its session. The session is dropped
// even when saving fails; the returned error then reports the lost edits.
func (s *Service) Lock(ctx context.Context, nb string) error {
	var flushErr error
	if s.machine.State(nb) == lockstate.Unlocked {
		_, flushErr = s.Flush(ctx, nb)
	}
	s.machine.Lock(nb)
	if flushErr != nil {
		return fmt.Errorf("noteservice: lock %q: unsaved edits discarded: %w", nb, flushErr)
	}
	return nil
}

// LockAll drops every session without saving.
func (s *Service) LockAll() {
	s.machine.LockAll()
}

// Background drops every session, as the host does when it leaves the foreground.
func (s *Service) Background() {
	s.machine.Background()
}

// Foreground reports the host returning to the foreground.
func (s *Service) Foreground() {
	s.machine.Foreground()
}

// AutoLock saves and locks sessions idle for longer than maxIdle.
func (s *Service) AutoLock(ctx context.Context, maxIdle time.Duration) []string {
	idle := s.machine.Idle(maxIdle)
	for _, nb := range idle {
		if _, err := s.Flush(ctx, nb); err != nil {
			s.logger.Warn("noteservice: flush before auto-lock failed", slog.String("notebook", nb), slog.String("error", err.Error()))
		}
		s.machine.Expire(nb)
		s.logger.Info("noteservice: auto-locked idle notebook", slog.String("notebook", nb))
	}
	return idle
}

// State returns nb's lock status.
func (s *Service) State(_ context.Context, nb string) (lockstate.Status, error) {
	return s.machine.Status(nb)
}

// Protect encrypts every note of nb and marks it protected.
func (s *Service) Protect(ctx context.Context, nb string) error {
	if nb != "" {
		exists, err := s.files.NotebookExists(nb)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("noteservice: notebook %q: %w", nb, apperr.ErrNotFound)
		}
	}
	err := s.transitions.Protect(ctx, nb)
	s.reindexNotebook(nb)
	if err != nil {
		return err
	}
	s.publishNotebook(sse.TypeNotebookProtected, nb)
	return nil
}

// Unprotect saves pending edits, then decrypts every note of nb and removes
// its protection. nb must be unlocked.
func (s *Service) Unprotect(ctx context.Context, nb string) error {
	if s.machine.State(nb) == lockstate.Unlocked {
		if _, err := s.Flush(ctx, nb); err != nil {
			return err
		}
	}
	err := s.transitions.Unprotect(ctx, nb)
	if !errors.Is(err, apperr.ErrAuthenticationRequired) && !errors.Is(err, apperr.ErrNotProtected) {
		s.reindexNotebook(nb)
	}
	if err != nil {
		return err
	}
	s.publishNotebook(sse.TypeNotebookUnprotected, nb)
	return nil
}

// Resume finishes transitions interrupted by a crash.
func (s *Service) Resume(ctx context.Context) (transition.Report, error) {
	rep, err := s.transitions.Resume(ctx)
	if err != nil {
		return rep, err
	}
	for _, nb := range rep.Completed {
		s.reindexNotebook(nb)
	}
	if len(rep.Completed)+len(rep.Pending)+len(rep.Failed) > 0 {
		s.logger.Info("noteservice: resumed transitions",
			slog.Int("completed", len(rep.Completed)), slog.Int("pending", len(rep.Pending)), slog.Int("failed", len(rep.Failed)))
	}
	return rep, nil
}

// Export writes the readable notes tree to w as a zip archive. Pending edits
// are included.
func (s *Service) Export(ctx context.Context, w io.Writer, skipLocked bool) (archive.ExportReport, error) {
	return archive.Export(ctx, w, exportReader{s}, archive.ExportOptions{SkipLocked: skipLocked, Logger: s.logger})
}

// Import adds the notes of a zip archive. Imported notebooks are always new.
func (s *Service) Import(ctx context.Context, zr *zip.Reader) (archive.ImportReport, error) {
	return archive.Import(ctx, zr, importWriter{s}, s.logger)
}

type exportReader struct{ s *Service }

func (r exportReader) ListNotebooks(ctx context.Context) ([]models.Notebook, error) {
	return r.s.ListNotebooks(ctx)
}

func (r exportReader) ReadAll(ctx context.Context, nb string) ([]models.Note, error) {
	return r.s.ListNotes(ctx, nb)
}

type importWriter struct{ s *Service }

func (w importWriter) ListNotebooks(ctx context.Context) ([]models.Notebook, error) {
	return w.s.ListNotebooks(ctx)
}

func (w importWriter) CreateNotebook(ctx context.Context, name string) error {
	_, err := w.s.CreateNotebook(ctx, name)
	return err
}

func (w importWriter) Add(ctx context.Context, n models.Note) (models.Note, error) {
	added, err := w.s.store.Add(ctx, n)
	if err != nil {
		return models.Note{}, err
	}
	w.s.afterWrite(added)
	w.s.publishNote("created", added.Notebook, added.ID)
	return added, nil
}

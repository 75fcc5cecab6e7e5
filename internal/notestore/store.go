// Package notestore implements encryption-aware CRUD for notes on top of the raw
// storage tree. Every operation on a notebook holds that notebook's mutex, so
// writes, deletes and whole protection batches never interleave.
package notestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/starford/sealbook/internal/apperr"
	"github.com/starford/sealbook/internal/cipher"
	"github.com/starford/sealbook/internal/keyvault"
	"github.com/starford/sealbook/internal/models"
	"github.com/starford/sealbook/internal/parser"
	"github.com/starford/sealbook/internal/storage"
)

// Guard resolves notebook keys. KeyFor returns (nil, nil) for an unprotected
// notebook and an error wrapping apperr.ErrAuthenticationRequired for a
// protected notebook without an unlocked session.
type Guard interface {
	IsProtected(nb string) (bool, error)
	KeyFor(ctx context.Context, nb string) (*keyvault.KeyHandle, error)
}

// Store is the note store.
type Store struct {
	files  storage.Provider
	cipher cipher.ContentCipher
	guard  Guard
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store.
func New(files storage.Provider, c cipher.ContentCipher, g Guard, opts ...Option) *Store {
	s := &Store{
		files:  files,
		cipher: c,
		guard:  g,
		logger: slog.Default(),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) lockFor(nb string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[nb]
	if !ok {
		m = &sync.Mutex{}
		s.locks[nb] = m
	}
	return m
}

func (s *Store) lock(nb string) func() {
	m := s.lockFor(nb)
	m.Lock()
	return m.Unlock
}

// lockPair locks two notebooks in lexical order.
func (s *Store) lockPair(a, b string) func() {
	if a == b {
		return s.lock(a)
	}
	if b < a {
		a, b = b, a
	}
	ua := s.lock(a)
	ub := s.lock(b)
	return func() {
		ub()
		ua()
	}
}

// sealer applies a notebook's protection to payloads. A nil key means plaintext.
type sealer struct {
	key    *keyvault.KeyHandle
	cipher cipher.ContentCipher
}

func (s *Store) sealerFor(ctx context.Context, nb string) (*sealer, error) {
	key, err := s.guard.KeyFor(ctx, nb)
	if err != nil {
		return nil, err
	}
	return &sealer{key: key, cipher: s.cipher}, nil
}

func (sl *sealer) seal(payload []byte) ([]byte, error) {
	if sl.key == nil {
		return payload, nil
	}
	env, err := sl.cipher.Encrypt(string(payload), sl.key)
	if err != nil {
		return nil, sessionErr(err)
	}
	return []byte(env), nil
}

func (sl *sealer) open(raw []byte) ([]byte, error) {
	if sl.key == nil {
		return raw, nil
	}
	pt, err := sl.cipher.Decrypt(string(raw), sl.key)
	if err != nil {
		return nil, sessionErr(err)
	}
	return []byte(pt), nil
}

// sessionErr reports a key destroyed by a concurrent lock as a locked
// notebook rather than unreadable content.
func sessionErr(err error) error {
	if errors.Is(err, keyvault.ErrDestroyed) {
		return fmt.Errorf("notestore: session ended: %w", apperr.ErrAuthenticationRequired)
	}
	return err
}

// ListNotebooks returns every notebook, flagged with its protection status.
func (s *Store) ListNotebooks(_ context.Context) ([]models.Notebook, error) {
	nbs, err := s.files.ListNotebooks()
	if err != nil {
		return nil, err
	}
	for i := range nbs {
		prot, err := s.guard.IsProtected(nbs[i].Path)
		if err != nil {
			return nil, fmt.Errorf("notestore: list notebooks: %w", err)
		}
		nbs[i].IsEncrypted = prot
	}
	sort.Slice(nbs, func(i, j int) bool { return nbs[i].Path < nbs[j].Path })
	return nbs, nil
}

// CreateNotebook creates an empty notebook.
func (s *Store) CreateNotebook(_ context.Context, name string) error {
	if err := ValidateNotebook(name); err != nil {
		return err
	}
	defer s.lock(name)()
	return s.files.CreateNotebook(name)
}

// DeleteNotebook moves a notebook into the trash and returns its trashed name.
func (s *Store) DeleteNotebook(_ context.Context, name string) (string, error) {
	if err := ValidateNotebook(name); err != nil {
		return "", err
	}
	defer s.lock(name)()
	trashed, err := s.files.TrashNotebook(name, s.now())
	if err != nil {
		return "", err
	}
	s.logger.Info("notestore: notebook trashed", slog.String("notebook", name), slog.String("trashed", trashed))
	return trashed, nil
}

// ReadAll returns every note of nb, newest first with ties broken by id.
// Tombstones are deleted from disk and omitted.
func (s *Store) ReadAll(ctx context.Context, nb string) ([]models.Note, error) {
	if err := validRef(nb); err != nil {
		return nil, err
	}
	defer s.lock(nb)()

	sl, err := s.sealerFor(ctx, nb)
	if err != nil {
		return nil, err
	}
	files, err := s.files.ListNotes(nb)
	if err != nil {
		return nil, err
	}

	out := make([]models.Note, 0, len(files))
	for _, f := range files {
		n, err := s.readLocked(sl, f)
		if err != nil {
			return nil, err
		}
		if parser.IsBlank(n.Title, n.Content) {
			if err := s.files.Delete(nb, f.ID); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, apperr.NewIOError("purge tombstone", nb+"/"+f.ID, err)
			}
			s.logger.Debug("notestore: purged empty note", slog.String("notebook", nb), slog.String("id", f.ID))
			continue
		}
		out = append(out, n)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ModifiedAt.Equal(out[j].ModifiedAt) {
			return out[i].ModifiedAt.After(out[j].ModifiedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) readLocked(sl *sealer, f models.NoteFile) (models.Note, error) {
	raw, err := s.files.Read(f.Notebook, f.ID)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.Note{}, fmt.Errorf("notestore: note %s/%s: %w", f.Notebook, f.ID, apperr.ErrNotFound)
		}
		return models.Note{}, apperr.NewIOError("read", f.Notebook+"/"+f.ID, err)
	}
	payload, err := sl.open(raw)
	if err != nil {
		return models.Note{}, fmt.Errorf("notestore: note %s/%s: %w", f.Notebook, f.ID, err)
	}
	res := parser.Parse(payload)
	return models.Note{
		ID:         f.ID,
		Title:      res.Title,
		Content:    res.Content,
		ModifiedAt: f.ModifiedAt,
		Notebook:   f.Notebook,
	}, nil
}

// Read returns a single note.
func (s *Store) Read(ctx context.Context, nb, id string) (models.Note, error) {
	if err := validRef(nb); err != nil {
		return models.Note{}, err
	}
	defer s.lock(nb)()

	sl, err := s.sealerFor(ctx, nb)
	if err != nil {
		return models.Note{}, err
	}
	f, err := s.stat(nb, id)
	if err != nil {
		return models.Note{}, err
	}
	return s.readLocked(sl, f)
}

func (s *Store) stat(nb, id string) (models.NoteFile, error) {
	f, err := s.files.Stat(nb, id)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return f, fmt.Errorf("notestore: note %s/%s: %w", nb, id, apperr.ErrNotFound)
		}
		return f, err
	}
	return f, nil
}

// Create adds a note whose id is derived from its title, resolving collisions
// with numeric suffixes.
func (s *Store) Create(ctx context.Context, nb, title, content string) (models.Note, error) {
	if err := validRef(nb); err != nil {
		return models.Note{}, err
	}
	defer s.lock(nb)()

	sl, err := s.sealerFor(ctx, nb)
	if err != nil {
		return models.Note{}, err
	}
	base := Sanitize(title)
	if base == "" {
		base = DefaultID
	}
	id, err := uniqueID(base, func(id string) (bool, error) { return s.files.Exists(nb, id) })
	if err != nil {
		return models.Note{}, err
	}
	n := models.Note{ID: id, Title: title, Content: content, ModifiedAt: s.now(), Notebook: nb}
	if err := s.writeLocked(sl, n); err != nil {
		return models.Note{}, err
	}
	return n, nil
}

// Add stores n under n.ID, or the first free n.ID_N variant when that id is
// taken, and returns the note as written. An empty or unusable id falls back to
// the sanitized title.
func (s *Store) Add(ctx context.Context, n models.Note) (models.Note, error) {
	if err := validRef(n.Notebook); err != nil {
		return models.Note{}, err
	}
	defer s.lock(n.Notebook)()

	sl, err := s.sealerFor(ctx, n.Notebook)
	if err != nil {
		return models.Note{}, err
	}
	base := Sanitize(n.ID)
	if base == "" {
		base = Sanitize(n.Title)
	}
	if base == "" {
		base = DefaultID
	}
	n.ID, err = uniqueID(base, func(id string) (bool, error) { return s.files.Exists(n.Notebook, id) })
	if err != nil {
		return models.Note{}, err
	}
	if n.ModifiedAt.IsZero() {
		n.ModifiedAt = s.now()
	}
	if err := s.writeLocked(sl, n); err != nil {
		return models.Note{}, err
	}
	return n, nil
}

// Write persists note, sealing it first when its notebook is protected.
func (s *Store) Write(ctx context.Context, n models.Note) error {
	if err := validRef(n.Notebook); err != nil {
		return err
	}
	defer s.lock(n.Notebook)()

	sl, err := s.sealerFor(ctx, n.Notebook)
	if err != nil {
		return err
	}
	return s.writeLocked(sl, n)
}

func (s *Store) writeLocked(sl *sealer, n models.Note) error {
	data, err := sl.seal(parser.Format(n.Title, n.Content))
	if err != nil {
		return fmt.Errorf("notestore: write %s/%s: %w", n.Notebook, n.ID, err)
	}
	var mtime time.Time
	if n.ModifiedAt.UnixMilli() > 0 {
		mtime = n.ModifiedAt
	}
	if err := s.files.Write(n.Notebook, n.ID, data, mtime); err != nil {
		if errors.Is(err, apperr.ErrInvalidName) {
			return err
		}
		return apperr.NewIOError("write", n.Notebook+"/"+n.ID, err)
	}
	return nil
}

// Rename retitles a note. The new id is the sanitized title, or the first free
// name_N variant of it. The payload title is rewritten.
func (s *Store) Rename(ctx context.Context, n models.Note, newTitle string) (string, error) {
	base := Sanitize(newTitle)
	if base == "" {
		return "", fmt.Errorf("notestore: rename %q: %w", newTitle, apperr.ErrInvalidName)
	}
	if err := validRef(n.Notebook); err != nil {
		return "", err
	}
	defer s.lock(n.Notebook)()

	sl, err := s.sealerFor(ctx, n.Notebook)
	if err != nil {
		return "", err
	}
	cur, err := s.stat(n.Notebook, n.ID)
	if err != nil {
		return "", err
	}
	current, err := s.readLocked(sl, cur)
	if err != nil {
		return "", err
	}

	newID, err := uniqueID(base, func(id string) (bool, error) {
		if id == n.ID {
			return false, nil
		}
		return s.files.Exists(n.Notebook, id)
	})
	if err != nil {
		return "", err
	}

	current.ID = newID
	current.Title = newTitle
	current.ModifiedAt = s.now()
	if err := s.writeLocked(sl, current); err != nil {
		return "", err
	}
	if newID != n.ID {
		if err := s.files.Delete(n.Notebook, n.ID); err != nil {
			return "", apperr.NewIOError("rename", n.Notebook+"/"+n.ID, err)
		}
	}
	return newID, nil
}

// Move relocates a note into target. Content is re-sealed for the target's
// protection: it is decrypted with the source key and encrypted with the
// target key, so plaintext and ciphertext never cross a protection boundary.
func (s *Store) Move(ctx context.Context, n models.Note, target string) error {
	if err := validRef(n.Notebook); err != nil {
		return err
	}
	if err := validRef(target); err != nil {
		return err
	}
	defer s.lockPair(n.Notebook, target)()

	exists, err := s.files.Exists(target, n.ID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("notestore: move %s to %q: %w", n.ID, target, apperr.ErrTargetExists)
	}
	cur, err := s.stat(n.Notebook, n.ID)
	if err != nil {
		return err
	}

	src, err := s.sealerFor(ctx, n.Notebook)
	if err != nil {
		return err
	}
	dst, err := s.sealerFor(ctx, target)
	if err != nil {
		return err
	}

	if src.key == nil && dst.key == nil {
		if err := s.files.Move(n.Notebook, n.ID, target, n.ID); err != nil {
			return apperr.NewIOError("move", n.Notebook+"/"+n.ID, err)
		}
		return nil
	}

	raw, err := s.files.Read(n.Notebook, n.ID)
	if err != nil {
		return apperr.NewIOError("read", n.Notebook+"/"+n.ID, err)
	}
	payload, err := src.open(raw)
	if err != nil {
		return fmt.Errorf("notestore: move %s: %w", n.ID, err)
	}
	sealed, err := dst.seal(payload)
	if err != nil {
		return fmt.Errorf("notestore: move %s: %w", n.ID, err)
	}
	if err := s.files.Write(target, n.ID, sealed, cur.ModifiedAt); err != nil {
		return apperr.NewIOError("write", target+"/"+n.ID, err)
	}
	if err := s.files.Delete(n.Notebook, n.ID); err != nil {
		return apperr.NewIOError("delete", n.Notebook+"/"+n.ID, err)
	}
	return nil
}

// Delete removes a note.
func (s *Store) Delete(_ context.Context, n models.Note) error {
	if err := validRef(n.Notebook); err != nil {
		return err
	}
	defer s.lock(n.Notebook)()

	if err := s.files.Delete(n.Notebook, n.ID); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("notestore: note %s/%s: %w", n.Notebook, n.ID, apperr.ErrNotFound)
		}
		return apperr.NewIOError("delete", n.Notebook+"/"+n.ID, err)
	}
	return nil
}

// Exists reports whether a note file exists.
func (s *Store) Exists(_ context.Context, nb, id string) (bool, error) {
	if err := validRef(nb); err != nil {
		return false, err
	}
	defer s.lock(nb)()
	return s.files.Exists(nb, id)
}

// Stats summarises the notes tree.
func (s *Store) Stats() (models.StorageStats, error) {
	return s.files.Stats()
}

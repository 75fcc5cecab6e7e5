// Package transition converts whole notebooks between plaintext and protected
// form. Transitions of one notebook never overlap. Every batch runs under the
// notebook's store mutex, records per-note progress in a journal, and only
// touches the protection registry once every note is in its target form.
package transition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/sealbook/internal/apperr"
	"github.com/starford/sealbook/internal/cipher"
	"github.com/starford/sealbook/internal/keyvault"
	"github.com/starford/sealbook/internal/notestore"
	"github.com/starford/sealbook/internal/registry"
)

// Registry is the protection registry contract.
type Registry interface {
	KeyAliasFor(nb string) (string, bool, error)
	SetProtected(nb, alias string) error
	SetUnprotected(nb string) error
}

// Sessions is the lock-state contract: the unlocked key of a notebook, and
// dropping a notebook's session.
type Sessions interface {
	KeyFor(ctx context.Context, nb string) (*keyvault.KeyHandle, error)
	Lock(nb string)
}

// Batcher runs fn with exclusive raw access to a notebook.
type Batcher interface {
	Exclusive(ctx context.Context, nb string, fn func(*notestore.Batch) error) error
}

// Service runs protect, unprotect and resume.
type Service struct {
	store    Batcher
	cipher   cipher.ContentCipher
	vault    keyvault.Vault
	reg      Registry
	sessions Sessions
	journal  *Journal
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service.
func New(store Batcher, c cipher.ContentCipher, vault keyvault.Vault, reg Registry, sessions Sessions, journal *Journal, opts ...Option) *Service {
	s := &Service{
		store:    store,
		cipher:   c,
		vault:    vault,
		reg:      reg,
		sessions: sessions,
		journal:  journal,
		logger:   slog.Default(),
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// lock holds nb's transition mutex from the registry checks through the commit.
func (s *Service) lock(nb string) func() {
	s.mu.Lock()
	m, ok := s.locks[nb]
	if !ok {
		m = &sync.Mutex{}
		s.locks[nb] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Protect encrypts every note of nb under a fresh key and records nb as
// protected. On failure converted notes are restored and the key is deleted.
func (s *Service) Protect(ctx context.Context, nb string) error {
	defer s.lock(nb)()
	if _, ok, err := s.reg.KeyAliasFor(nb); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("transition: protect %q: %w", nb, apperr.ErrAlreadyProtected)
	}
	if _, pending, err := s.journal.Get(nb); err != nil {
		return err
	} else if pending {
		return fmt.Errorf("transition: protect %q: unfinished transition, resume first: %w", nb, apperr.ErrConflict)
	}

	alias := registry.NewAlias(nb, s.now())
	key, err := s.vault.CreateKey(ctx, alias, keyvault.CreateOptions{})
	if err != nil {
		return fmt.Errorf("transition: protect %q: %w", nb, err)
	}
	defer key.Destroy()

	if err := s.journal.Put(nb, Entry{Op: OpProtect, Alias: alias, StartedAt: s.now().UTC()}); err != nil {
		s.discardKey(ctx, alias)
		return err
	}

	s.logger.Info("transition: protect started", slog.String("notebook", nb), slog.String("alias", alias))

	err = s.store.Exclusive(ctx, nb, func(b *notestore.Batch) error {
		ids, err := b.IDs()
		if err != nil {
			return err
		}
		originals := make(map[string]original, len(ids))
		var converted []string
		for i, id := range ids {
			err := func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				raw, mtime, err := b.ReadRaw(id)
				if err != nil {
					return err
				}
				originals[id] = original{raw: raw, mtime: mtime}
				env, err := s.cipher.Encrypt(string(raw), key)
				if err != nil {
					return err
				}
				if err := b.WriteRaw(id, []byte(env), mtime); err != nil {
					return err
				}
				converted = append(converted, id)
				return s.journal.MarkDone(nb, id)
			}()
			if err != nil {
				return s.rollback(ctx, b, alias, originals, converted, ids[i:], err)
			}
		}
		if err := s.commitProtect(ctx, nb, alias); err != nil {
			return s.rollback(ctx, b, alias, originals, converted, nil, err)
		}
		return nil
	})
	if err != nil {
		if _, ok := apperr.IsPartialProtection(err); !ok {
			// No note was touched.
			s.discardKey(ctx, alias)
			_ = s.journal.Clear(nb)
		}
		s.logger.Warn("transition: protect failed", slog.String("notebook", nb), slog.String("error", err.Error()))
		return fmt.Errorf("transition: protect %q: %w", nb, err)
	}

	s.sessions.Lock(nb)
	s.logger.Info("transition: protect finished", slog.String("notebook", nb))
	return nil
}

type original struct {
	raw   []byte
	mtime time.Time
}

// rollback restores converted notes to their original bytes. When every note
// is restored the key and journal are discarded; otherwise the journal is kept
// so Resume can finish the protection.
func (s *Service) rollback(ctx context.Context, b *notestore.Batch, alias string, originals map[string]original, converted, remaining []string, cause error) error {
	nb := b.Notebook()
	perr := &apperr.PartialProtectionError{
		Notebook:    nb,
		Op:          OpProtect,
		Unconverted: append([]string(nil), remaining...),
		Err:         cause,
	}
	var rollbackErr error
	for _, id := range converted {
		o := originals[id]
		if err := b.WriteRaw(id, o.raw, o.mtime); err != nil {
			rollbackErr = errors.Join(rollbackErr, err)
		}
	}
	if rollbackErr != nil {
		s.logger.Error("transition: protect rollback failed",
			slog.String("notebook", nb), slog.String("error", rollbackErr.Error()))
		perr.Err = errors.Join(cause, rollbackErr)
		return perr
	}
	perr.RolledBack = true
	s.discardKey(ctx, alias)
	if err := s.journal.Clear(nb); err != nil {
		perr.Err = errors.Join(cause, err)
	}
	return perr
}

// commitProtect marks the key, records nb in the registry and clears the
// journal. It runs while the notebook mutex is held so no reader sees the
// encrypted notes before the registry does.
func (s *Service) commitProtect(ctx context.Context, nb, alias string) error {
	if err := s.vault.SetUserPresence(ctx, alias, true); err != nil {
		return fmt.Errorf("mark key: %w", err)
	}
	if err := s.reg.SetProtected(nb, alias); err != nil {
		if uerr := s.vault.SetUserPresence(context.WithoutCancel(ctx), alias, false); uerr != nil {
			err = errors.Join(err, uerr)
		}
		return fmt.Errorf("register: %w", err)
	}
	if err := s.journal.Clear(nb); err != nil {
		s.logger.Warn("transition: clear journal failed", slog.String("notebook", nb), slog.String("error", err.Error()))
	}
	return nil
}

func (s *Service) discardKey(ctx context.Context, alias string) {
	if _, err := s.vault.Delete(context.WithoutCancel(ctx), alias); err != nil {
		s.logger.Warn("transition: delete key failed", slog.String("alias", alias), slog.String("error", err.Error()))
	}
}

// Unprotect decrypts every note of nb, removes nb from the registry and
// deletes its key. nb must be unlocked. A failure keeps the journal; a retry
// decrypts every note again and keeps those already in plaintext.
func (s *Service) Unprotect(ctx context.Context, nb string) error {
	defer s.lock(nb)()
	return s.unprotect(ctx, nb)
}

func (s *Service) unprotect(ctx context.Context, nb string) error {
	alias, ok, err := s.reg.KeyAliasFor(nb)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("transition: unprotect %q: %w", nb, apperr.ErrNotProtected)
	}
	key, err := s.sessions.KeyFor(ctx, nb)
	if err != nil {
		return fmt.Errorf("transition: unprotect %q: %w", nb, err)
	}
	if key == nil {
		return fmt.Errorf("transition: unprotect %q: %w", nb, apperr.ErrAuthenticationRequired)
	}

	entry, resuming, err := s.journal.Get(nb)
	if err != nil {
		return err
	}
	switch {
	case resuming && entry.Op != OpUnprotect:
		return fmt.Errorf("transition: unprotect %q: unfinished %s, resume first: %w", nb, entry.Op, apperr.ErrConflict)
	case !resuming:
		entry = Entry{Op: OpUnprotect, Alias: alias, StartedAt: s.now().UTC()}
		if err := s.journal.Put(nb, entry); err != nil {
			return err
		}
	}

	s.logger.Info("transition: unprotect started", slog.String("notebook", nb), slog.Bool("resumed", resuming))

	err = s.store.Exclusive(ctx, nb, func(b *notestore.Batch) error {
		ids, err := b.IDs()
		if err != nil {
			return err
		}
		// Done entries are not trusted: notes saved since a failed attempt
		// were sealed again.
		for i, id := range ids {
			if err := s.decryptOne(ctx, b, nb, id, key, resuming); err != nil {
				left := append([]string(nil), ids[i:]...)
				return &apperr.PartialProtectionError{Notebook: nb, Op: OpUnprotect, Unconverted: left, Err: err}
			}
		}
		if err := s.reg.SetUnprotected(nb); err != nil {
			return fmt.Errorf("unregister: %w", err)
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("transition: unprotect failed", slog.String("notebook", nb), slog.String("error", err.Error()))
		return fmt.Errorf("transition: unprotect %q: %w", nb, err)
	}

	s.sessions.Lock(nb)
	return s.finishUnprotect(ctx, nb, alias)
}

func (s *Service) decryptOne(ctx context.Context, b *notestore.Batch, nb, id string, key *keyvault.KeyHandle, resuming bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, mtime, err := b.ReadRaw(id)
	if err != nil {
		return err
	}
	plain, err := s.cipher.Decrypt(string(raw), key)
	if err != nil {
		// Earlier attempts leave plaintext behind, journaled or not.
		if resuming && cipher.IsMalformed(err) {
			return s.journal.MarkDone(nb, id)
		}
		return err
	}
	if err := b.WriteRaw(id, []byte(plain), mtime); err != nil {
		return err
	}
	return s.journal.MarkDone(nb, id)
}

func (s *Service) finishUnprotect(ctx context.Context, nb, alias string) error {
	if _, err := s.vault.Delete(ctx, alias); err != nil {
		s.logger.Error("transition: key deletion failed after unprotect",
			slog.String("notebook", nb), slog.String("alias", alias), slog.String("error", err.Error()))
		return fmt.Errorf("transition: unprotect %q: notebook is plaintext: %w", nb, err)
	}
	if err := s.journal.Clear(nb); err != nil {
		return err
	}
	s.logger.Info("transition: unprotect finished", slog.String("notebook", nb))
	return nil
}

// Report summarises a Resume pass.
type Report struct {
	Completed []string `json:"completed"`
	// Pending lists unprotect transitions that need an unlocked session.
	Pending []string `json:"pending"`
	Failed  []string `json:"failed"`
}

// Resume finishes transitions interrupted by a crash. Protect journals are
// completed; unprotect journals are completed when the notebook is unlocked
// and reported as pending otherwise.
func (s *Service) Resume(ctx context.Context) (Report, error) {
	var rep Report
	all, err := s.journal.All()
	if err != nil {
		return rep, err
	}
	for nb, e := range all {
		err := s.resumeOne(ctx, nb, e)
		if e.Op == OpUnprotect && errors.Is(err, apperr.ErrAuthenticationRequired) {
			rep.Pending = append(rep.Pending, nb)
			continue
		}
		if err != nil {
			s.logger.Error("transition: resume failed", slog.String("notebook", nb), slog.String("op", e.Op), slog.String("error", err.Error()))
			rep.Failed = append(rep.Failed, nb)
			continue
		}
		rep.Completed = append(rep.Completed, nb)
	}
	return rep, nil
}

func (s *Service) resumeOne(ctx context.Context, nb string, e Entry) error {
	defer s.lock(nb)()
	// Another transition may have finished nb since the journal was read.
	cur, ok, err := s.journal.Get(nb)
	if err != nil {
		return err
	}
	if !ok || cur.Op != e.Op || cur.Alias != e.Alias {
		return nil
	}
	switch cur.Op {
	case OpProtect:
		return s.resumeProtect(ctx, nb, cur)
	case OpUnprotect:
		return s.resumeUnprotect(ctx, nb, cur)
	}
	return fmt.Errorf("unknown op %q", cur.Op)
}

func (s *Service) resumeProtect(ctx context.Context, nb string, e Entry) error {
	if alias, ok, err := s.reg.KeyAliasFor(nb); err != nil {
		return err
	} else if ok && alias == e.Alias {
		return s.journal.Clear(nb)
	}

	key, err := s.vault.Handle(ctx, e.Alias)
	switch {
	case errors.Is(err, apperr.ErrKeyNotFound):
		// The key is only deleted after a completed rollback.
		return s.journal.Clear(nb)
	case errors.Is(err, apperr.ErrAuthenticationRequired):
		// The key is only marked after every note was converted.
		return s.store.Exclusive(ctx, nb, func(*notestore.Batch) error {
			if err := s.reg.SetProtected(nb, e.Alias); err != nil {
				return err
			}
			return s.journal.Clear(nb)
		})
	case err != nil:
		return err
	}
	defer key.Destroy()

	err = s.store.Exclusive(ctx, nb, func(b *notestore.Batch) error {
		ids, err := b.IDs()
		if err != nil {
			return err
		}
		// Done entries are not trusted: a failed rollback may have restored
		// some of them.
		for _, id := range ids {
			raw, mtime, err := b.ReadRaw(id)
			if err != nil {
				return err
			}
			if _, derr := s.cipher.Decrypt(string(raw), key); derr == nil {
				if err := s.journal.MarkDone(nb, id); err != nil {
					return err
				}
				continue
			}
			env, err := s.cipher.Encrypt(string(raw), key)
			if err != nil {
				return err
			}
			if err := b.WriteRaw(id, []byte(env), mtime); err != nil {
				return err
			}
			if err := s.journal.MarkDone(nb, id); err != nil {
				return err
			}
		}
		return s.commitProtect(ctx, nb, e.Alias)
	})
	if err != nil {
		return err
	}
	s.sessions.Lock(nb)
	s.logger.Info("transition: protect resumed", slog.String("notebook", nb))
	return nil
}

func (s *Service) resumeUnprotect(ctx context.Context, nb string, e Entry) error {
	_, ok, err := s.reg.KeyAliasFor(nb)
	if err != nil {
		return err
	}
	if !ok {
		// Registry already cleared: every note is plaintext, only the key remains.
		return s.finishUnprotect(ctx, nb, e.Alias)
	}
	return s.unprotect(ctx, nb)
}

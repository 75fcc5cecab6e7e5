// Package engine wires the storage, keystore, lock state and index components
// into a ready note service.
package engine

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/starford/sealbook/internal/cipher"
	"github.com/starford/sealbook/internal/index"
	"github.com/starford/sealbook/internal/keyvault"
	"github.com/starford/sealbook/internal/lockstate"
	"github.com/starford/sealbook/internal/noteservice"
	"github.com/starford/sealbook/internal/notestore"
	"github.com/starford/sealbook/internal/presence"
	"github.com/starford/sealbook/internal/registry"
	"github.com/starford/sealbook/internal/storage"
	"github.com/starford/sealbook/internal/transition"
)

// Options configures Open.
type Options struct {
	NotesDir     string
	SQLitePath   string
	KeystoreDir  string
	Passphrase   []byte
	KDF          keyvault.KDFParams
	ChallengeTTL time.Duration
	// PIN enables PIN user presence. Nil means presence mode "none".
	PIN    *presence.PIN
	Events noteservice.Publisher
	Logger *slog.Logger
}

// Engine holds the wired components.
type Engine struct {
	Files       *storage.FS
	Store       *notestore.Store
	Index       *index.DB
	Vault       *keyvault.FileVault
	Registry    *registry.Registry
	Machine     *lockstate.Machine
	Journal     *transition.Journal
	Transitions *transition.Service
	Service     *noteservice.Service
	Logger      *slog.Logger
}

// Open creates the directories it needs and wires every component.
func Open(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(opts.NotesDir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create notes dir: %w", err)
	}
	if err := os.MkdirAll(opts.KeystoreDir, 0o700); err != nil {
		return nil, fmt.Errorf("engine: create keystore dir: %w", err)
	}

	files, err := storage.NewFS(opts.NotesDir)
	if err != nil {
		return nil, fmt.Errorf("engine: init storage: %w", err)
	}
	db, err := index.Open(opts.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("engine: init index: %w", err)
	}

	vopts := keyvault.Options{
		Passphrase:   opts.Passphrase,
		KDF:          opts.KDF,
		ChallengeTTL: opts.ChallengeTTL,
		Logger:       logger,
	}
	var prompter presence.Prompter = presence.NoPrompt
	if opts.PIN != nil {
		vopts.Enrollment = opts.PIN
		prompter = opts.PIN
	}
	vault, err := keyvault.Open(opts.KeystoreDir, vopts)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: open keystore: %w", err)
	}

	c := cipher.New()
	reg := registry.New(db)
	machine := lockstate.New(reg, vault, lockstate.WithLogger(logger))
	store := notestore.New(files, c, machine, notestore.WithLogger(logger))
	journal := transition.NewJournal(db)
	transitions := transition.New(store, c, vault, reg, machine, journal, transition.WithLogger(logger))

	svc := noteservice.NewService(noteservice.Deps{
		Files:       files,
		Store:       store,
		Index:       db,
		Registry:    reg,
		Machine:     machine,
		Transitions: transitions,
		Prompter:    prompter,
		Events:      opts.Events,
		Logger:      logger,
	})

	return &Engine{
		Files:       files,
		Store:       store,
		Index:       db,
		Vault:       vault,
		Registry:    reg,
		Machine:     machine,
		Journal:     journal,
		Transitions: transitions,
		Service:     svc,
		Logger:      logger,
	}, nil
}

// Protected reports whether nb is protected, failing closed. It is used where
// the index needs a protection predicate.
func (e *Engine) Protected(nb string) bool {
	return e.Service.IsProtected(nb)
}

// Close drops every session and closes the index.
func (e *Engine) Close() error {
	e.Machine.LockAll()
	return e.Index.Close()
}

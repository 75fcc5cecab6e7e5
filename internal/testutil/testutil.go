// Package testutil provides shared test helpers for setting up engines and databases.
package testutil

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/starford/sealbook/internal/engine"
	"github.com/starford/sealbook/internal/index"
	"github.com/starford/sealbook/internal/keyvault"
	"github.com/starford/sealbook/internal/noteservice"
	"github.com/starford/sealbook/internal/presence"
	"github.com/starford/sealbook/internal/storage"
)

// LightKDF is an Argon2id setting cheap enough for tests.
var LightKDF = keyvault.KDFParams{Memory: 8 * 1024, Iterations: 1, Parallelism: 1}

// Logger discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestDB creates a temporary SQLite database that is automatically cleaned up.
func TestDB(t *testing.T) *index.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "sealbook-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := index.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestNotes creates a temporary notes directory with a storage.Provider.
func TestNotes(t *testing.T) (string, storage.Provider) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	return dir, store
}

// EngineOption tweaks TestEngine.
type EngineOption func(*engine.Options)

// WithPIN enables PIN user presence.
func WithPIN(t *testing.T, pin string) EngineOption {
	t.Helper()
	enc, err := presence.HashPIN(pin)
	if err != nil {
		t.Fatal(err)
	}
	p, err := presence.NewPIN(enc)
	if err != nil {
		t.Fatal(err)
	}
	return func(o *engine.Options) { o.PIN = p }
}

// WithEvents sets the event publisher.
func WithEvents(pub noteservice.Publisher) EngineOption {
	return func(o *engine.Options) { o.Events = pub }
}

// TestEngine wires a full engine on temp directories with light Argon2 parameters.
func TestEngine(t *testing.T, opts ...EngineOption) *engine.Engine {
	t.Helper()
	base := t.TempDir()
	o := engine.Options{
		NotesDir:    filepath.Join(base, "notes"),
		SQLitePath:  filepath.Join(base, "sealbook.db"),
		KeystoreDir: filepath.Join(base, "keystore"),
		Passphrase:  []byte("test-passphrase"),
		KDF:         LightKDF,
		Logger:      Logger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	e, err := engine.Open(o)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

package notestore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starford/sealbook/internal/apperr"
	"github.com/starford/sealbook/internal/cipher"
	"github.com/starford/sealbook/internal/keyvault"
	"github.com/starford/sealbook/internal/models"
	"github.com/starford/sealbook/internal/storage"
)

type fakeGuard struct {
	protected map[string]bool
	keys      map[string]*keyvault.KeyHandle
}

func (g *fakeGuard) IsProtected(nb string) (bool, error) { return g.protected[nb], nil }

func (g *fakeGuard) KeyFor(_ context.Context, nb string) (*keyvault.KeyHandle, error) {
	if !g.protected[nb] {
		return nil, nil
	}
	if k, ok := g.keys[nb]; ok {
		return k, nil
	}
	return nil, apperr.ErrAuthenticationRequired
}

type env struct {
	store *Store
	guard *fakeGuard
	root  string
	vault *keyvault.FileVault
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()
	fsys, err := storage.NewFS(root)
	if err != nil {
		t.Fatal(err)
	}
	vault, err := keyvault.Open(t.TempDir(), keyvault.Options{
		Passphrase: []byte("test"),
		KDF:        keyvault.KDFParams{Memory: 8 * 1024, Iterations: 1, Parallelism: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	g := &fakeGuard{protected: map[string]bool{}, keys: map[string]*keyvault.KeyHandle{}}
	s := New(fsys, cipher.New(), g, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	return &env{store: s, guard: g, root: root, vault: vault}
}

// protect marks nb protected and, when unlocked is true, makes its key available.
func (e *env) protect(t *testing.T, nb string, unlocked bool) {
	t.Helper()
	e.guard.protected[nb] = true
	if !unlocked {
		delete(e.guard.keys, nb)
		return
	}
	h, err := e.vault.GetOrCreate(context.Background(), "k_"+nb)
	if err != nil {
		t.Fatal(err)
	}
	e.guard.keys[nb] = h
}

func TestCreateAndReadAllOrdering(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	notes := []models.Note{
		{ID: "b", Title: "B", Content: "two", ModifiedAt: base},
		{ID: "a", Title: "A", Content: "one", ModifiedAt: base},
		{ID: "c", Title: "C", Content: "three", ModifiedAt: base.Add(time.Hour)},
	}
	for _, n := range notes {
		n.Notebook = "work"
		if err := e.store.Write(ctx, n); err != nil {
			t.Fatalf("Write %s: %v", n.ID, err)
		}
	}

	got, err := e.store.ReadAll(ctx, "work")
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	var ids []string
	for _, n := range got {
		ids = append(ids, n.ID)
	}
	if strings.Join(ids, ",") != "c,a,b" {
		t.Errorf("order = %v, want c,a,b", ids)
	}
	if got[0].Title != "C" || got[0].Content != "three" || !got[0].ModifiedAt.Equal(base.Add(time.Hour)) {
		t.Errorf("first note = %+v", got[0])
	}
}

func TestReadAllMissingNotebook(t *testing.T) {
	got, err := newEnv(t).store.ReadAll(context.Background(), "nope")
	if err != nil || len(got) != 0 {
		t.Fatalf("ReadAll = %v, %v", got, err)
	}
}

func TestCreateDerivesID(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	n1, err := e.store.Create(ctx, "", "Trip: plan?", "body")
	if err != nil {
		t.Fatal(err)
	}
	if n1.ID != "Trip plan" {
		t.Errorf("id = %q", n1.ID)
	}
	n2, _ := e.store.Create(ctx, "", "Trip: plan?", "again")
	if n2.ID != "Trip plan_1" {
		t.Errorf("collision id = %q", n2.ID)
	}
	n3, _ := e.store.Create(ctx, "", "  ", "no title")
	if n3.ID != DefaultID {
		t.Errorf("blank title id = %q", n3.ID)
	}
}

func TestRenameCollisions(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	for _, title := range []string{"foo", "bar", "baz"} {
		if _, err := e.store.Create(ctx, "nb", title, "x"); err != nil {
			t.Fatal(err)
		}
	}

	id, err := e.store.Rename(ctx, models.Note{Notebook: "nb", ID: "bar"}, "foo")
	if err != nil {
		t.Fatal(err)
	}
	if id != "foo_1" {
		t.Errorf("first rename = %q, want foo_1", id)
	}
	id, err = e.store.Rename(ctx, models.Note{Notebook: "nb", ID: "baz"}, "foo")
	if err != nil {
		t.Fatal(err)
	}
	if id != "foo_2" {
		t.Errorf("second rename = %q, want foo_2", id)
	}

	n, err := e.store.Read(ctx, "nb", "foo_2")
	if err != nil {
		t.Fatal(err)
	}
	if n.Title != "foo" || n.Content != "x" {
		t.Errorf("renamed note = %+v", n)
	}
	if ok, _ := e.store.Exists(ctx, "nb", "baz"); ok {
		t.Error("old file still present")
	}
}

func TestRenameKeepsOwnID(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	_, _ = e.store.Create(ctx, "", "foo", "x")

	id, err := e.store.Rename(ctx, models.Note{ID: "foo"}, "foo")
	if err != nil || id != "foo" {
		t.Fatalf("Rename = %q, %v", id, err)
	}
}

func TestRenameInvalidName(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	_, _ = e.store.Create(ctx, "", "foo", "x")

	for _, title := range []string{"", "   ", `/\:*?"<>|`} {
		if _, err := e.store.Rename(ctx, models.Note{ID: "foo"}, title); !errors.Is(err, apperr.ErrInvalidName) {
			t.Errorf("Rename(%q): expected ErrInvalidName, got %v", title, err)
		}
	}
	if ok, _ := e.store.Exists(ctx, "", "foo"); !ok {
		t.Error("failed rename changed state")
	}
}

func TestDotTitlesStayListed(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	n, err := e.store.Create(ctx, "", ".plan", "x")
	if err != nil {
		t.Fatal(err)
	}
	if n.ID != "plan" {
		t.Errorf("id = %q, want plan", n.ID)
	}
	dots, err := e.store.Create(ctx, "", "...", "y")
	if err != nil {
		t.Fatal(err)
	}
	if dots.ID != DefaultID {
		t.Errorf("dots-only title id = %q, want %q", dots.ID, DefaultID)
	}
	other, _ := e.store.Create(ctx, "", "other", "z")
	id, err := e.store.Rename(ctx, other, ".hidden")
	if err != nil {
		t.Fatal(err)
	}
	if id != "hidden" {
		t.Errorf("renamed id = %q, want hidden", id)
	}
	if _, err := e.store.Rename(ctx, models.Note{ID: "hidden"}, ". ."); !errors.Is(err, apperr.ErrInvalidName) {
		t.Errorf("Rename to dots: expected ErrInvalidName, got %v", err)
	}

	notes, err := e.store.ReadAll(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 3 {
		t.Fatalf("ReadAll returned %d notes, want 3", len(notes))
	}
	for _, n := range notes {
		if strings.HasPrefix(n.ID, ".") {
			t.Errorf("note stored as dot file: %q", n.ID)
		}
	}
}

func TestEmptyNotePurge(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	if err := e.store.Write(ctx, models.Note{Notebook: "nb", ID: "empty", Title: "  ", Content: "\n"}); err != nil {
		t.Fatal(err)
	}
	_, _ = e.store.Create(ctx, "nb", "keep", "me")

	got, err := e.store.ReadAll(ctx, "nb")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "keep" {
		t.Errorf("notes = %+v", got)
	}
	if _, err := os.Stat(filepath.Join(e.root, "nb", "empty.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("tombstone file not deleted: %v", err)
	}
}

func TestProtectedLockedRejects(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.protect(t, "vault", false)

	if _, err := e.store.ReadAll(ctx, "vault"); !errors.Is(err, apperr.ErrAuthenticationRequired) {
		t.Errorf("ReadAll: expected ErrAuthenticationRequired, got %v", err)
	}
	if err := e.store.Write(ctx, models.Note{Notebook: "vault", ID: "x", Title: "x"}); !errors.Is(err, apperr.ErrAuthenticationRequired) {
		t.Errorf("Write: expected ErrAuthenticationRequired, got %v", err)
	}
	if _, err := e.store.Create(ctx, "vault", "x", "y"); !errors.Is(err, apperr.ErrAuthenticationRequired) {
		t.Errorf("Create: expected ErrAuthenticationRequired, got %v", err)
	}
}

func TestDestroyedSessionKeyReportsLocked(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.protect(t, "vault", true)
	n, err := e.store.Create(ctx, "vault", "Diary", "dear diary")
	if err != nil {
		t.Fatal(err)
	}

	// A lock racing the read destroys the handle the store already holds.
	e.guard.keys["vault"].Destroy()

	_, err = e.store.Read(ctx, "vault", n.ID)
	if !errors.Is(err, apperr.ErrAuthenticationRequired) || errors.Is(err, apperr.ErrCrypto) {
		t.Errorf("Read: expected ErrAuthenticationRequired only, got %v", err)
	}
	err = e.store.Write(ctx, models.Note{Notebook: "vault", ID: n.ID, Title: "Diary", Content: "more"})
	if !errors.Is(err, apperr.ErrAuthenticationRequired) || errors.Is(err, apperr.ErrCrypto) {
		t.Errorf("Write: expected ErrAuthenticationRequired only, got %v", err)
	}
}

func TestProtectedWriteSealsOnDisk(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.protect(t, "vault", true)

	n, err := e.store.Create(ctx, "vault", "Diary", "dear diary")
	if err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(filepath.Join(e.root, "vault", n.ID+".txt"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "diary") || !strings.Contains(string(raw), cipher.Separator) {
		t.Errorf("file not sealed: %q", raw)
	}

	got, err := e.store.ReadAll(ctx, "vault")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Title != "Diary" || got[0].Content != "dear diary" {
		t.Errorf("notes = %+v", got)
	}
}

func TestCorruptCiphertextSurfaced(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.protect(t, "vault", true)
	_ = os.MkdirAll(filepath.Join(e.root, "vault"), 0o755)
	_ = os.WriteFile(filepath.Join(e.root, "vault", "bad.txt"), []byte("plain text, not an envelope"), 0o644)

	_, err := e.store.ReadAll(ctx, "vault")
	var ce *apperr.CryptoError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CryptoError, got %v", err)
	}
}

func TestMoveTargetExists(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	_, _ = e.store.Create(ctx, "a", "same", "1")
	_, _ = e.store.Create(ctx, "b", "same", "2")

	err := e.store.Move(ctx, models.Note{Notebook: "a", ID: "same"}, "b")
	if !errors.Is(err, apperr.ErrTargetExists) {
		t.Fatalf("expected ErrTargetExists, got %v", err)
	}
	n, _ := e.store.Read(ctx, "b", "same")
	if n.Content != "2" {
		t.Error("target overwritten")
	}
}

func TestMoveResealsAcrossProtection(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.protect(t, "vault", true)

	n, _ := e.store.Create(ctx, "plain", "note", "secret body")
	mtime := time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC)
	n.ModifiedAt = mtime
	_ = e.store.Write(ctx, n)

	if err := e.store.Move(ctx, n, "vault"); err != nil {
		t.Fatalf("Move into vault: %v", err)
	}
	raw, _ := os.ReadFile(filepath.Join(e.root, "vault", "note.txt"))
	if strings.Contains(string(raw), "secret body") {
		t.Error("plaintext landed in protected notebook")
	}
	got, err := e.store.Read(ctx, "vault", "note")
	if err != nil || got.Content != "secret body" || !got.ModifiedAt.Equal(mtime) {
		t.Fatalf("Read after move = %+v, %v", got, err)
	}

	if err := e.store.Move(ctx, got, ""); err != nil {
		t.Fatalf("Move out of vault: %v", err)
	}
	raw, _ = os.ReadFile(filepath.Join(e.root, "note.txt"))
	if string(raw) != "note\nsecret body" {
		t.Errorf("root payload = %q", raw)
	}
}

func TestMoveFromLockedNotebook(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.protect(t, "vault", true)
	n, _ := e.store.Create(ctx, "vault", "n", "x")
	e.protect(t, "vault", false)

	if err := e.store.Move(ctx, n, ""); !errors.Is(err, apperr.ErrAuthenticationRequired) {
		t.Fatalf("expected ErrAuthenticationRequired, got %v", err)
	}
}

func TestDeleteNotFound(t *testing.T) {
	err := newEnv(t).store.Delete(context.Background(), models.Note{ID: "ghost"})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNotebooks(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	for _, nb := range []string{"b", "a"} {
		if err := e.store.CreateNotebook(ctx, nb); err != nil {
			t.Fatal(err)
		}
	}
	e.protect(t, "b", false)

	nbs, err := e.store.ListNotebooks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(nbs) != 2 || nbs[0].Path != "a" || nbs[0].IsEncrypted || !nbs[1].IsEncrypted {
		t.Errorf("notebooks = %+v", nbs)
	}

	if _, err := e.store.DeleteNotebook(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	nbs, _ = e.store.ListNotebooks(ctx)
	if len(nbs) != 1 {
		t.Errorf("after delete = %+v", nbs)
	}
}

func TestValidateNotebook(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"work", true},
		{"My Notes", true},
		{"", false},
		{"a/b", false},
		{`a\b`, false},
		{".hidden", false},
		{".trashed", false},
		{strings.Repeat("x", 256), false},
	}
	for _, c := range cases {
		err := ValidateNotebook(c.name)
		if (err == nil) != c.ok {
			t.Errorf("ValidateNotebook(%q) = %v", c.name, err)
		}
		if err != nil && !errors.Is(err, apperr.ErrInvalidName) {
			t.Errorf("ValidateNotebook(%q) error does not match ErrInvalidName", c.name)
		}
	}
}

func TestExclusiveSerializesWrites(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	done := make(chan struct{})
	err := e.store.Exclusive(ctx, "nb", func(b *Batch) error {
		go func() {
			_ = e.store.Write(ctx, models.Note{Notebook: "nb", ID: "w", Title: "w"})
			close(done)
		}()
		select {
		case <-done:
			t.Error("write ran while batch held the notebook")
		case <-time.After(50 * time.Millisecond):
		}
		return b.WriteRaw("batch", []byte("raw"), time.Time{})
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("write never ran")
	}

	err = e.store.Exclusive(ctx, "nb", func(b *Batch) error {
		ids, err := b.IDs()
		if err != nil {
			return err
		}
		if strings.Join(ids, ",") != "batch,w" {
			t.Errorf("ids = %v", ids)
		}
		raw, _, err := b.ReadRaw("batch")
		if err != nil || string(raw) != "raw" {
			t.Errorf("ReadRaw = %q, %v", raw, err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAddKeepsIDAndResolvesCollisions(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	mtime := time.Date(2021, 5, 6, 7, 8, 9, 0, time.UTC)

	first, err := e.store.Add(ctx, models.Note{ID: "groceries", Title: "Weekly shop", Content: "eggs", ModifiedAt: mtime})
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != "groceries" {
		t.Errorf("id = %q, want groceries", first.ID)
	}
	second, err := e.store.Add(ctx, models.Note{ID: "groceries", Title: "Other"})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != "groceries_1" {
		t.Errorf("id = %q, want groceries_1", second.ID)
	}
	hidden, err := e.store.Add(ctx, models.Note{ID: ".hidden", Title: "Shown"})
	if err != nil {
		t.Fatal(err)
	}
	if hidden.ID != "hidden" {
		t.Errorf("id = %q, want hidden", hidden.ID)
	}

	got, err := e.store.Read(ctx, "", "groceries")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "Weekly shop" || !got.ModifiedAt.Equal(mtime) {
		t.Errorf("got %+v", got)
	}
}

package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/starford/sealbook/internal/apperr"
	"github.com/starford/sealbook/internal/cipher"
	"github.com/starford/sealbook/internal/keyvault"
	"github.com/starford/sealbook/internal/models"
	"github.com/starford/sealbook/internal/notestore"
	"github.com/starford/sealbook/internal/storage"
)

type lockedGuard struct{ locked map[string]bool }

func (g lockedGuard) IsProtected(nb string) (bool, error) { return g.locked[nb], nil }

func (g lockedGuard) KeyFor(_ context.Context, nb string) (*keyvault.KeyHandle, error) {
	if g.locked[nb] {
		return nil, apperr.ErrAuthenticationRequired
	}
	return nil, nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newStore(t *testing.T, locked ...string) *notestore.Store {
	t.Helper()
	fsys, err := storage.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	g := lockedGuard{locked: map[string]bool{}}
	for _, nb := range locked {
		g.locked[nb] = true
	}
	return notestore.New(fsys, cipher.New(), g, notestore.WithLogger(quiet()))
}

func mustCreate(t *testing.T, s *notestore.Store, nb, title, content string) models.Note {
	t.Helper()
	n, err := s.Create(context.Background(), nb, title, content)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func entryNames(t *testing.T, data []byte) []string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newStore(t)
	if err := src.CreateNotebook(ctx, "work"); err != nil {
		t.Fatal(err)
	}
	mustCreate(t, src, "", "Inbox", "loose note")
	mustCreate(t, src, "work", "Plan", "ship it\nthen rest")

	var buf bytes.Buffer
	rep, err := Export(ctx, &buf, src, ExportOptions{Logger: quiet()})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if rep.Notes != 2 || rep.Notebooks != 1 {
		t.Errorf("report = %+v", rep)
	}
	want := []string{"Inbox.txt", "work/", "work/Plan.txt"}
	if got := entryNames(t, buf.Bytes()); !equal(got, want) {
		t.Errorf("entries = %v, want %v", got, want)
	}

	dst := newStore(t)
	if err := dst.CreateNotebook(ctx, "work"); err != nil {
		t.Fatal(err)
	}
	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatal(err)
	}
	irep, err := Import(ctx, zr, dst, quiet())
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if irep.Notebooks["work"] != "work_1" {
		t.Errorf("notebook mapping = %v, want work -> work_1", irep.Notebooks)
	}
	notes, err := dst.ReadAll(ctx, "work_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 || notes[0].ID != "Plan" || notes[0].Content != "ship it\nthen rest" {
		t.Errorf("imported notes = %+v", notes)
	}
}

func TestExportPreservesModTime(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	n := mustCreate(t, s, "", "Old", "x")
	n.ModifiedAt = time.Date(2019, 3, 4, 5, 6, 8, 0, time.UTC)
	if err := s.Write(ctx, n); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if _, err := Export(ctx, &buf, s, ExportOptions{Logger: quiet()}); err != nil {
		t.Fatal(err)
	}
	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatal(err)
	}
	if got := zr.File[0].Modified.UTC(); !got.Equal(n.ModifiedAt) {
		t.Errorf("Modified = %v, want %v", got, n.ModifiedAt)
	}
}

func TestExportLockedNotebook(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, "secret")
	if err := s.CreateNotebook(ctx, "secret"); err != nil {
		t.Fatal(err)
	}
	mustCreate(t, s, "", "Open", "visible")

	var buf bytes.Buffer
	_, err := Export(ctx, &buf, s, ExportOptions{Logger: quiet()})
	if !errors.Is(err, apperr.ErrAuthenticationRequired) {
		t.Fatalf("err = %v, want ErrAuthenticationRequired", err)
	}

	buf.Reset()
	rep, err := Export(ctx, &buf, s, ExportOptions{SkipLocked: true, Logger: quiet()})
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Skipped) != 1 || rep.Skipped[0] != "secret" {
		t.Errorf("skipped = %v", rep.Skipped)
	}
	if got := entryNames(t, buf.Bytes()); !equal(got, []string{"Open.txt"}) {
		t.Errorf("entries = %v", got)
	}
}

func TestImportSkipsUnsupportedEntries(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range map[string]string{
		"a.txt":          "A\nbody",
		"a/b/c.txt":      "nested",
		"pic.png":        "binary",
		".hidden.txt":    "hidden",
		".trashed/x.txt": "trash",
		"empty.txt":      "  \n ",
		"nb/n.txt":       "N\nin notebook",
	} {
		fw, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	dst := newStore(t)
	mustCreate(t, dst, "", "a", "already here")
	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatal(err)
	}
	rep, err := Import(ctx, zr, dst, quiet())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Notes != 2 || rep.Skipped != 5 {
		t.Errorf("report = %+v, want 2 notes and 5 skipped", rep)
	}
	if ok, _ := dst.Exists(ctx, "", "a_1"); !ok {
		t.Error("colliding id should import as a_1")
	}
	if ok, _ := dst.Exists(ctx, "nb", "n"); !ok {
		t.Error("nb/n.txt not imported")
	}
}

func TestImportSkipsUnreadableEntry(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	fw, err := zw.CreateHeader(&zip.FileHeader{Name: "broken/bad.txt", Method: zip.Store})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write([]byte("Bad\nCORRUPTME")); err != nil {
		t.Fatal(err)
	}
	fw, err = zw.Create("ok.txt")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write([]byte("Ok\nfine")); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	data := buf.Bytes()
	i := bytes.Index(data, []byte("CORRUPTME"))
	if i < 0 {
		t.Fatal("stored entry not found in archive")
	}
	copy(data[i:], "corruptme")

	dst := newStore(t)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	rep, err := Import(ctx, zr, dst, quiet())
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if rep.Notes != 1 || rep.Skipped != 1 {
		t.Errorf("report = %+v, want 1 note and 1 skipped", rep)
	}
	if ok, _ := dst.Exists(ctx, "", "ok"); !ok {
		t.Error("ok.txt not imported")
	}
	nbs, err := dst.ListNotebooks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, nb := range nbs {
		if nb.Path == "broken" {
			t.Error("notebook created for an unreadable entry")
		}
	}
}

func TestSplitEntry(t *testing.T) {
	tests := []struct {
		name   string
		dir    string
		id     string
		wantOK bool
	}{
		{"note.txt", "", "note", true},
		{"nb/note.txt", "nb", "note", true},
		{`nb\note.txt`, "nb", "note", true},
		{"nb/", "", "", false},
		{"a/b/c.txt", "", "", false},
		{"/abs.txt", "", "", false},
		{"note.md", "", "", false},
		{".txt", "", "", false},
		{"nb/.x.txt", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, id, ok := splitEntry(tt.name)
			if ok != tt.wantOK || dir != tt.dir || id != tt.id {
				t.Errorf("splitEntry(%q) = (%q, %q, %v)", tt.name, dir, id, ok)
			}
		})
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
